package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned when a filter spec is rejected at
// subscription-configuration time, before it can reach matching
var ErrInvalidFilter = errors.New("invalid filter")

var validOps = map[string]bool{
	"eq":       true,
	"neq":      true,
	"gt":       true,
	"lt":       true,
	"gte":      true,
	"lte":      true,
	"contains": true,
	"in":       true,
}

// Validate rejects malformed filter specifications
func Validate(filters map[string]any) error {
	for path, spec := range filters {
		if strings.TrimSpace(path) == "" {
			return fmt.Errorf("%w: empty field path", ErrInvalidFilter)
		}

		ops, ok := spec.(map[string]any)
		if !ok {
			// bare values are eq shorthand
			if spec == nil {
				return fmt.Errorf("%w: nil value for %q", ErrInvalidFilter, path)
			}
			continue
		}

		if len(ops) == 0 {
			return fmt.Errorf("%w: no operators for %q", ErrInvalidFilter, path)
		}

		for op, operand := range ops {
			if !validOps[op] {
				return fmt.Errorf("%w: unknown operator %q for %q", ErrInvalidFilter, op, path)
			}

			if operand == nil {
				return fmt.Errorf("%w: nil operand for %q %q", ErrInvalidFilter, path, op)
			}

			if op == "in" {
				if _, ok := operand.([]any); !ok {
					return fmt.Errorf("%w: operator in expects a list for %q", ErrInvalidFilter, path)
				}
			}
		}
	}

	return nil
}
