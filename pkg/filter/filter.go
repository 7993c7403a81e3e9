// Package filter decides whether a normalized event satisfies a
// subscription's filter set. Filters are AND-combined predicates keyed
// by dotted field path, e.g. {"args.value": {"gt": "500000000000000000"}}.
package filter

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/chainhook/relay/pkg/relay"
)

// Matches reports whether the event satisfies every filter predicate.
// An absent or empty filter set always matches.
func Matches(ev *relay.BlockchainEvent, filters map[string]any) bool {
	if len(filters) == 0 {
		return true
	}

	for path, spec := range filters {
		field, ok := resolve(ev, path)
		if !ok {
			return false
		}

		ops, ok := spec.(map[string]any)
		if !ok {
			// a bare value is shorthand for eq
			if !compare("eq", field, spec) {
				return false
			}
			continue
		}

		for op, operand := range ops {
			if !compare(op, field, operand) {
				return false
			}
		}
	}

	return true
}

// resolve walks a dotted field path over the event
func resolve(ev *relay.BlockchainEvent, path string) (any, bool) {
	if strings.HasPrefix(path, "args.") {
		v, ok := ev.Args[strings.TrimPrefix(path, "args.")]
		return v, ok
	}

	switch path {
	case "eventName", "event":
		return ev.EventName, true
	case "contractAddress":
		return ev.ContractAddress, true
	case "blockNumber":
		return ev.BlockNumber, true
	case "transactionHash":
		return ev.TransactionHash, true
	case "logIndex":
		return ev.LogIndex, true
	}

	return nil, false
}

func compare(op string, field, operand any) bool {
	switch op {
	case "eq":
		return equal(field, operand)
	case "neq":
		return !equal(field, operand)
	case "gt", "lt", "gte", "lte":
		c, ok := numericCompare(field, operand)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return c > 0
		case "lt":
			return c < 0
		case "gte":
			return c >= 0
		default:
			return c <= 0
		}
	case "contains":
		return strings.Contains(stringify(field), stringify(operand))
	case "in":
		list, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if equal(field, item) {
				return true
			}
		}
		return false
	}

	return false
}

// equal compares numerically when both sides look numeric, otherwise
// case-insensitively as strings (addresses arrive in mixed case)
func equal(a, b any) bool {
	if c, ok := numericCompare(a, b); ok {
		return c == 0
	}

	return strings.EqualFold(stringify(a), stringify(b))
}

// numericCompare compares with arbitrary precision. Token amounts are
// string-encoded integers that overflow int64 and lose precision in
// float64, so both sides go through big.Int first, big.Float second.
func numericCompare(a, b any) (int, bool) {
	ai, aok := toBigInt(a)
	bi, bok := toBigInt(b)
	if aok && bok {
		return ai.Cmp(bi), true
	}

	af, aok := toBigFloat(a)
	bf, bok := toBigFloat(b)
	if aok && bok {
		return af.Cmp(bf), true
	}

	return 0, false
}

func toBigInt(v any) (*big.Int, bool) {
	switch val := v.(type) {
	case *big.Int:
		return val, true
	case int:
		return big.NewInt(int64(val)), true
	case int64:
		return big.NewInt(val), true
	case uint:
		return new(big.Int).SetUint64(uint64(val)), true
	case uint64:
		return new(big.Int).SetUint64(val), true
	case string:
		i, ok := new(big.Int).SetString(strings.TrimSpace(val), 10)
		return i, ok
	case float64:
		if val == float64(int64(val)) {
			return big.NewInt(int64(val)), true
		}
		return nil, false
	}

	return nil, false
}

func toBigFloat(v any) (*big.Float, bool) {
	switch val := v.(type) {
	case *big.Int:
		return new(big.Float).SetInt(val), true
	case int:
		return big.NewFloat(float64(val)), true
	case int64:
		return big.NewFloat(float64(val)), true
	case uint:
		return new(big.Float).SetUint64(uint64(val)), true
	case uint64:
		return new(big.Float).SetUint64(val), true
	case float64:
		return big.NewFloat(val), true
	case string:
		f, _, err := big.ParseFloat(strings.TrimSpace(val), 10, 256, big.ToNearestEven)
		if err != nil {
			return nil, false
		}
		return f, true
	}

	return nil, false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case *big.Int:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	case uint64:
		return strconv.FormatUint(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}

	return ""
}
