package listen

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/chainhook/relay/pkg/relay"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrMalformedSignature = errors.New("malformed event signature")

	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ParseEventName extracts the event identifier before the opening
// parenthesis, returning UnknownEvent for malformed or empty signatures
func ParseEventName(signature string) string {
	idx := strings.Index(signature, "(")
	if idx <= 0 {
		return relay.UnknownEvent
	}

	name := strings.TrimSpace(signature[:idx])
	if !identifierRe.MatchString(name) {
		return relay.UnknownEvent
	}

	return name
}

// ParseSignature eagerly parses a free-text event signature like
// "Transfer(address indexed from, address indexed to, uint256 value)"
// into a typed descriptor, failing fast on malformed input
func ParseSignature(signature string) (*relay.EventDescriptor, error) {
	name := ParseEventName(signature)
	if name == relay.UnknownEvent {
		return nil, fmt.Errorf("%w: %q", ErrMalformedSignature, signature)
	}

	open := strings.Index(signature, "(")
	end := strings.LastIndex(signature, ")")
	if end < open {
		return nil, fmt.Errorf("%w: %q", ErrMalformedSignature, signature)
	}

	desc := &relay.EventDescriptor{Name: name}

	inner := strings.TrimSpace(signature[open+1 : end])
	if inner == "" {
		return desc, nil
	}

	for _, raw := range strings.Split(inner, ",") {
		param, err := parseParam(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrMalformedSignature, signature, err)
		}

		desc.Params = append(desc.Params, param)
	}

	return desc, nil
}

// parseParam parses "type [indexed] [name]"
func parseParam(raw string) (relay.EventParam, error) {
	fields := strings.Fields(strings.TrimSpace(raw))
	if len(fields) == 0 || len(fields) > 3 {
		return relay.EventParam{}, fmt.Errorf("bad parameter: %q", raw)
	}

	param := relay.EventParam{Type: fields[0]}

	if _, err := abi.NewType(param.Type, "", nil); err != nil {
		return relay.EventParam{}, fmt.Errorf("bad parameter type: %q", param.Type)
	}

	rest := fields[1:]
	if len(rest) > 0 && rest[0] == "indexed" {
		param.Indexed = true
		rest = rest[1:]
	}

	if len(rest) > 1 {
		return relay.EventParam{}, fmt.Errorf("bad parameter: %q", raw)
	}

	if len(rest) == 1 {
		if rest[0] == "indexed" || !identifierRe.MatchString(rest[0]) {
			return relay.EventParam{}, fmt.Errorf("bad parameter name: %q", rest[0])
		}
		param.Name = rest[0]
	}

	return param, nil
}

// EventArgs maps decoded values to positional keys ("0", "1", ...) plus
// the parameter names from the descriptor, falling back to paramN for
// unnamed parameters. Identical input always yields an identical map.
func EventArgs(desc *relay.EventDescriptor, values []any) map[string]any {
	args := map[string]any{}

	for i, v := range values {
		if i >= len(desc.Params) {
			break
		}

		nv := normalizeArg(v)

		args[strconv.Itoa(i)] = nv

		name := desc.Params[i].Name
		if name == "" {
			name = fmt.Sprintf("param%d", i)
		}
		args[name] = nv
	}

	return args
}

// normalizeArg converts decoded abi values into stable, json friendly
// representations: addresses become lowercase hex strings and big
// integers become decimal strings to avoid precision loss downstream
func normalizeArg(v any) any {
	switch val := v.(type) {
	case common.Address:
		return strings.ToLower(val.Hex())
	case common.Hash:
		return val.Hex()
	case *big.Int:
		return val.String()
	case []byte:
		return "0x" + common.Bytes2Hex(val)
	case [32]byte:
		return "0x" + common.Bytes2Hex(val[:])
	default:
		return val
	}
}

// abiArguments builds the go-ethereum argument list for a descriptor
func abiArguments(desc *relay.EventDescriptor) (abi.Arguments, error) {
	args := abi.Arguments{}

	for i, p := range desc.Params {
		t, err := abi.NewType(p.Type, "", nil)
		if err != nil {
			return nil, err
		}

		name := p.Name
		if name == "" {
			name = fmt.Sprintf("param%d", i)
		}

		args = append(args, abi.Argument{Name: name, Type: t, Indexed: p.Indexed})
	}

	return args, nil
}

// decodeLog unpacks a raw log into the descriptor's declared parameter
// order: indexed values come from topics, the rest from the data blob
func decodeLog(desc *relay.EventDescriptor, l types.Log) ([]any, error) {
	args, err := abiArguments(desc)
	if err != nil {
		return nil, err
	}

	dataVals, err := args.NonIndexed().UnpackValues(l.Data)
	if err != nil {
		return nil, err
	}

	values := make([]any, 0, len(desc.Params))

	topicIdx := 1
	dataIdx := 0

	for i, p := range desc.Params {
		if !p.Indexed {
			if dataIdx >= len(dataVals) {
				return nil, fmt.Errorf("missing data value for parameter %d", i)
			}
			values = append(values, dataVals[dataIdx])
			dataIdx++
			continue
		}

		if topicIdx >= len(l.Topics) {
			return nil, fmt.Errorf("missing topic for indexed parameter %d", i)
		}

		v, err := topicValue(p.Type, l.Topics[topicIdx])
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		topicIdx++
	}

	return values, nil
}

// topicValue decodes a single indexed topic. Dynamic types (string,
// bytes, arrays) are stored on chain as their keccak hash, so those are
// surfaced as the hash hex.
func topicValue(typ string, topic common.Hash) (any, error) {
	switch {
	case typ == "address":
		return common.BytesToAddress(topic.Bytes()[12:]), nil
	case typ == "bool":
		return topic.Bytes()[31] == 1, nil
	case strings.HasPrefix(typ, "uint"):
		return new(big.Int).SetBytes(topic.Bytes()), nil
	case strings.HasPrefix(typ, "int"):
		return fromTwosComplement(topic.Bytes()), nil
	case strings.HasPrefix(typ, "bytes") && len(typ) > len("bytes"):
		// fixed-size bytesN, right-padded in the topic
		size, err := strconv.Atoi(typ[len("bytes"):])
		if err != nil || size < 1 || size > 32 {
			return nil, fmt.Errorf("bad bytes type: %q", typ)
		}
		return topic.Bytes()[:size], nil
	default:
		return topic, nil
	}
}

func fromTwosComplement(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if len(b) > 0 && b[0]&0x80 != 0 {
		max := new(big.Int).Lsh(big.NewInt(1), uint(len(b))*8)
		v.Sub(v, max)
	}
	return v
}
