// Package format shapes a normalized event into the JSON layout a
// target platform expects. Formatting is pure and stateless; unknown
// format names fall back to the generic shape.
package format

import (
	"time"

	"github.com/chainhook/relay/pkg/relay"
)

// Payload renders the event for the given platform
func Payload(f relay.Format, ev *relay.BlockchainEvent) map[string]any {
	switch f {
	case relay.FormatZapier:
		return zapier(ev)
	case relay.FormatMake:
		return makeFormat(ev)
	case relay.FormatN8N:
		return n8n(ev)
	default:
		return generic(ev)
	}
}

func generic(ev *relay.BlockchainEvent) map[string]any {
	return map[string]any{
		"event":           ev.EventName,
		"contractAddress": ev.ContractAddress,
		"blockNumber":     ev.BlockNumber,
		"transactionHash": ev.TransactionHash,
		"data":            namedArgs(ev),
		"timestamp":       ev.Timestamp.UTC().Format(time.RFC3339),
	}
}

// zapier wants a flat object with snake_case metadata keys
func zapier(ev *relay.BlockchainEvent) map[string]any {
	payload := map[string]any{
		"event_name":       ev.EventName,
		"contract_address": ev.ContractAddress,
		"block_number":     ev.BlockNumber,
		"transaction_hash": ev.TransactionHash,
	}

	for k, v := range namedArgs(ev) {
		payload[k] = v
	}

	return payload
}

func makeFormat(ev *relay.BlockchainEvent) map[string]any {
	return map[string]any{
		"metadata": map[string]any{
			"eventName":       ev.EventName,
			"contractAddress": ev.ContractAddress,
			"blockNumber":     ev.BlockNumber,
			"transactionHash": ev.TransactionHash,
			"logIndex":        ev.LogIndex,
			"timestamp":       ev.Timestamp.UTC().Format(time.RFC3339),
		},
		"data": namedArgs(ev),
	}
}

func n8n(ev *relay.BlockchainEvent) map[string]any {
	return map[string]any{
		"event": map[string]any{
			"name":        ev.EventName,
			"contract":    ev.ContractAddress,
			"block":       ev.BlockNumber,
			"transaction": ev.TransactionHash,
			"parameters":  namedArgs(ev),
		},
	}
}

// namedArgs strips the positional duplicate keys ("0", "1", ...) so
// payloads carry each argument once, under its name
func namedArgs(ev *relay.BlockchainEvent) map[string]any {
	named := map[string]any{}

	for k, v := range ev.Args {
		if isPositional(k) {
			continue
		}
		named[k] = v
	}

	return named
}

func isPositional(k string) bool {
	if k == "" {
		return false
	}

	for _, r := range k {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}
