package relay

import (
	"time"
)

// UnknownEvent is the event name used when a signature cannot be parsed
const UnknownEvent = "UnknownEvent"

// BlockchainEvent is a single normalized contract log.
// Args contains positional keys ("0", "1", ...) plus named keys parsed
// from the event signature (falling back to paramN for unnamed params).
type BlockchainEvent struct {
	ContractAddress string         `json:"contract_address"`
	EventName       string         `json:"event_name"`
	BlockNumber     uint64         `json:"block_number"`
	TransactionHash string         `json:"transaction_hash"`
	LogIndex        uint           `json:"log_index"`
	Args            map[string]any `json:"args"`
	Timestamp       time.Time      `json:"timestamp"`
}
