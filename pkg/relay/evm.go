package relay

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// EVMRequester is the part of an EVM node connection the relay needs
type EVMRequester interface {
	Context() context.Context

	ChainID() (*big.Int, error)
	LatestBlock() (*big.Int, error)
	BlockTime(number *big.Int) (uint64, error)
	FilterLogs(q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	SubscribeNewHead(ch chan<- *types.Header) (ethereum.Subscription, error)

	Connected() bool

	Close()
}
