package ethrequest

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	ETHChainID = "eth_chainId"
)

type EthService struct {
	rpc    *rpc.Client
	client *ethclient.Client
	ctx    context.Context
}

func (e *EthService) Context() context.Context {
	return e.ctx
}

// NewEthService dials the given endpoint. Use a ws:// or wss:// endpoint
// for live log subscriptions.
func NewEthService(ctx context.Context, endpoint string) (*EthService, error) {
	rpc, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	client := ethclient.NewClient(rpc)

	return &EthService{rpc, client, ctx}, nil
}

func (e *EthService) Close() {
	e.client.Close()
}

func (e *EthService) BlockTime(number *big.Int) (uint64, error) {
	header, err := e.client.HeaderByNumber(e.ctx, number)
	if err != nil {
		return 0, err
	}

	return header.Time, nil
}

func (e *EthService) LatestBlock() (*big.Int, error) {
	blk, err := e.client.BlockNumber(e.ctx)
	if err != nil {
		return nil, err
	}

	return new(big.Int).SetUint64(blk), nil
}

func (e *EthService) FilterLogs(q ethereum.FilterQuery) ([]types.Log, error) {
	return e.client.FilterLogs(e.ctx, q)
}

func (e *EthService) SubscribeFilterLogs(q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return e.client.SubscribeFilterLogs(e.ctx, q, ch)
}

func (e *EthService) SubscribeNewHead(ch chan<- *types.Header) (ethereum.Subscription, error) {
	return e.client.SubscribeNewHead(e.ctx, ch)
}

// Connected probes the node with a cheap chain id request
func (e *EthService) Connected() bool {
	var id string
	err := e.rpc.Call(&id, ETHChainID)
	return err == nil
}

func (e *EthService) ChainID() (*big.Int, error) {
	var id string
	err := e.rpc.Call(&id, ETHChainID)
	if err != nil {
		return nil, err
	}

	chid, ok := big.NewInt(0).SetString(strip0x(id), 16)
	if !ok {
		return nil, errors.New("invalid chain id")
	}

	return chid, nil
}

func strip0x(h string) string {
	if len(h) > 2 && h[:2] == "0x" {
		return h[2:]
	}

	return h
}
