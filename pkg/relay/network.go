package relay

// NetworkConfig describes the chain node the relay connects to.
// It is supplied at startup and never mutated.
type NetworkConfig struct {
	RPCURL        string `json:"rpc_url"`
	WSURL         string `json:"ws_url"`
	ChainID       int64  `json:"chain_id"`
	Confirmations uint64 `json:"confirmations"`
}
