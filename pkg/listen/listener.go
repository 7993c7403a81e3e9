package listen

import (
	"context"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/chainhook/relay/pkg/relay"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SubscriptionEvent is a normalized log tagged with the subscription
// that produced it
type SubscriptionEvent struct {
	SubscriptionID string
	Event          *relay.BlockchainEvent
}

// SubscriptionError reports a per-subscription failure without stopping
// the listener
type SubscriptionError struct {
	SubscriptionID string
	Err            error
}

type activeSub struct {
	def  relay.EventSubscription
	desc *relay.EventDescriptor

	// guarded by Listener.mu
	sub  ethereum.Subscription
	stop chan struct{}
}

// Listener turns subscription definitions into live contract log
// subscriptions and normalizes the raw logs they produce
type Listener struct {
	conn *Connection

	mu      sync.Mutex
	subs    map[string]*activeSub
	started bool
	watch   chan struct{}

	events    chan SubscriptionEvent
	subErrs   chan SubscriptionError
	eventErrs chan SubscriptionError

	// block timestamps, cached per block number
	blkMu sync.Mutex
	blks  map[uint64]uint64
}

func NewListener(conn *Connection) *Listener {
	return &Listener{
		conn:      conn,
		subs:      map[string]*activeSub{},
		events:    make(chan SubscriptionEvent, 256),
		subErrs:   make(chan SubscriptionError, 16),
		eventErrs: make(chan SubscriptionError, 16),
		blks:      map[uint64]uint64{},
	}
}

// Events returns the stream of normalized events
func (l *Listener) Events() <-chan SubscriptionEvent {
	return l.events
}

// SubscriptionErrors returns per-subscription attach failures
func (l *Listener) SubscriptionErrors() <-chan SubscriptionError {
	return l.subErrs
}

// EventErrors returns per-event decode failures
func (l *Listener) EventErrors() <-chan SubscriptionError {
	return l.eventErrs
}

// AddSubscription registers a subscription. The signature is parsed
// eagerly so malformed definitions are rejected here rather than
// silently degrading later. When the listener is already running the
// contract listener is attached immediately; attach failures are
// reported on the subscription error channel, not returned.
func (l *Listener) AddSubscription(def relay.EventSubscription) error {
	desc, err := ParseSignature(def.EventSignature)
	if err != nil {
		return err
	}

	s := &activeSub{def: def, desc: desc}

	l.mu.Lock()
	l.subs[def.ID] = s
	started := l.started
	l.mu.Unlock()

	if started {
		if err := l.attach(s); err != nil {
			l.reportSubError(def.ID, err)
		}
	}

	return nil
}

// RemoveSubscription detaches the listener and removes the registry
// entry. Unknown ids log a warning and are a no-op.
func (l *Listener) RemoveSubscription(id string) {
	l.mu.Lock()
	s, ok := l.subs[id]
	if ok {
		delete(l.subs, id)
	}
	l.mu.Unlock()

	if !ok {
		log.Default().Println("remove subscription: unknown id: ", id)
		return
	}

	l.detach(s)
}

// Start connects the underlying chain connection and attaches all
// registered subscriptions. It is idempotent.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.watch = make(chan struct{})
	watch := l.watch
	l.mu.Unlock()

	connected := l.conn.Subscribe(EventConnected)
	disconnected := l.conn.Subscribe(EventDisconnected)

	go l.watchConnection(connected, disconnected, watch)

	err := l.conn.Connect(ctx)
	if err != nil {
		return err
	}

	l.attachAll()

	return nil
}

// Stop detaches all listeners and disconnects. Definitions are retained.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	if l.watch != nil {
		close(l.watch)
		l.watch = nil
	}
	l.mu.Unlock()

	l.detachAll()
	l.conn.Disconnect()
}

// IsListening is true only when started and the connection is live
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()

	return started && l.conn.IsConnected()
}

// watchConnection re-attaches after a reconnect and detaches when the
// socket drops, keeping the registry intact either way
func (l *Listener) watchConnection(connected, disconnected <-chan ConnectionEvent, stop chan struct{}) {
	for {
		select {
		case <-connected:
			l.attachAll()
		case <-disconnected:
			l.detachAll()
		case <-stop:
			return
		}
	}
}

func (l *Listener) attachAll() {
	l.mu.Lock()
	subs := make([]*activeSub, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		if err := l.attach(s); err != nil {
			l.reportSubError(s.def.ID, err)
		}
	}
}

func (l *Listener) detachAll() {
	l.mu.Lock()
	subs := make([]*activeSub, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		l.detach(s)
	}
}

// attach subscribes the contract listener. It is a no-op when the
// subscription is already live, so concurrent attach sweeps from Start
// and the connection watcher cannot double-subscribe.
func (l *Listener) attach(s *activeSub) error {
	evm := l.conn.EVM()
	if evm == nil {
		return relay.ErrNotConnected
	}

	addresses := make([]common.Address, 0, len(s.def.ContractAddress))
	for _, a := range s.def.ContractAddress {
		addresses = append(addresses, common.HexToAddress(a))
	}

	query := ethereum.FilterQuery{
		Addresses: addresses,
		Topics:    [][]common.Hash{{crypto.Keccak256Hash([]byte(s.desc.Canonical()))}},
	}

	logs := make(chan types.Log, 64)

	l.mu.Lock()
	if s.sub != nil {
		l.mu.Unlock()
		return nil
	}

	sub, err := evm.SubscribeFilterLogs(query, logs)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	stop := make(chan struct{})
	s.sub = sub
	s.stop = stop
	l.mu.Unlock()

	go l.consume(s, sub, stop, logs)

	return nil
}

// detach unsubscribes, swallowing and logging teardown panics so one
// broken listener cannot take the rest down
func (l *Listener) detach(s *activeSub) {
	defer func() {
		if r := recover(); r != nil {
			log.Default().Println("error detaching listener: ", s.def.ID, r)
		}
	}()

	l.mu.Lock()
	sub := s.sub
	stop := s.stop
	s.sub = nil
	s.stop = nil
	l.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	if sub != nil {
		sub.Unsubscribe()
	}
}

// consume owns its subscription and stop channel for its whole
// lifetime, detach only hands out fresh ones on re-attach
func (l *Listener) consume(s *activeSub, sub ethereum.Subscription, stop chan struct{}, logs chan types.Log) {
	for {
		select {
		case lg := <-logs:
			ev, err := l.normalize(s, lg)
			if err != nil {
				l.reportEventError(s.def.ID, err)
				continue
			}

			l.events <- SubscriptionEvent{SubscriptionID: s.def.ID, Event: ev}
		case <-sub.Err():
			// socket level failures are handled by the connection manager
			return
		case <-stop:
			return
		}
	}
}

// normalize decodes a raw log into a BlockchainEvent
func (l *Listener) normalize(s *activeSub, lg types.Log) (*relay.BlockchainEvent, error) {
	values, err := decodeLog(s.desc, lg)
	if err != nil {
		return nil, err
	}

	return &relay.BlockchainEvent{
		ContractAddress: strings.ToLower(lg.Address.Hex()),
		EventName:       s.desc.Name,
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        lg.Index,
		Args:            EventArgs(s.desc, values),
		Timestamp:       l.blockTime(lg.BlockNumber),
	}, nil
}

// blockTime resolves a block timestamp, cached per block number to
// avoid hammering the node when a block carries many logs
func (l *Listener) blockTime(number uint64) time.Time {
	l.blkMu.Lock()
	t, ok := l.blks[number]
	l.blkMu.Unlock()

	if ok {
		return time.Unix(int64(t), 0).UTC()
	}

	evm := l.conn.EVM()
	if evm == nil {
		return time.Now().UTC()
	}

	t, err := evm.BlockTime(new(big.Int).SetUint64(number))
	if err != nil {
		return time.Now().UTC()
	}

	l.blkMu.Lock()
	l.blks[number] = t
	if len(l.blks) > 1024 {
		l.blks = map[uint64]uint64{number: t}
	}
	l.blkMu.Unlock()

	return time.Unix(int64(t), 0).UTC()
}

func (l *Listener) reportSubError(id string, err error) {
	select {
	case l.subErrs <- SubscriptionError{SubscriptionID: id, Err: err}:
	default:
		log.Default().Println("subscription error: ", id, err)
	}
}

func (l *Listener) reportEventError(id string, err error) {
	select {
	case l.eventErrs <- SubscriptionError{SubscriptionID: id, Err: err}:
	default:
		log.Default().Println("event error: ", id, err)
	}
}
