package listen

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/chainhook/relay/internal/services/ethrequest"
	"github.com/chainhook/relay/pkg/relay"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateFailed       ConnectionState = "failed"
)

type EventKind string

const (
	EventConnected          EventKind = "connected"
	EventDisconnected       EventKind = "disconnected"
	EventError              EventKind = "error"
	EventHealthCheckFailed  EventKind = "healthCheckFailed"
	EventMaxReconnectsReach EventKind = "maxReconnectAttemptsReached"
)

type ConnectionEvent struct {
	Kind EventKind
	Err  error
}

// Dialer opens a node connection, injectable for tests
type Dialer func(ctx context.Context, wsurl string) (relay.EVMRequester, error)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHealthInterval = 30 * time.Second
	defaultReconnectBase  = 2 * time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultMaxReconnects  = 5
)

// Connection owns a single live connection to a chain node and its
// lifecycle: connect, health checks and reconnection with backoff.
type Connection struct {
	net  relay.NetworkConfig
	dial Dialer

	mu          sync.Mutex
	evm         relay.EVMRequester
	state       ConnectionState
	maxNotified bool
	healthStop  chan struct{}
	watchStop   chan struct{}
	wakeStop    chan struct{}

	connectTimeout time.Duration
	healthInterval time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	maxReconnects  int

	subMu sync.Mutex
	subs  map[EventKind][]chan ConnectionEvent
}

func NewConnection(net relay.NetworkConfig) *Connection {
	return &Connection{
		net: net,
		dial: func(ctx context.Context, wsurl string) (relay.EVMRequester, error) {
			return ethrequest.NewEthService(ctx, wsurl)
		},
		state:          StateDisconnected,
		connectTimeout: defaultConnectTimeout,
		healthInterval: defaultHealthInterval,
		reconnectBase:  defaultReconnectBase,
		reconnectMax:   defaultReconnectMax,
		maxReconnects:  defaultMaxReconnects,
		subs:           map[EventKind][]chan ConnectionEvent{},
	}
}

// Subscribe returns a channel receiving events of the given kind.
// Slow consumers drop events rather than block the connection.
func (c *Connection) Subscribe(kind EventKind) <-chan ConnectionEvent {
	ch := make(chan ConnectionEvent, 8)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[kind] = append(c.subs[kind], ch)

	return ch
}

func (c *Connection) emit(kind EventKind, err error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs[kind] {
		select {
		case ch <- ConnectionEvent{Kind: kind, Err: err}:
		default:
		}
	}
}

// Connect opens the node connection and waits for it to be ready.
// It is a no-op when already connected.
func (c *Connection) Connect(ctx context.Context) error {
	if c.net.WSURL == "" {
		return relay.ErrMissingWSURL
	}

	c.mu.Lock()
	if c.state == StateConnected && c.evm != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	evm, err := c.dial(dctx, c.net.WSURL)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return relay.ErrConnectionTimeout
		}
		return err
	}

	// arm the close watcher before announcing the connection so a
	// socket drop right after connect is still observed
	heads := make(chan *types.Header, 16)

	sub, err := evm.SubscribeNewHead(heads)
	if err != nil {
		c.closeProvider(evm)
		return err
	}

	c.mu.Lock()
	c.evm = evm
	c.state = StateConnected
	c.maxNotified = false
	c.healthStop = make(chan struct{})
	c.watchStop = make(chan struct{})
	healthStop := c.healthStop
	watchStop := c.watchStop
	c.mu.Unlock()

	go c.monitorHealth(healthStop)
	go c.watchClose(sub, heads, watchStop)

	c.emit(EventConnected, nil)

	return nil
}

// Disconnect tears the connection down. It always emits disconnected,
// even when the connection was never established.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.stopTimersLocked()
	evm := c.evm
	c.evm = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if evm != nil {
		c.closeProvider(evm)
	}

	c.emit(EventDisconnected, nil)
}

func (c *Connection) stopTimersLocked() {
	if c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}
	if c.watchStop != nil {
		close(c.watchStop)
		c.watchStop = nil
	}
	if c.wakeStop != nil {
		close(c.wakeStop)
		c.wakeStop = nil
	}
}

// closeProvider is best-effort, cleanup problems are logged and swallowed
func (c *Connection) closeProvider(evm relay.EVMRequester) {
	defer func() {
		if r := recover(); r != nil {
			log.Default().Println("error closing provider: ", r)
		}
	}()

	evm.Close()
}

// IsConnected reports whether a provider exists and its socket still answers
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	evm := c.evm
	state := c.state
	c.mu.Unlock()

	return state == StateConnected && evm != nil && evm.Connected()
}

// EVM returns the live provider, nil when disconnected
func (c *Connection) EVM() relay.EVMRequester {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evm
}

func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) monitorHealth(stop chan struct{}) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.IsConnected() {
				c.emit(EventHealthCheckFailed, relay.ErrNotConnected)
			}
		case <-stop:
			return
		}
	}
}

// watchClose waits for the socket to drop by watching the head
// subscription error channel
func (c *Connection) watchClose(sub ethereum.Subscription, heads chan *types.Header, stop chan struct{}) {
	defer sub.Unsubscribe()

	for {
		select {
		case <-heads:
			// drain, the relay only cares about the socket staying open
		case err := <-sub.Err():
			select {
			case <-stop:
				return
			default:
			}

			c.handleClose(err)
			return
		case <-stop:
			return
		}
	}
}

func (c *Connection) handleClose(err error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}

	c.stopTimersLocked()
	evm := c.evm
	c.evm = nil
	c.state = StateReconnecting
	c.wakeStop = make(chan struct{})
	stop := c.wakeStop
	c.mu.Unlock()

	if err != nil {
		c.emit(EventError, err)
	}

	if evm != nil {
		c.closeProvider(evm)
	}

	c.emit(EventDisconnected, err)

	go c.reconnect(stop)
}

// reconnect retries with exponential backoff until connected or
// maxReconnects consecutive failures
func (c *Connection) reconnect(stop chan struct{}) {
	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		delay := reconnectDelay(attempt, c.reconnectBase, c.reconnectMax)

		select {
		case <-time.After(delay):
		case <-stop:
			return
		}

		err := c.Connect(context.Background())
		if err == nil {
			return
		}

		log.Default().Println("reconnect attempt ", attempt, " failed: ", err)
		c.emit(EventError, err)
	}

	c.mu.Lock()
	c.state = StateFailed
	notified := c.maxNotified
	c.maxNotified = true
	c.mu.Unlock()

	if !notified {
		c.emit(EventMaxReconnectsReach, relay.ErrNotConnected)
	}
}

// reconnectDelay doubles from base per attempt, capped at max
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	if delay > max {
		return max
	}

	return delay
}
