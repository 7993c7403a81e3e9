package listen

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/chainhook/relay/pkg/relay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

func newTestListener(evm *fakeEVM) (*Listener, *Connection) {
	c := NewConnection(relay.NetworkConfig{WSURL: "ws://localhost:8545"})
	c.dial = func(ctx context.Context, wsurl string) (relay.EVMRequester, error) {
		return evm, nil
	}

	return NewListener(c), c
}

func transferSub() relay.EventSubscription {
	return relay.EventSubscription{
		ID:              "sub-1",
		ContractAddress: []string{"0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		EventSignature:  "Transfer(address indexed from, address indexed to, uint256 value)",
		Webhooks:        []string{"wh-1"},
	}
}

func TestListenerNormalizesLogs(t *testing.T) {
	evm := newFakeEVM()
	l, _ := newTestListener(evm)

	if err := l.AddSubscription(transferSub()); err != nil {
		t.Fatal(err)
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if !l.IsListening() {
		t.Error("listener should be live after start")
	}

	from := common.HexToAddress("0xABCDEF0123456789abcdef0123456789ABCDEF01")
	to := common.HexToAddress("0x1111111111111111111111111111111111111111")
	value, _ := new(big.Int).SetString("1000000000000000000000", 10)

	evm.emitLog(types.Log{
		Address:     common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		BlockNumber: 18000000,
		TxHash:      common.HexToHash("0xdead"),
		Index:       3,
		Topics: []common.Hash{
			crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")),
			common.BytesToHash(common.LeftPadBytes(from.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(to.Bytes(), 32)),
		},
		Data: common.LeftPadBytes(value.Bytes(), 32),
	})

	select {
	case ev := <-l.Events():
		if ev.SubscriptionID != "sub-1" {
			t.Errorf("subscription id = %s", ev.SubscriptionID)
		}
		if ev.Event.EventName != "Transfer" {
			t.Errorf("event name = %s", ev.Event.EventName)
		}
		if ev.Event.ContractAddress != "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48" {
			t.Errorf("contract address = %s, want lowercase", ev.Event.ContractAddress)
		}
		if ev.Event.BlockNumber != 18000000 || ev.Event.LogIndex != 3 {
			t.Errorf("block/log = %d/%d", ev.Event.BlockNumber, ev.Event.LogIndex)
		}
		if ev.Event.Args["from"] != "0xabcdef0123456789abcdef0123456789abcdef01" {
			t.Errorf("from = %v", ev.Event.Args["from"])
		}
		if ev.Event.Args["value"] != "1000000000000000000000" {
			t.Errorf("value = %v", ev.Event.Args["value"])
		}
		if !ev.Event.Timestamp.Equal(time.Unix(1700000000, 0).UTC()) {
			t.Errorf("timestamp = %v", ev.Event.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestListenerRejectsMalformedSignature(t *testing.T) {
	l, _ := newTestListener(newFakeEVM())

	sub := transferSub()
	sub.EventSignature = "Transfer(notatype x)"

	if err := l.AddSubscription(sub); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("err = %v, want ErrMalformedSignature", err)
	}
}

func TestListenerRemoveUnknownIsNoOp(t *testing.T) {
	l, _ := newTestListener(newFakeEVM())

	// must not panic or block
	l.RemoveSubscription("nope")
}

func TestListenerStartIdempotent(t *testing.T) {
	l, _ := newTestListener(newFakeEVM())

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer l.Stop()

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestListenerStartStopChurn(t *testing.T) {
	evm := newFakeEVM()
	l, _ := newTestListener(evm)

	for i := 0; i < 20; i++ {
		sub := transferSub()
		sub.ID = fmt.Sprintf("sub-%d", i)
		if err := l.AddSubscription(sub); err != nil {
			t.Fatal(err)
		}
	}

	// Start attaches every subscription while the connection watcher
	// reacts to the connected event with its own attach sweep, and Stop
	// detaches while consumers are still draining. Churning through
	// that must never tear down a subscription out from under its
	// consumer.
	for i := 0; i < 20; i++ {
		if err := l.Start(context.Background()); err != nil {
			t.Fatal(err)
		}

		l.Stop()
	}
}

func TestListenerStopRetainsDefinitions(t *testing.T) {
	evm := newFakeEVM()
	l, _ := newTestListener(evm)

	if err := l.AddSubscription(transferSub()); err != nil {
		t.Fatal(err)
	}

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	l.Stop()

	if l.IsListening() {
		t.Error("listener should not be live after stop")
	}

	l.mu.Lock()
	_, ok := l.subs["sub-1"]
	l.mu.Unlock()

	if !ok {
		t.Error("definitions should survive stop")
	}
}
