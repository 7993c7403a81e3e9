package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/chainhook/relay/internal/storage"
	"github.com/chainhook/relay/pkg/relay"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	ChainName     string
	RPCURL        string `env:"RPC_URL,default=http://localhost:8545"`
	RPCWSURL      string `env:"RPC_WS_URL,default=ws://localhost:8545"`
	ChainID       int64  `env:"CHAIN_ID,default=1"`
	Confirmations uint64 `env:"CONFIRMATIONS,default=0"`
	APIKEY        string
	SentryURL     string `env:"SENTRY_URL"`
}

// relayFile is the on-disk shape of relay.json
type relayFile struct {
	Chain struct {
		Name string `json:"name"`
	} `json:"chain"`
	Relay struct {
		Key string `json:"key"`
	} `json:"relay"`
	Subscriptions []subscriptionFile `json:"subscriptions"`
	Webhooks      []webhookFile      `json:"webhooks"`
}

type subscriptionFile struct {
	ID              string         `json:"id"`
	ContractAddress []string       `json:"contract_address"`
	EventSignature  string         `json:"event_signature"`
	Filters         map[string]any `json:"filters"`
	Webhooks        []string       `json:"webhooks"`
}

type webhookFile struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Format        string            `json:"format"`
	Headers       map[string]string `json:"headers"`
	TimeoutMS     int64             `json:"timeout_ms"`
	RetryAttempts int               `json:"retry_attempts"`
	Secret        string            `json:"secret"`
}

func New(ctx context.Context, envpath, confpath string) (*Config, error) {
	if envpath != "" {
		log.Default().Println("loading env from file: ", envpath)
		err := godotenv.Load(envpath)
		if err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	err := envconfig.Process(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rf, err := readRelayFile(confpath)
	if err != nil {
		return nil, err
	}

	cfg.ChainName = rf.Chain.Name
	cfg.APIKEY = rf.Relay.Key

	return cfg, nil
}

// Subscriptions loads the configured event subscriptions from relay.json
func Subscriptions(confpath string) ([]*relay.EventSubscription, error) {
	rf, err := readRelayFile(confpath)
	if err != nil {
		return nil, err
	}

	subs := []*relay.EventSubscription{}
	for _, s := range rf.Subscriptions {
		subs = append(subs, &relay.EventSubscription{
			ID:              s.ID,
			ContractAddress: s.ContractAddress,
			EventSignature:  s.EventSignature,
			Filters:         s.Filters,
			Webhooks:        s.Webhooks,
		})
	}

	return subs, nil
}

// Webhooks loads the configured webhook endpoints from relay.json
func Webhooks(confpath string) ([]*relay.WebhookConfig, error) {
	rf, err := readRelayFile(confpath)
	if err != nil {
		return nil, err
	}

	whs := []*relay.WebhookConfig{}
	for _, w := range rf.Webhooks {
		timeout := time.Duration(w.TimeoutMS) * time.Millisecond
		if w.TimeoutMS == 0 {
			timeout = 30 * time.Second
		}

		retries := w.RetryAttempts
		if retries == 0 {
			retries = 3
		}

		cfg := &relay.WebhookConfig{
			ID:            w.ID,
			URL:           w.URL,
			Format:        relay.Format(w.Format),
			Headers:       w.Headers,
			Timeout:       timeout,
			RetryAttempts: retries,
			Secret:        w.Secret,
		}

		err := cfg.Validate()
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", w.ID, err)
		}

		whs = append(whs, cfg)
	}

	return whs, nil
}

func readRelayFile(confpath string) (*relayFile, error) {
	path := fmt.Sprintf("%s/relay.json", confpath)

	exists := storage.Exists(path)
	if !exists {
		return nil, fmt.Errorf("relay.json not found")
	}

	b, err := storage.Read(path)
	if err != nil {
		return nil, err
	}

	rf := &relayFile{}
	err = json.Unmarshal(b, rf)
	if err != nil {
		return nil, err
	}

	return rf, nil
}
