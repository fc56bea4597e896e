package crossd

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/meridianfi/crossd/pkg/chain"
)

var HomeDir string

func init() {
	var err error
	HomeDir, err = os.UserHomeDir()
	if err != nil {
		log.Fatal("failed to get $HOME value")
	}
}

func DefaultCrossdDirectory() string {
	return filepath.Join(HomeDir, ".crossd")
}

func DefaultConfigPath() string {
	return filepath.Join(HomeDir, ".crossd", "config.json")
}

func DefaultStorePath() string {
	return filepath.Join(HomeDir, ".crossd", "data.db")
}

// ChainConfig describes one chain the daemon can run a swap leg on.
type ChainConfig struct {
	Chain string `json:"chain"`

	// EVM fields.
	URL         string `json:"url,omitempty"`
	ChainID     int64  `json:"chainId,omitempty"`
	SwapAddress string `json:"swapAddress,omitempty"`

	// Bitcoin fields. Indexer is an electrs endpoint, Mempool the fee
	// estimate source.
	Indexer string `json:"indexer,omitempty"`
	Mempool string `json:"mempool,omitempty"`

	Confirmations uint64 `json:"confirmations"`
}

type Config struct {
	// Key is the hex encoded private key used on every chain.
	Key    string        `json:"key"`
	Chains []ChainConfig `json:"chains"`

	// DB is the sqlite path, defaults to ~/.crossd/data.db.
	DB string `json:"db,omitempty"`

	// Redis makes seen-event dedup survive restarts. Optional, the daemon
	// falls back to in-memory dedup backed by ledger idempotence.
	Redis string `json:"redis,omitempty"`

	Sentry string `json:"sentry,omitempty"`

	RPCListen   string `json:"rpcListen,omitempty"`
	RpcUserName string `json:"rpcUserName"`
	RpcPassword string `json:"rpcPassword"`

	// InitiatorWindow and TimelockMargin are Go duration strings. The
	// margin has no default, it must be chosen for the chains involved.
	InitiatorWindow string `json:"initiatorWindow"`
	TimelockMargin  string `json:"timelockMargin"`

	RetryBase   string `json:"retryBase,omitempty"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`

	DiscordToken   string `json:"discordToken,omitempty"`
	DiscordChannel string `json:"discordChannel,omitempty"`
}

func LoadConfig(path string) (Config, error) {
	config := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, err
	}
	return config, nil
}

func (c Config) validate() error {
	if c.Key == "" {
		return fmt.Errorf("missing key")
	}
	if len(c.Chains) < 2 {
		return fmt.Errorf("need at least two chains, got %v", len(c.Chains))
	}
	for _, cc := range c.Chains {
		name := chain.Chain(cc.Chain)
		switch {
		case name.IsEVM():
			if cc.URL == "" || cc.SwapAddress == "" || cc.ChainID == 0 {
				return fmt.Errorf("chain %v: url, chainId and swapAddress are required", cc.Chain)
			}
		case name.IsBTC():
			if cc.Indexer == "" {
				return fmt.Errorf("chain %v: indexer is required", cc.Chain)
			}
		default:
			return fmt.Errorf("unknown chain: %v", cc.Chain)
		}
	}
	if c.TimelockMargin == "" {
		return fmt.Errorf("missing timelockMargin")
	}
	if c.InitiatorWindow == "" {
		return fmt.Errorf("missing initiatorWindow")
	}
	return nil
}

func (c Config) durations() (window, margin, retryBase time.Duration, err error) {
	window, err = time.ParseDuration(c.InitiatorWindow)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid initiatorWindow: %w", err)
	}
	margin, err = time.ParseDuration(c.TimelockMargin)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid timelockMargin: %w", err)
	}
	if c.RetryBase != "" {
		retryBase, err = time.ParseDuration(c.RetryBase)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid retryBase: %w", err)
		}
	}
	return window, margin, retryBase, nil
}
