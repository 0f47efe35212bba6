// Package config loads the monitor-wide and per-chain TOML configuration
// via github.com/naoina/toml, the same loader cmd/ranger/config.go uses.
// Field names are taken verbatim from TOML keys
// (tomlSettings.NormFieldName/FieldToKey as identity functions), and an
// unrecognized key is a hard error rather than silently ignored.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see %s#%s", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("config: field %q is not defined in %s%s", field, rt.String(), link)
	},
}

// ChainEntry is one `[chains.<name>]` table in the chain catalog.
type ChainEntry struct {
	RPCURL             string
	BlockTime          int // seconds
	ConfirmationBlocks int
	UsdtContract       string
	UsdcContract       string
}

// Monitor is the `[monitor]` table.
type Monitor struct {
	RequiredConfirmations     int
	ConfirmationCheckInterval int // seconds
	CacheTTL                  int // milliseconds
	TransactionTimeout        int // seconds
	MaxRPCPerSecond           float64
	MaxRPCPerDay              int64
	Strategy                  string // "large_amount" | "watch_address"
	Thresholds                map[string]string
	StatsLogInterval          int // seconds
}

// RabbitMQWalletUpdates is the `[rabbitmq.wallet_updates]` table.
type RabbitMQWalletUpdates struct {
	ExchangeName string
}

// RabbitMQ is the `[rabbitmq]` table.
type RabbitMQ struct {
	Host          string
	Port          int
	User          string
	Pass          string
	WalletUpdates RabbitMQWalletUpdates
}

// Notification is the `[notification]` table.
type Notification struct {
	URL        string
	Timeout    int // seconds
	RetryTimes int
	RetryDelay int // seconds
	NumWorkers int
	QueueSize  int
}

// Database is the `[database]` table.
type Database struct {
	Dialect string
	DSN     string
}

// Config is the full monitor-wide configuration document.
type Config struct {
	ActiveChain  string
	Chains       map[string]ChainEntry
	Monitor      Monitor
	RabbitMQ     RabbitMQ
	Notification Notification
	Database     Database
}

// Load reads and decodes file, returning a config.ErrInvalid-wrapped error
// on a missing or malformed file, matching the loadConfig pattern in
// cmd/ranger/config.go.
func Load(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", file, ErrInvalid)
	}
	defer f.Close()

	var cfg Config
	if err := tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg); err != nil {
		var lineErr *toml.LineError
		if errors.As(err, &lineErr) {
			return nil, fmt.Errorf("config: %s: %v: %w", file, lineErr, ErrInvalid)
		}
		return nil, fmt.Errorf("config: decode %s: %v: %w", file, err, ErrInvalid)
	}
	return &cfg, nil
}

// ErrInvalid signals a configuration file that does not exist or does not
// parse, surfaced as the CLI's ConfigError exit path.
var ErrInvalid = errors.New("config: invalid configuration file")

// ChainFor returns the named chain's catalog entry, erroring if absent.
func (c *Config) ChainFor(name string) (ChainEntry, error) {
	entry, ok := c.Chains[name]
	if !ok {
		return ChainEntry{}, fmt.Errorf("config: chain %q not found in catalog: %w", name, ErrInvalid)
	}
	return entry, nil
}

func (e ChainEntry) BlockTimeDuration() time.Duration {
	return time.Duration(e.BlockTime) * time.Second
}

func (m Monitor) CacheTTLDuration() time.Duration {
	return time.Duration(m.CacheTTL) * time.Millisecond
}

func (m Monitor) ConfirmationCheckIntervalDuration() time.Duration {
	return time.Duration(m.ConfirmationCheckInterval) * time.Second
}

func (m Monitor) TransactionTimeoutDuration() time.Duration {
	return time.Duration(m.TransactionTimeout) * time.Second
}

func (m Monitor) StatsLogIntervalDuration() time.Duration {
	return time.Duration(m.StatsLogInterval) * time.Second
}

func (n Notification) TimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

func (n Notification) RetryDelayDuration() time.Duration {
	return time.Duration(n.RetryDelay) * time.Second
}
