package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"trade-executor/internal/sizing"
)

// Broker venue types understood by the pool registry.
const (
	TypeAlpaca      = "alpaca"
	TypeTradovate   = "tradovate"
	TypeMatchTrader = "matchtrader"
	TypeKraken      = "kraken"
	TypeMock        = "mock"
)

// BrokersFile is the YAML document listing broker instances and sizing precision.
type BrokersFile struct {
	Brokers []BrokerConfig `yaml:"brokers" validate:"dive"`
	Sizing  struct {
		Precision *sizing.PrecisionTable `yaml:"precision"`
	} `yaml:"sizing"`
}

// BrokerConfig is one broker instance. Several instances may share a type,
// e.g. two matchtrader venues with different base URLs.
type BrokerConfig struct {
	ID      string        `yaml:"id" validate:"required"`
	Type    string        `yaml:"type" validate:"required,oneof=alpaca tradovate matchtrader kraken mock"`
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout" default:"15s"`
	RPS     float64       `yaml:"rps" validate:"gte=0"`

	// Paper selects alpaca paper trading or the tradovate demo environment.
	Paper   bool   `yaml:"paper"`
	DataURL string `yaml:"data_url" validate:"omitempty,url"`
	MDURL   string `yaml:"md_url"`

	// matchtrader
	PlatformBrokerID string `yaml:"platform_broker_id"`
	SymbolSuffix     string `yaml:"symbol_suffix"`

	// kraken
	Valuation string        `yaml:"valuation" default:"USD"`
	QuoteTTL  time.Duration `yaml:"quote_ttl" default:"5s"`

	Mock MockConfig `yaml:"mock"`
}

type MockConfig struct {
	InitialBalance float64            `yaml:"initial_balance" default:"10000"`
	Seed           int64              `yaml:"seed" default:"1"`
	Volatility     float64            `yaml:"volatility" default:"0.001"`
	Prices         map[string]float64 `yaml:"prices"`
	FailConnect    bool               `yaml:"fail_connect"`
	FailPlaceOrder bool               `yaml:"fail_place_order"`
}

// Precision returns the configured table or the built-in one.
func (f *BrokersFile) Precision() sizing.PrecisionTable {
	if f.Sizing.Precision == nil {
		return sizing.DefaultPrecision()
	}
	return *f.Sizing.Precision
}

// LoadBrokers reads, defaults and validates the broker file. A missing file
// yields a single mock broker so a fresh checkout runs.
func LoadBrokers(path string) (*BrokersFile, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ParseBrokers([]byte("brokers:\n  - id: mock\n    type: mock\n"))
	}
	if err != nil {
		return nil, fmt.Errorf("read broker config: %w", err)
	}
	return ParseBrokers(b)
}

// ParseBrokers is LoadBrokers without the file.
func ParseBrokers(b []byte) (*BrokersFile, error) {
	var f BrokersFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse broker config: %w", err)
	}
	for i := range f.Brokers {
		if err := defaults.Set(&f.Brokers[i]); err != nil {
			return nil, fmt.Errorf("apply defaults to broker %d: %w", i, err)
		}
	}
	if f.Sizing.Precision != nil {
		if err := defaults.Set(f.Sizing.Precision); err != nil {
			return nil, fmt.Errorf("apply precision defaults: %w", err)
		}
	}

	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("validate broker config: %w", err)
	}
	seen := make(map[string]bool, len(f.Brokers))
	for _, bc := range f.Brokers {
		if seen[bc.ID] {
			return nil, fmt.Errorf("validate broker config: duplicate broker id %q", bc.ID)
		}
		seen[bc.ID] = true
		if bc.Type == TypeMatchTrader && bc.BaseURL == "" {
			return nil, fmt.Errorf("validate broker config: %s: matchtrader requires base_url", bc.ID)
		}
	}
	return &f, nil
}
