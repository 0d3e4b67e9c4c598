package brokerpool

import (
	"fmt"
	"sort"
	"sync"

	"trade-executor/pkg/brokers/alpaca"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/brokers/kraken"
	"trade-executor/pkg/brokers/matchtrader"
	"trade-executor/pkg/brokers/mock"
	"trade-executor/pkg/brokers/tradovate"
	"trade-executor/pkg/config"
)

// Factory builds an unconnected broker from credentials.
type Factory func(creds common.Credentials) (common.Broker, error)

type registration struct {
	factory   Factory
	needCreds bool
}

// Registry maps broker ids to factories.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register adds or replaces a factory. needCreds=false lets the pool build the
// broker when the vault has nothing for it.
func (r *Registry) Register(brokerID string, needCreds bool, f Factory) {
	r.mu.Lock()
	r.entries[brokerID] = registration{factory: f, needCreds: needCreds}
	r.mu.Unlock()
}

func (r *Registry) lookup(brokerID string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[brokerID]
	return reg, ok
}

// Has reports whether brokerID is known.
func (r *Registry) Has(brokerID string) bool {
	_, ok := r.lookup(brokerID)
	return ok
}

// IDs returns registered broker ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RegistryFromConfig registers one factory per configured broker instance.
func RegistryFromConfig(file *config.BrokersFile) (*Registry, error) {
	r := NewRegistry()
	for _, bc := range file.Brokers {
		f, needCreds, err := factoryFor(bc)
		if err != nil {
			return nil, err
		}
		r.Register(bc.ID, needCreds, f)
	}
	return r, nil
}

func factoryFor(bc config.BrokerConfig) (Factory, bool, error) {
	switch bc.Type {
	case config.TypeAlpaca:
		cfg := alpaca.Config{ID: bc.ID, Paper: bc.Paper, BaseURL: bc.BaseURL, DataURL: bc.DataURL, Timeout: bc.Timeout, RPS: bc.RPS}
		return func(c common.Credentials) (common.Broker, error) { return alpaca.New(cfg, c), nil }, true, nil

	case config.TypeTradovate:
		cfg := tradovate.Config{ID: bc.ID, Demo: bc.Paper, BaseURL: bc.BaseURL, MDURL: bc.MDURL, Timeout: bc.Timeout, RPS: bc.RPS}
		return func(c common.Credentials) (common.Broker, error) { return tradovate.New(cfg, c), nil }, true, nil

	case config.TypeMatchTrader:
		cfg := matchtrader.Config{
			ID:           bc.ID,
			BaseURL:      bc.BaseURL,
			BrokerID:     bc.PlatformBrokerID,
			SymbolSuffix: bc.SymbolSuffix,
			Timeout:      bc.Timeout,
			RPS:          bc.RPS,
		}
		return func(c common.Credentials) (common.Broker, error) { return matchtrader.New(cfg, c), nil }, true, nil

	case config.TypeKraken:
		cfg := kraken.Config{ID: bc.ID, BaseURL: bc.BaseURL, Valuation: bc.Valuation, QuoteTTL: bc.QuoteTTL, Timeout: bc.Timeout, RPS: bc.RPS}
		return func(c common.Credentials) (common.Broker, error) { return kraken.New(cfg, c), nil }, true, nil

	case config.TypeMock:
		cfg := mock.Config{
			ID:             bc.ID,
			InitialBalance: bc.Mock.InitialBalance,
			Seed:           bc.Mock.Seed,
			Volatility:     bc.Mock.Volatility,
			Prices:         bc.Mock.Prices,
			FailConnect:    bc.Mock.FailConnect,
			FailPlaceOrder: bc.Mock.FailPlaceOrder,
		}
		return func(common.Credentials) (common.Broker, error) { return mock.New(cfg), nil }, false, nil

	default:
		return nil, false, fmt.Errorf("unsupported broker type: %s", bc.Type)
	}
}
