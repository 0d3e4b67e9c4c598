package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"trade-executor/internal/brokerpool"
	"trade-executor/internal/vault"
	"trade-executor/pkg/brokers/common"
	"trade-executor/pkg/config"
	"trade-executor/pkg/crypto"
	"trade-executor/pkg/db"
)

// broker_check/main.go
//
// Connectivity check for every broker in BROKERS_FILE, using the credentials
// stored in the executor database for CHECK_USER_ID (empty = system level).
//
//   go run ./scripts/broker_check
//
// Environment:
//   CHECK_USER_ID        (default "")
//   CHECK_SYMBOL         (default "BTC/USD")
//   CHECK_PLACE_ORDERS   (default "false") sends a tiny market order and closes it
//   CHECK_ORDER_QTY      (default "0.0001")

func main() {
	log.Println("=== Broker check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	userID := getenv("CHECK_USER_ID", "")
	symbol := getenv("CHECK_SYMBOL", "BTC/USD")
	placeOrders := getenv("CHECK_PLACE_ORDERS", "false") == "true"
	qty, _ := strconv.ParseFloat(getenv("CHECK_ORDER_QTY", "0.0001"), 64)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	defer database.Close()

	keys, err := crypto.NewKeyManager(cfg.MasterKeyEnv)
	if err != nil {
		log.Fatalf("key manager error: %v", err)
	}
	brokersFile, err := config.LoadBrokers(cfg.BrokersFile)
	if err != nil {
		log.Fatalf("brokers file error: %v", err)
	}
	registry, err := brokerpool.RegistryFromConfig(brokersFile)
	if err != nil {
		log.Fatalf("registry error: %v", err)
	}

	nop := zerolog.Nop()
	pool := brokerpool.New(registry, vault.New(database.Queries(), keys, nop), brokerpool.DefaultConfig(), nop)
	defer pool.Stop()

	for _, id := range registry.IDs() {
		checkBroker(pool, id, userID, symbol, placeOrders, qty)
	}
	log.Println("=== Broker check finished ===")
}

func checkBroker(pool *brokerpool.Pool, brokerID, userID, symbol string, placeOrders bool, qty float64) {
	log.Printf("---- [%s] ----", brokerID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lease, err := pool.Acquire(ctx, brokerID, userID)
	if err != nil {
		log.Printf("[%s] connect error: %v", brokerID, err)
		return
	}
	var callErr error
	defer func() { lease.Release(callErr) }()
	b := lease.Broker()

	info, err := b.GetAccountInfo(ctx)
	if err != nil {
		callErr = err
		log.Printf("[%s] GetAccountInfo error: %v", brokerID, err)
		return
	}
	log.Printf("[%s] account=%s equity=%.2f %s buying_power=%.2f", brokerID, info.AccountID, info.Equity, info.Currency, info.BuyingPower)

	positions, err := b.GetPositions(ctx)
	if err != nil {
		log.Printf("[%s] GetPositions error: %v", brokerID, err)
	} else {
		log.Printf("[%s] open positions=%d", brokerID, len(positions))
	}

	quote, err := b.GetQuote(ctx, symbol)
	if err != nil {
		log.Printf("[%s] GetQuote(%s) error: %v", brokerID, symbol, err)
	} else {
		log.Printf("[%s] %s bid=%g ask=%g", brokerID, symbol, quote.Bid, quote.Ask)
	}

	if !placeOrders {
		log.Printf("[%s] Skip placing orders (CHECK_PLACE_ORDERS=false)", brokerID)
		return
	}

	resp, err := b.PlaceOrder(ctx, common.OrderRequest{
		Symbol:   symbol,
		Side:     common.SideBuy,
		Quantity: qty,
		Type:     common.OrderTypeMarket,
	})
	if err != nil {
		log.Printf("[%s] PlaceOrder error: %v", brokerID, err)
		return
	}
	log.Printf("[%s] order %s status=%s filled=%g", brokerID, resp.OrderID, resp.Status, resp.FilledQuantity)

	if _, err := b.ClosePosition(ctx, symbol); err != nil {
		log.Printf("[%s] ClosePosition error: %v", brokerID, err)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
