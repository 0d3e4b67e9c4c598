// Command verify_schema checks that an executor database has the expected
// tables and columns. Usage: verify_schema [path]
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

var expected = map[string][]string{
	"execution_logs":      {"user_id", "signal_id", "broker_id", "status", "order_id", "quantity", "latency_ms"},
	"user_trade_settings": {"auto_trade_enabled", "risk_percentage", "max_position_size", "enabled_brokers"},
	"broker_credentials":  {"broker_id", "user_id", "secrets_encrypted"},
}

func main() {
	dbPath := "./data/executor.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"execution_logs", "user_trade_settings", "broker_credentials"} {
		var sqlSchema string
		err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&sqlSchema)
		if err != nil {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s table exists\n", table)
		for _, col := range expected[table] {
			if !strings.Contains(sqlSchema, col) {
				fmt.Printf("  ❌ %s.%s column MISSING\n", table, col)
				missing++
			}
		}
	}
	if missing > 0 {
		os.Exit(1)
	}
}
