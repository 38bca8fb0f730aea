/*
main.go - ledgerd entry point

PURPOSE:
  Command-line entry for the stock ledger. One binary serves the admin API,
  runs ad-hoc conflict scans, prints balances and applies migrations.

COMMANDS:
  serve     HTTP API, conflict scheduler, order listener, snapshot loop
  scan      One conflict scan, printed as a table
  stock     Current balance for one product
  migrate   Create or upgrade the store schema

CONFIGURATION:
  Environment variables (or ./config.env), see config/config.go:
  STORE_DRIVER, SQLITE_PATH, DATABASE_URL, REDIS_ADDR, KAFKA_BROKERS, ...

EXAMPLES:
  # Local dev on SQLite with demo scenarios
  APP_ENV=development ledgerd serve

  # Postgres with Redis balance cache
  STORE_DRIVER=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ledgerd serve

  # Which balances are negative at S1?
  ledgerd scan --location S1

SEE ALSO:
  - commands.go: Command definitions
  - backend.go: Store and cache selection
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
