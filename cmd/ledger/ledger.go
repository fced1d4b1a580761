package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/elnosh/confirmations/ledger"
	"github.com/joho/godotenv"
)

const defaultPort = 3339

func getConfig() ledger.Config {
	config := ledger.Config{
		Port:         defaultPort,
		LedgerPath:   os.Getenv("LEDGER_PATH"),
		Mnemonic:     os.Getenv("LEDGER_MNEMONIC"),
		MaxBatchSize: ledger.DefaultMaxBatchSize,
		LogLevel:     ledger.Info,
	}

	if portStr, ok := os.LookupEnv("LEDGER_PORT"); ok {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Fatalf("invalid LEDGER_PORT: %v", err)
		}
		config.Port = port
	}

	if batchStr, ok := os.LookupEnv("LEDGER_MAX_BATCH_SIZE"); ok {
		maxBatchSize, err := strconv.Atoi(batchStr)
		if err != nil || maxBatchSize <= 0 {
			log.Fatalf("invalid LEDGER_MAX_BATCH_SIZE '%v'", batchStr)
		}
		config.MaxBatchSize = maxBatchSize
	}

	switch os.Getenv("LEDGER_LOG_LEVEL") {
	case "debug":
		config.LogLevel = ledger.Debug
	case "disable":
		config.LogLevel = ledger.Disable
	}

	return config
}

func main() {
	// .env is optional, the environment may be set directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Fatalf("error loading .env file: %v", err)
	}

	ledgerServer, err := ledger.SetupLedgerServer(getConfig())
	if err != nil {
		log.Fatalf("error setting up ledger server: %v", err)
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		if err := ledgerServer.Shutdown(); err != nil {
			log.Printf("error shutting down ledger server: %v", err)
		}
	}()

	if err := ledgerServer.Start(); err != nil {
		log.Fatalf("error starting ledger server: %v", err)
	}
}
