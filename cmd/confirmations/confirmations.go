package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/elnosh/confirmations/confirmations"
	"github.com/elnosh/confirmations/confirmations/client"
	"github.com/elnosh/confirmations/confirmations/storage"
	"github.com/elnosh/confirmations/confirmations/storage/sqlite"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var service *confirmations.Confirmations

type cliConfig struct {
	path      string
	db        string
	ledgerURL string
	timeout   time.Duration
	logLevel  slog.Level

	confirmationPublicKey string
	paymentPublicKey      string
}

func loadConfig() cliConfig {
	path := os.Getenv("CONFIRMATIONS_PATH")
	if path == "" {
		homedir, err := os.UserHomeDir()
		if err != nil {
			log.Fatal(err)
		}
		path = filepath.Join(homedir, ".confirmations", "client")
	}
	if err := os.MkdirAll(path, 0700); err != nil {
		log.Fatal(err)
	}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		// values already in the environment win
		godotenv.Load(envPath)
	}

	config := cliConfig{
		path:      path,
		db:        os.Getenv("CONFIRMATIONS_DB"),
		ledgerURL: os.Getenv("LEDGER_URL"),
		timeout:   30 * time.Second,
		logLevel:  slog.LevelWarn,

		confirmationPublicKey: os.Getenv("LEDGER_CONFIRMATION_PUBLIC_KEY"),
		paymentPublicKey:      os.Getenv("LEDGER_PAYMENT_PUBLIC_KEY"),
	}
	if config.ledgerURL == "" {
		config.ledgerURL = "http://127.0.0.1:3339"
	}
	if timeoutStr := os.Getenv("LEDGER_TIMEOUT_SECONDS"); timeoutStr != "" {
		seconds, err := strconv.Atoi(timeoutStr)
		if err != nil {
			log.Fatalf("invalid LEDGER_TIMEOUT_SECONDS '%v'", timeoutStr)
		}
		config.timeout = time.Duration(seconds) * time.Second
	}
	if debug, _ := strconv.ParseBool(os.Getenv("CONFIRMATIONS_DEBUG")); debug {
		config.logLevel = slog.LevelDebug
	}
	return config
}

func openStore(config cliConfig) (storage.StateStore, error) {
	switch config.db {
	case "", "bolt":
		return storage.InitBolt(config.path)
	case "sqlite":
		return sqlite.InitSQLite(config.path)
	default:
		return nil, fmt.Errorf("unknown CONFIRMATIONS_DB '%v'", config.db)
	}
}

func setupConfirmations(ctx *cli.Context) error {
	config := loadConfig()

	store, err := openStore(config)
	if err != nil {
		printErr(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.logLevel}))
	httpClient := client.NewHTTPClient(config.timeout, logger)

	confirmationsConfig := confirmations.Config{
		LedgerURL:             config.ledgerURL,
		ConfirmationPublicKey: config.confirmationPublicKey,
		PaymentPublicKey:      config.paymentPublicKey,
	}
	service = confirmations.NewConfirmations(confirmationsConfig, store, httpClient, logger)
	if err := service.Initialize(); err != nil {
		printErr(err)
	}
	return nil
}

func closeConfirmations(ctx *cli.Context) error {
	if service != nil {
		return service.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "confirmations",
		Usage: "redeem anonymous ad confirmations",
		Commands: []*cli.Command{
			tokensCmd,
			refillCmd,
			confirmCmd,
			retryCmd,
			failedCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var tokensCmd = &cli.Command{
	Name:    "tokens",
	Aliases: []string{"balance"},
	Usage:   "Show unblinded token counts",
	Before:  setupConfirmations,
	After:   closeConfirmations,
	Action:  tokens,
}

func tokens(ctx *cli.Context) error {
	fmt.Printf("confirmation tokens: %v\n", service.UnblindedTokens().Count())
	fmt.Printf("payment tokens: %v\n", service.UnblindedPaymentTokens().Count())
	return nil
}

const creativeInstanceFlag = "creative-instance"

var refillCmd = &cli.Command{
	Name:   "refill",
	Usage:  "Request a new batch of confirmation tokens",
	Before: setupConfirmations,
	After:  closeConfirmations,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     creativeInstanceFlag,
			Usage:    "Creative instance id the batch is requested for",
			Required: true,
		},
	},
	Action: refill,
}

func refill(ctx *cli.Context) error {
	if err := service.RefillTokens(ctx.Context, ctx.String(creativeInstanceFlag)); err != nil {
		printErr(err)
	}
	fmt.Printf("confirmation tokens: %v\n", service.UnblindedTokens().Count())
	return nil
}

var confirmCmd = &cli.Command{
	Name:      "confirm",
	Usage:     "Confirm an ad event",
	ArgsUsage: "[creative instance id] [type]",
	Before:    setupConfirmations,
	After:     closeConfirmations,
	Action:    confirm,
}

func confirm(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 2 {
		printErr(errors.New("specify a creative instance id and a confirmation type"))
	}

	confirmationType, err := confirmations.ParseConfirmationType(args.Get(1))
	if err != nil {
		printErr(err)
	}

	confirmation, err := service.ConfirmAd(ctx.Context, args.First(), confirmationType)
	if err != nil {
		var redeemErr *confirmations.RedeemError
		if errors.As(err, &redeemErr) && redeemErr.ShouldRetry {
			fmt.Printf("confirmation %v failed and will be retried: %v\n", confirmation.Id, err)
			return nil
		}
		printErr(err)
	}

	fmt.Printf("confirmation %v redeemed\n", confirmation.Id)
	return nil
}

var retryCmd = &cli.Command{
	Name:   "retry",
	Usage:  "Resubmit failed confirmations that are due",
	Before: setupConfirmations,
	After:  closeConfirmations,
	Action: retry,
}

func retry(ctx *cli.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx.Context, 5*time.Minute)
	defer cancel()

	retried, err := service.RetryFailedConfirmations(timeoutCtx)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("retried %v confirmations, %v still pending\n", retried, len(service.FailedConfirmations()))
	return nil
}

var failedCmd = &cli.Command{
	Name:   "failed",
	Usage:  "List confirmations waiting to be retried",
	Before: setupConfirmations,
	After:  closeConfirmations,
	Action: failed,
}

func failed(ctx *cli.Context) error {
	pending := service.FailedConfirmations()
	if len(pending) == 0 {
		fmt.Println("no failed confirmations")
		return nil
	}

	for _, confirmation := range pending {
		fmt.Printf("%v\t%v\t%v\n", confirmation.Id, confirmation.Type, confirmation.CreativeInstanceId)
	}
	if next, ok := service.NextRetry(); ok {
		fmt.Printf("next retry at %v\n", next.Format(time.RFC3339))
	}
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
