package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/platinummonkey/fleetwise/pkg/cli"
	"github.com/platinummonkey/fleetwise/pkg/config"
	"github.com/platinummonkey/fleetwise/pkg/database"
	"github.com/platinummonkey/fleetwise/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	env := &cli.Env{
		Out:        os.Stdout,
		Logger:     observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stderr),
		BcryptCost: cfg.Auth.BcryptCost,
		Connect: func(ctx context.Context) (*sql.DB, error) {
			return database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxOpenConns: 2})
		},
	}

	err = cli.NewRootCommand().Execute(ctx, env, os.Args[1:])
	_ = env.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
