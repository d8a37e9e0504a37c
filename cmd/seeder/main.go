package main

import (
	"context"
	"flag"
	"os"

	"github.com/arhyth/acctapi"
	"github.com/rs/zerolog"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfp := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()
	cfg, err := acctapi.LoadConfig(*cfp)
	if err != nil {
		logger.Fatal().Err(err).Msg("error loading config file")
	}

	ctx := context.Background()
	lh, err := acctapi.NewLocalHelper(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting local helper")
	}
	defer lh.Close(ctx)

	if _, err = lh.InitDB(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error initializing database")
	}
	if err = lh.SeedDemoData(ctx); err != nil {
		logger.Fatal().Err(err).Msg("error seeding demo data")
	}
	logger.Info().
		Int("users", len(cfg.Seed.Users)).
		Int("accounts", len(cfg.Seed.Accounts)).
		Msg("database ready")
}
