package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arhyth/acctapi"
	"github.com/bwmarrin/snowflake"
	"golang.org/x/sync/errgroup"

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
	lvl, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Fatal().Err(err).Str("level", cfg.Log.Level).Msg("error parsing log level")
	}
	zerolog.SetGlobalLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgendpt, err := acctapi.NewPostgresEndpoint(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("error starting database")
	}
	defer pgendpt.Close()

	node, err := snowflake.NewNode(cfg.Server.NodeID)
	if err != nil {
		logger.Fatal().Err(err).Int64("node_id", cfg.Server.NodeID).Msg("error creating request ID node")
	}

	svc := acctapi.Chain(
		acctapi.NewService(pgendpt, &logger),
		acctapi.NewLoggingMiddleware(&logger),
		acctapi.NewValidationMiddleware(),
		acctapi.NewLimitMiddleware(acctapi.NewServiceLimits(cfg.Limits), cfg.Limits.AcquireTimeout),
		acctapi.NewCircuitBreakMiddleware(acctapi.NewServiceBreaker(cfg.Breaker, &logger)),
	)
	hndlr := acctapi.NewHTTPHandler(svc, &logger, acctapi.HTTPOptions{
		Node:           node,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           hndlr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		logger.Info().Msg("server shutting down")
		return srv.Shutdown(sctx)
	})

	if err = g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		pgendpt.Close()
		os.Exit(1)
	}
}
