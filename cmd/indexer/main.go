// Command indexer wires the RPC gateway, event store, backfill engine,
// live tailer, and HTTP/websocket surfaces together and runs until
// SIGINT/SIGTERM. It is the only place in this module allowed to call
// os.Exit.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/emmick4/eth-event-indexer/internal/backfill"
	"github.com/emmick4/eth-event-indexer/internal/config"
	"github.com/emmick4/eth-event-indexer/internal/httpapi"
	"github.com/emmick4/eth-event-indexer/internal/ratelimit"
	"github.com/emmick4/eth-event-indexer/internal/rpcgateway"
	"github.com/emmick4/eth-event-indexer/internal/store"
	"github.com/emmick4/eth-event-indexer/internal/tailer"
	"github.com/emmick4/eth-event-indexer/internal/wshub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("indexer: invalid configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBName)
	if err != nil {
		log.Fatal().Err(err).Msg("indexer: failed to open store")
	}
	defer st.Close()

	dialCtx, cancelDial := context.WithTimeout(ctx, 30*time.Second)
	rpcClient, err := rpc.DialContext(dialCtx, cfg.RPCURL)
	cancelDial()
	if err != nil {
		log.Fatal().Err(err).Msg("indexer: failed to dial upstream")
	}
	defer rpcClient.Close()

	ethClient := ethclient.NewClient(rpcClient)

	gw := rpcgateway.New(rpcClient, rpcgateway.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
	})

	chainID, err := gw.ChainID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("indexer: chain id lookup failed, continuing anyway")
	} else {
		log.Info().Str("chainId", chainID).Msg("indexer: connected to upstream")
	}

	hub := wshub.New()

	// The live tailer subscribes immediately so the push channel and
	// the realtime-sync cursor are live from the moment of startup;
	// the backfill sweep runs concurrently alongside it rather than
	// gating it, so events arriving after head@startup are never
	// deferred until a future process restart.
	tl := tailer.New(ethClient, gw, st, cfg.ContractAddress)
	go func() {
		log.Info().Msg("indexer: starting live tailer")
		if err := tl.Subscribe(ctx, hub.Broadcast); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("indexer: live tailer stopped unexpectedly")
		}
	}()

	bf := backfill.New(gw, st, cfg.ContractAddress, cfg.StartBlock, 0, rpcgateway.DefaultIsRateLimited)
	go func() {
		log.Info().Msg("indexer: starting backfill")
		if err := bf.Run(ctx, cfg.InitialBatchSize); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("indexer: backfill run returned an error")
			return
		}
		log.Info().Msg("indexer: backfill caught up to head@startup")
	}()

	limiter := ratelimit.New(20, 40, 10*time.Minute)

	router := chi.NewRouter()
	router.Mount("/", limiter.Middleware(httpapi.New(st)))
	router.Get("/ws", hub.ServeHTTP)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("indexer: http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("indexer: http server exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("indexer: shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("indexer: http server shutdown error")
	}
}
