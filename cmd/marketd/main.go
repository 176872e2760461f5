package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artmkt/marketd/params"
	"github.com/artmkt/marketd/pkg/api"
	"github.com/artmkt/marketd/pkg/chain"
	"github.com/artmkt/marketd/pkg/crypto"
	"github.com/artmkt/marketd/pkg/market"
	"github.com/artmkt/marketd/pkg/storage"
	"github.com/artmkt/marketd/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("data dir: %v", err)
	}
	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := storage.NewPebbleStore(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	wallets, err := market.NewWalletRegistry(store)
	if err != nil {
		sugar.Fatalw("wallet_registry_failed", "err", err)
	}

	var signer *crypto.Signer
	if cfg.Market.SignerKeyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Market.SignerKeyHex)
	} else {
		sugar.Warnw("signer_key_missing", "note", "generating ephemeral key; authorizations will not survive a restart")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		sugar.Fatalw("signer_init_failed", "err", err)
	}
	sugar.Infow("signer_ready", "address", signer.Address().Hex())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var chainClient chain.Client
	if cfg.Chain.RPCURL != "" {
		ec, err := chain.DialEthereum(ctx, cfg.Chain.RPCURL)
		if err != nil {
			sugar.Fatalw("chain_dial_failed", "url", cfg.Chain.RPCURL, "err", err)
		}
		defer ec.Close()
		chainClient = ec
		sugar.Infow("chain_connected", "url", cfg.Chain.RPCURL)
	} else {
		sugar.Warnw("chain_rpc_missing", "note", "using stub confirmations; development only")
		chainClient = chain.NewStubClient()
	}

	engine := market.NewEngine(store, wallets, signer, chainClient, util.RealClock{}, sugar, market.Config{
		ConfirmThreshold: cfg.Chain.ConfirmThreshold,
		MaxAttempts:      cfg.Chain.MaxAttempts,
		ReservationTTL:   cfg.Market.ReservationTTL,
	})

	if cfg.Market.AssetSeedFile != "" {
		if err := seedAssets(engine, cfg.Market.AssetSeedFile); err != nil {
			sugar.Fatalw("asset_seed_failed", "file", cfg.Market.AssetSeedFile, "err", err)
		}
	}

	if cfg.Auth.JWTSecret == "" {
		sugar.Fatalw("jwt_secret_missing", "note", "set JWT_SECRET; sessions cannot be verified without it")
	}

	server := api.NewServer(engine, sugar, api.Options{
		JWTSecret:      cfg.Auth.JWTSecret,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateBurst:      cfg.HTTP.RateBurst,
		RatePerSecond:  cfg.HTTP.RatePerSecond,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})
	go server.Hub().Run()

	watcher := market.NewWatcher(engine, sugar, cfg.Chain.PollInterval)
	go watcher.Run(ctx)

	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}
	go func() {
		sugar.Infow("api_started", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalw("http_serve_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("http_shutdown_failed", "err", err)
	}
}

// seedAssets loads the catalog from a JSON array of assets.
func seedAssets(engine *market.Engine, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var assets []market.Asset
	if err := json.Unmarshal(data, &assets); err != nil {
		return err
	}
	for _, a := range assets {
		if _, ok := engine.Asset(a.TokenID); ok {
			continue // already durable; don't clobber live stock
		}
		if err := engine.SeedAsset(a); err != nil {
			return err
		}
	}
	return nil
}
