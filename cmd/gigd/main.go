package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gigledger/config"
	"gigledger/core/events"
	"gigledger/core/state"
	"gigledger/core/types"
	"gigledger/gateway"
	"gigledger/native/engage"
	"gigledger/observability/logging"
	"gigledger/storage"
)

// logEmitter writes every engine event to the structured log.
type logEmitter struct {
	log *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	attrs := []interface{}{"event", evt.EventType()}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		if payload := carrier.Event(); payload != nil {
			for key, value := range payload.Attributes {
				attrs = append(attrs, key, value)
			}
		}
	}
	l.log.Info("ledger event", attrs...)
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./config.toml", "path to the gigd configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logging.Setup("gigd", cfg.Environment, cfg.LogLevel)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		log.Error("failed to open ledger database", "path", cfg.DataDir, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)

	custody, err := config.DecodeAddress(cfg.CustodySink)
	if err != nil {
		log.Error("invalid custody sink address", "error", err)
		os.Exit(1)
	}

	if err := manager.Run(func() error {
		for _, raw := range cfg.Arbiters {
			addr, err := config.DecodeAddress(raw)
			if err != nil {
				return err
			}
			if err := manager.RoleGrant(state.RoleArbiter, addr); err != nil {
				return err
			}
		}
		balances := make(map[[20]byte]*big.Int, len(cfg.GenesisAccounts))
		for _, account := range cfg.GenesisAccounts {
			addr, err := config.DecodeAddress(account.Address)
			if err != nil {
				return err
			}
			amount, err := account.Amount()
			if err != nil {
				return err
			}
			balances[addr] = amount
		}
		return manager.SeedGenesis(balances)
	}); err != nil {
		log.Error("failed to seed genesis state", "error", err)
		os.Exit(1)
	}

	engine := engage.NewEngine()
	engine.SetState(manager)
	engine.SetTransfer(manager)
	engine.SetAccessControl(manager)
	engine.SetCustodySink(custody)
	engine.SetEmitter(logEmitter{log: log})

	store, err := gateway.NewAuditStore(cfg.AuditDBPath)
	if err != nil {
		log.Error("failed to open audit store", "path", cfg.AuditDBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	auth := gateway.NewAuthenticator(gateway.AuthConfig{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
	})
	limiter := gateway.NewRateLimiter(cfg.RatePerSec, cfg.RateBurst)
	srv := gateway.NewServer(engine, manager, auth, limiter, store, log)
	srv.SetMetricsPath(cfg.MetricsPath)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("gigd listening", "address", cfg.ListenAddress)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server terminated", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
