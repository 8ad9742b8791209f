package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crypto_settlement/chain"
	"github.com/crypto_settlement/config"
	"github.com/crypto_settlement/db"
	"github.com/crypto_settlement/events"
	"github.com/crypto_settlement/handler"
	"github.com/crypto_settlement/keystore"
	"github.com/crypto_settlement/logger"
	"github.com/crypto_settlement/metrics"
	"github.com/crypto_settlement/price"
	"github.com/crypto_settlement/repository"
	"github.com/crypto_settlement/router"
	"github.com/crypto_settlement/service"
)

func main() {
	configPath := flag.String("config", "", "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("settlement service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	gdb, err := db.Connect(cfg.Database, log)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	cipher, err := keystore.LoadFiles(cfg.KeyStore.PublicKeyPath, cfg.KeyStore.PrivateKeyPath)
	if err != nil {
		return err
	}
	deriver, err := keystore.NewDeriver(cfg.KeyStore.Mnemonic, "")
	if err != nil {
		return err
	}

	var upstream price.Oracle = price.NewCoinGecko(cfg.Prices.CoinGeckoURL, cfg.Prices.APIKey, cfg.Prices.Timeout, log)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		upstream = price.NewCached(price.NewRedisStore(rdb), upstream, cfg.Prices.CacheTTL, log)
	}
	oracle, err := price.NewFixed(cfg.Prices.Fixed, upstream)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}
	defer publisher.Close()

	rec := metrics.New(prometheus.DefaultRegisterer)
	rates, err := cfg.CommissionBasisPoints()
	if err != nil {
		return err
	}

	assets := repository.NewAssetRepository(gdb)
	wallets := repository.NewWalletRepository(gdb)
	txs := repository.NewTransactionRepository(gdb)
	observed := repository.NewObservedTransferRepository(gdb)
	referrals := repository.NewReferralRepository(gdb)
	freezes := repository.NewFreezeRepository(gdb)
	commissionRecords := repository.NewCommissionRepository(gdb)
	investments := repository.NewInvestmentRepository(gdb)
	adjustments := repository.NewAdjustmentRepository(gdb)

	keys := keystore.NewStore(cipher, wallets)
	journal := service.NewJournal(txs, publisher, rec, log)
	ledger := service.NewLedger(wallets, rec, log)
	accounts := service.NewAccountService(wallets, referrals, deriver, keys, log)
	txService := service.NewTransactionService(assets, wallets, txs, journal, ledger, oracle, log)
	commissions := service.NewCommissionEngine(referrals, investments, freezes, commissionRecords, ledger, rates, rec, log)
	packages := service.NewPackageService(investments, ledger, commissions, log)
	referralService := service.NewReferralService(referrals, wallets, log)
	operator := service.NewOperatorService(txs, adjustments, freezes, journal, ledger, publisher, log)

	admin, err := accounts.EnsureAdmin(ctx, cfg.Custody.AdminOwnerID)
	if err != nil {
		return fmt.Errorf("admin wallet: %w", err)
	}
	log.Info("admin wallet ready", zap.String("address", admin.Address))

	deps := service.Deps{
		Assets:       assets,
		Wallets:      wallets,
		Transactions: txs,
		Observed:     observed,
		Journal:      journal,
		Ledger:       ledger,
		Keys:         keys,
		Oracle:       oracle,
		Metrics:      rec,
		Logger:       log,
		AdminID:      cfg.Custody.AdminOwnerID,
	}
	registry := chain.NewRegistry()
	for _, cc := range cfg.Chains {
		client, err := chain.Dial(ctx, cc, log)
		if err != nil {
			return fmt.Errorf("chain %s: %w", cc.Name, err)
		}
		registry.Register(client)
	}

	scheduler := service.NewScheduler(rec, log)
	for _, cc := range cfg.Chains {
		client, err := registry.Get(cc.Name)
		if err != nil {
			return err
		}
		scheduler.Every(cc.WatchInterval, service.NewDepositWatcher(deps, client, cc))
		scheduler.Every(cc.SendInterval, service.NewWithdrawalSender(deps, client, cc))
		scheduler.Every(cc.SweepInterval, service.NewBalanceSweeper(deps, client, cc))
	}
	scheduler.Every(cfg.Referral.ReconcileInterval,
		service.NewFreezeReconciler(freezes, investments, ledger, cfg.Referral.FreezeWindow, rec, log))
	scheduler.Every(cfg.Referral.CommissionRetryInterval, service.NewCommissionRetrier(investments, commissions, rec, log))

	wallet := handler.NewWalletHandler(accounts, txService)
	engine := router.SetupRouter(router.Handlers{
		Wallet:     wallet,
		Investment: handler.NewInvestmentHandler(packages, referralService),
		Admin:      handler.NewAdminHandler(operator, referralService, packages, wallet),
	}, []byte(cfg.JWTSecret), log)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: engine, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.Strings("chains", registry.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}
