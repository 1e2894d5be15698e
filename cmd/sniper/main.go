package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/chainsniper/bot"
	"github.com/web3guy0/chainsniper/chain"
	"github.com/web3guy0/chainsniper/core"
	"github.com/web3guy0/chainsniper/dex"
	"github.com/web3guy0/chainsniper/exec"
	"github.com/web3guy0/chainsniper/execution"
	"github.com/web3guy0/chainsniper/feeds"
	"github.com/web3guy0/chainsniper/gas"
	"github.com/web3guy0/chainsniper/internal/cache"
	"github.com/web3guy0/chainsniper/internal/config"
	"github.com/web3guy0/chainsniper/internal/workerpool"
	"github.com/web3guy0/chainsniper/risk"
	"github.com/web3guy0/chainsniper/storage"
	"github.com/web3guy0/chainsniper/strategy"
	"github.com/web3guy0/chainsniper/types"
)

const checkpointKey = "monitor:last_confirmed"

func main() {
	// ═══════════════════════════════════════════════════════════════════════════════
	// BOOTSTRAP
	// ═══════════════════════════════════════════════════════════════════════════════

	// Load environment
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Msg("═══════════════════════════════════════════════════════════════")
	log.Info().Msg("              CHAINSNIPER - ON-CHAIN LAUNCH SNIPER")
	log.Info().Msg("═══════════════════════════════════════════════════════════════")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ═══════════════════════════════════════════════════════════════════════════════
	// INITIALIZE COMPONENTS
	// ═══════════════════════════════════════════════════════════════════════════════

	// 1. Storage
	db, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	log.Info().Bool("enabled", db.IsEnabled()).Msg("✅ Storage layer initialized")

	// 2. Chain
	client, err := chain.Dial(ctx, cfg.RPCURLs, chain.Config{
		CallTimeout:   cfg.RPCTimeout,
		FailoverAfter: cfg.FailoverErrors,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to chain")
	}
	client.OnFailover(func(from, to string) {
		log.Warn().Str("from", from).Str("to", to).Msg("🔀 RPC failover")
	})
	if cfg.RelayURL != "" {
		authKey, err := relayKey(cfg.RelayAuthKey)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid RELAY_AUTH_KEY")
		}
		client.SetRelay(chain.NewRelay(cfg.RelayURL, authKey, cfg.RPCTimeout))
	}
	log.Info().Str("endpoint", client.Active()).Msg("✅ Chain adapter initialized")

	// 3. Wallets and DEXes
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	keyring, err := exec.NewKeyring(chainID, cfg.WalletKeys...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load wallets")
	}
	registry := dex.NewRegistry(cfg.WETH, cfg.DEXes...)
	reader := dex.NewReader(client)
	fees := gas.NewOptimizer(client, gas.Config{
		MaxFee:      types.Gwei(cfg.MaxFeeGwei),
		MinPriority: types.Gwei(cfg.MinPriorityGwei),
	})
	log.Info().Int("wallets", len(keyring.Addresses())).Int("dexes", len(cfg.DEXes)).Msg("✅ Wallets and DEX registry initialized")

	// 4. Risk
	riskCache := riskStore(ctx, cfg.RedisURL)
	goplus := &risk.GoPlus{
		BaseURL: cfg.GoPlusURL,
		APIKey:  cfg.GoPlusAPIKey,
		ChainID: cfg.ChainID,
		Cache:   riskCache,
		TTL:     cfg.RiskCacheTTL,
	}
	simAmount, err := types.FromDecimal(cfg.SimAmountWei)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid RISK_SIM_WEI")
	}
	riskCfg := risk.DefaultConfig(cfg.WETH)
	riskCfg.BaseUSD = cfg.BaseUSD
	riskCfg.MinLiquidityUSD = cfg.MinLiquidityUSD
	riskCfg.MaxOwnerPct = cfg.MaxOwnerPct
	riskCfg.SimAmount = simAmount
	riskCfg.CacheTTL = cfg.RiskCacheTTL
	riskCfg.DriftPct = cfg.ReserveDriftPct
	riskCfg.LPLockers = cfg.LPLocker
	simulator := risk.NewContractSimulator(client, cfg.SimulatorAddress, simSender(keyring))
	analyzer := risk.NewAnalyzer(riskCfg, reader, simulator, goplus, nil)
	breaker := risk.NewCircuitBreaker(
		cfg.MaxConsecutiveFailures,
		cfg.MaxDailyLossETH.Shift(18),
		cfg.BreakerCooldown,
		nil,
	)
	log.Info().Msg("✅ Risk layer initialized")

	// 5. Buses
	policy, err := core.ParsePolicy(cfg.BusPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid BUS_POLICY")
	}
	events := core.NewBus[types.MarketEvent]("events", policy)
	notices := core.NewBus[types.Notice]("notices", core.Block)
	countDrop := func(bus, sub string) { core.QueueDrops.WithLabelValues(bus + ":" + sub).Inc() }
	events.OnDrop = countDrop
	notices.OnDrop = countDrop // only lossy sinks such as telegram subscribe DropOldest

	// 6. Execution
	execCfg := execution.DefaultConfig()
	execCfg.ChainID = chainID
	execCfg.OrderTimeout = cfg.OrderTimeout
	execCfg.ReceiptTimeout = cfg.ReceiptTimeout
	execCfg.MonitorInterval = cfg.PositionMonitorInterval
	execCfg.DryRun = cfg.DryRun
	executor := execution.NewExecutor(execCfg, execution.Deps{
		Chain:    client,
		Reader:   reader,
		Fees:     fees,
		Signer:   keyring,
		Registry: registry,
		Store:    db,
		Notices:  notices,
	})
	reconciler := execution.NewReconciler(executor, db, reader)
	if _, err := reconciler.RecoverPositions(ctx); err != nil {
		log.Error().Err(err).Msg("Position recovery failed")
	}
	log.Info().Bool("dry_run", cfg.DryRun).Msg("✅ Execution layer initialized")

	// 7. Strategies
	strategies := strategy.NewRegistry(strategy.Environment{
		HasWallet: keyring.Has,
		HasDEX: func(name string) bool {
			_, ok := registry.ByName(name)
			return ok
		},
	}, db, nil)
	if n, err := strategies.LoadStore(); err != nil {
		log.Error().Err(err).Msg("Failed to load stored strategies")
	} else if n > 0 {
		log.Info().Int("count", n).Msg("📥 Strategies restored")
	}
	if cfg.StrategiesFile != "" {
		if _, err := strategies.LoadFile(cfg.StrategiesFile); err != nil {
			log.Fatal().Err(err).Str("file", cfg.StrategiesFile).Msg("Failed to load strategies file")
		}
	}
	log.Info().Int("count", len(strategies.List())).Msg("✅ Strategies loaded")

	// 8. Feeds
	decodePool := workerpool.New("decode", cfg.Workers, cfg.QueueSize)
	var pending feeds.PendingSource
	if cfg.WSURL != "" {
		pending = chain.NewPendingStream(cfg.WSURL)
	}
	monitor := feeds.NewMonitor(feeds.MonitorConfig{
		ChainID:     cfg.ChainID,
		MaxLookback: cfg.MaxLookbackBlocks,
	}, client, pending, registry, decodePool, events, nil)
	if last, err := db.LoadCheckpoint(checkpointKey); err != nil {
		log.Warn().Err(err).Msg("Failed to load monitor checkpoint")
	} else if last > 0 {
		monitor.SetLastConfirmed(last)
		log.Info().Uint64("block", last).Msg("📥 Resuming from checkpoint")
	}

	whaleCfg := feeds.DefaultWhaleConfig()
	if minAmount, err := types.FromDecimal(cfg.WhaleMinETH.Shift(18)); err == nil {
		whaleCfg.MinAmount = minAmount
	}
	whales := feeds.NewWhaleTracker(whaleCfg, cfg.WETH, events, nil)
	for _, w := range cfg.WhaleWallets {
		whales.Track(w, "")
	}
	monitor.AddObserver(whales)
	log.Info().Int("whales", len(whales.Profiles())).Msg("✅ Feeds initialized")

	// 9. Core engine
	snipePool := workerpool.New("snipe", cfg.Workers, cfg.QueueSize)
	engineCfg := core.DefaultConfig()
	engineCfg.RPCTimeout = cfg.RPCTimeout
	engine := core.NewEngine(engineCfg, core.Deps{
		Strategies: strategies,
		Registry:   registry,
		Analyzer:   analyzer,
		Trader:     executor,
		Pool:       snipePool,
		Events:     events,
		Notices:    notices,
		Breaker:    breaker,
		RiskState:  reconciler,
		Balances:   client,
		Receipts:   client,
		Pairs:      reader,
		Whales:     whales,
	})
	core.RegisterMonitorGauges(monitor.Stats)
	log.Info().Msg("✅ Core engine initialized")

	// 10. Telegram
	var tg *bot.TelegramBot
	if cfg.TelegramEnabled() {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, engine, cfg.DryRun)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
			tg = nil
		} else {
			tg.Verbose = cfg.TelegramVerbose
			tg.Start(notices.SubscribeWith("telegram", 256, core.DropOldest))
		}
	}

	// ═══════════════════════════════════════════════════════════════════════════════
	// PRINT CONFIG
	// ═══════════════════════════════════════════════════════════════════════════════

	mode := "LIVE TRADING"
	if cfg.DryRun {
		mode = "DRY RUN"
	}
	log.Info().Msg("")
	log.Info().Msg("╔══════════════════════════════════════════════════════════════╗")
	log.Info().Msgf("║  Mode: %-53s ║", mode)
	log.Info().Msgf("║  Chain ID: %-49d ║", cfg.ChainID)
	log.Info().Msgf("║  Strategies: %-47d ║", len(strategies.List()))
	log.Info().Msgf("║  Mempool stream: %-43t ║", pending != nil)
	log.Info().Msgf("║  Bus policy: %-47s ║", policy)
	log.Info().Msg("╚══════════════════════════════════════════════════════════════╝")
	log.Info().Msg("")

	// ═══════════════════════════════════════════════════════════════════════════════
	// START
	// ═══════════════════════════════════════════════════════════════════════════════

	executor.Start(ctx)
	engine.Start(ctx)
	monitor.Start(ctx)
	go persistCheckpoints(ctx, db, monitor)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("📊 Metrics exposed")
	}

	if tg != nil {
		tg.NotifyStartup(len(strategies.List()), len(keyring.Addresses()))
	}
	log.Info().Msg("🚀 All systems running...")

	// ═══════════════════════════════════════════════════════════════════════════════
	// GRACEFUL SHUTDOWN
	// ═══════════════════════════════════════════════════════════════════════════════

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("🛑 Shutting down...")
	monitor.Stop()
	engine.Stop()
	executor.Stop()
	cancel()

	if err := db.SaveCheckpoint(checkpointKey, monitor.Stats().LastConfirmed); err != nil {
		log.Warn().Err(err).Msg("Failed to save monitor checkpoint")
	}
	if metricsSrv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(sctx)
		scancel()
	}
	if tg != nil {
		tg.Stop()
	}
	events.Close()
	notices.Close()
	decodePool.Stop()
	snipePool.Stop()
	if closer, ok := riskCache.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	client.Close()
	_ = db.Close()

	log.Info().Msg("👋 Goodbye!")
}

// relayKey parses the searcher identity key; an empty value gets a throwaway key
func relayKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// riskStore prefers redis so external lookups survive restarts
func riskStore(ctx context.Context, url string) cache.Store {
	if url == "" {
		return cache.NewMemoryStore()
	}
	rs, err := cache.NewRedisStoreFromURL(ctx, url, "sniper:")
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, using in-memory risk cache")
		return cache.NewMemoryStore()
	}
	log.Info().Msg("✅ Redis risk cache connected")
	return rs
}

// simSender is the eth_call sender for round-trip simulations
func simSender(k *exec.Keyring) common.Address {
	if addrs := k.Addresses(); len(addrs) > 0 {
		return addrs[0]
	}
	return common.Address{}
}

func persistCheckpoints(ctx context.Context, db *storage.Database, m *feeds.Monitor) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	var saved uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := m.Stats().LastConfirmed
			if last == 0 || last == saved {
				continue
			}
			if err := db.SaveCheckpoint(checkpointKey, last); err != nil {
				log.Warn().Err(err).Msg("Failed to save monitor checkpoint")
				continue
			}
			saved = last
		}
	}
}
