// Command facilitator runs the x402 payment facilitator: it loads
// configuration, dials every configured chain, and serves the
// supported/verify/settle HTTP surface until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chainfacilitator/x402fac/internal/chainregistry"
	"github.com/chainfacilitator/x402fac/internal/circuitbreaker"
	"github.com/chainfacilitator/x402fac/internal/cleanup"
	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/internal/dbpool"
	"github.com/chainfacilitator/x402fac/internal/httpserver"
	"github.com/chainfacilitator/x402fac/internal/lifecycle"
	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/monitoring"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
	"github.com/chainfacilitator/x402fac/internal/refundintake"
	solanakeys "github.com/chainfacilitator/x402fac/internal/solana"
	"github.com/chainfacilitator/x402fac/pkg/x402"
	"github.com/chainfacilitator/x402fac/pkg/x402/evm"
	xsolana "github.com/chainfacilitator/x402fac/pkg/x402/solana"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "x402-facilitator",
		Environment: cfg.Logging.Environment,
	})
	log.Logger = appLogger

	if err := run(cfg, appLogger); err != nil {
		appLogger.Fatal().Err(err).Msg("facilitator.exit")
	}
}

func run(cfg *config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, appLogger)

	lc := lifecycle.NewManager()
	defer lc.Close()

	registry, err := chainregistry.NewRegistry(cfg.X402)
	if err != nil {
		return fmt.Errorf("chain registry: %w", err)
	}

	breakerManager := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	ledger, err := buildLedger(cfg, metricsCollector, lc)
	if err != nil {
		return fmt.Errorf("nonce ledger: %w", err)
	}

	evmSettlers, err := buildEVMSettlers(ctx, cfg, registry, breakerManager, ledger, metricsCollector, lc)
	if err != nil {
		return fmt.Errorf("evm settlers: %w", err)
	}

	solanaSettler, wallets, err := buildSolanaSettler(cfg, registry, ledger, metricsCollector, lc)
	if err != nil {
		return fmt.Errorf("solana settler: %w", err)
	}

	facilitatorSolanaPubkey := ""
	if len(wallets) > 0 {
		facilitatorSolanaPubkey = wallets[0].PublicKey().String()
	}

	engine := x402.NewEngine(registry, ledger, evmSettlers, solanaSettler, facilitatorSolanaPubkey)

	cleanupWorker := cleanup.NewWorker(ledger, cfg.X402.NonceTTL.Duration).WithMetrics(metricsCollector)
	lc.Register("cleanup-worker", cleanupWorker)
	go cleanupWorker.Run(ctx)

	refunds, err := buildRefundIntake(cfg, registry, metricsCollector, lc)
	if err != nil {
		return fmt.Errorf("refund intake: %w", err)
	}

	if solanaSettler != nil && len(wallets) > 0 && cfg.Monitoring.LowBalanceAlertURL != "" {
		rpcClient := solanaSettler.RPCClient()
		monitor := monitoring.NewBalanceMonitor(cfg, rpcClient, wallets)
		monitor.Start(ctx)
		lc.RegisterFunc("balance-monitor", func() error {
			monitor.Stop()
			return nil
		})
	}

	server := httpserver.New(cfg, engine, refunds, metricsCollector, appLogger)
	lc.RegisterFunc("http-server", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info().Str("addr", cfg.Server.Address).Msg("facilitator.listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info().Msg("facilitator.shutting_down")
		return nil
	case err := <-errCh:
		return err
	}
}

func buildLedger(cfg *config.Config, metricsCollector *metrics.Metrics, lc *lifecycle.Manager) (nonceledger.Ledger, error) {
	var persist nonceledger.Ledger
	if cfg.Refunds.PostgresURL != "" {
		pool, err := dbpool.NewSharedPool(cfg.Refunds.PostgresURL, cfg.Refunds.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("dial nonce ledger postgres pool: %w", err)
		}
		lc.Register("nonce-ledger-db", pool)
		pg, err := nonceledger.NewPostgresLedgerWithDB(pool.DB())
		if err != nil {
			return nil, err
		}
		persist = pg.WithMetrics(metricsCollector)
	}
	return nonceledger.NewMemoryLedger(cfg.X402.NonceTTL.Duration, persist), nil
}

func buildEVMSettlers(ctx context.Context, cfg *config.Config, registry *chainregistry.Registry, breakerManager *circuitbreaker.Manager, ledger nonceledger.Ledger, metricsCollector *metrics.Metrics, lc *lifecycle.Manager) (map[string]*evm.Settler, error) {
	settlers := make(map[string]*evm.Settler)
	evmChains := make([]chainregistry.ChainID, 0)
	for _, id := range registry.All() {
		if id.IsEVM() {
			evmChains = append(evmChains, id)
		}
	}
	sort.Slice(evmChains, func(i, j int) bool { return evmChains[i].EVMChainID < evmChains[j].EVMChainID })
	if len(evmChains) == 0 {
		return settlers, nil
	}

	keys := newStaticEVMKeyResolver(cfg.X402.EVMSettlementKeys, evmChains)

	for _, id := range evmChains {
		rpcURL, _, ok := registry.RPCEndpoint(id)
		if !ok || rpcURL == "" {
			continue
		}
		gateway, err := evm.DialGateway(ctx, rpcURL)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", id.Name, err)
		}
		lc.RegisterFunc("evm-gateway-"+id.Name, func() error { gateway.Close(); return nil })

		var gw evm.Gateway = gateway
		if cfg.CircuitBreaker.Enabled {
			gw = evm.WrapWithBreaker(gateway, breakerManager)
		}

		settler := evm.NewSettler(gw, ledger, keys, id.EVMChainID, id.Name).WithMetrics(metricsCollector)
		settlers[strings.ToLower(id.Name)] = settler
	}
	return settlers, nil
}

func buildSolanaSettler(cfg *config.Config, registry *chainregistry.Registry, ledger nonceledger.Ledger, metricsCollector *metrics.Metrics, lc *lifecycle.Manager) (*xsolana.Settler, []solana.PrivateKey, error) {
	var solanaChain chainregistry.ChainID
	found := false
	for _, id := range registry.All() {
		if !id.IsEVM() {
			solanaChain = id
			found = true
			break
		}
	}
	if !found {
		return nil, nil, nil
	}

	rpcURL, wsURL, ok := registry.RPCEndpoint(solanaChain)
	if !ok || rpcURL == "" {
		return nil, nil, nil
	}

	decimals, _ := registry.TokenDecimals(solanaChain)

	settler, err := xsolana.NewSettler(rpcURL, wsURL, ledger, solanaChain.SVMCluster, decimals)
	if err != nil {
		return nil, nil, err
	}
	lc.RegisterFunc("solana-settler", func() error { settler.Close(); return nil })
	settler.WithMetrics(metricsCollector, solanaChain.Name)

	var wallets []solana.PrivateKey
	for _, keyStr := range cfg.X402.ServerWalletKeys {
		wallet, err := solanakeys.ParsePrivateKey(keyStr)
		if err != nil {
			return nil, nil, fmt.Errorf("parse server wallet key: %w", err)
		}
		wallets = append(wallets, wallet)
	}
	if len(wallets) > 0 {
		settler.SetServerWallets(wallets)
	}
	if cfg.X402.GaslessEnabled {
		settler.EnableGasless()
	}
	if cfg.X402.AutoCreateTokenAccount {
		settler.EnableAutoCreateTokenAccounts()
	}
	settler.SetSkipPreflight(cfg.X402.SkipPreflight)
	if cfg.X402.Commitment != "" {
		settler.SetCommitment(cfg.X402.Commitment)
	}
	if cfg.X402.TxQueueMaxInFlight > 0 {
		settler.SetupTxQueue(cfg.X402.TxQueueMinTimeBetween.Duration, cfg.X402.TxQueueMaxInFlight)
		lc.RegisterFunc("solana-tx-queue", func() error { settler.ShutdownTxQueue(); return nil })
	}

	return settler, wallets, nil
}

func buildRefundIntake(cfg *config.Config, registry *chainregistry.Registry, metricsCollector *metrics.Metrics, lc *lifecycle.Manager) (*refundintake.Intake, error) {
	if !cfg.Refunds.Enabled {
		return nil, nil
	}

	var store refundintake.ClaimStore
	if cfg.Refunds.PostgresURL != "" {
		pool, err := dbpool.NewSharedPool(cfg.Refunds.PostgresURL, cfg.Refunds.PostgresPool)
		if err != nil {
			return nil, fmt.Errorf("dial claim store postgres pool: %w", err)
		}
		lc.Register("claim-store-db", pool)
		pg, err := refundintake.NewPostgresClaimStoreWithDB(pool.DB())
		if err != nil {
			return nil, err
		}
		store = pg.WithMetrics(metricsCollector)
	} else {
		store = refundintake.NewMemoryClaimStore()
	}

	// Which servers may report claims is operator/dashboard-managed (out of
	// scope here); the directory starts empty and is populated by whatever
	// admin tooling a deployment wires in front of refundintake.ServerDirectory.
	directory := refundintake.NewMemoryServerDirectory()

	return refundintake.New(directory, store, registry, cfg.Refunds.Enabled).WithMetrics(metricsCollector), nil
}

// staticEVMKeyResolver maps a chain ID to the settlement key configured for
// it. buildEVMSettlers passes the registry's EVM chains sorted by ascending
// chain ID. One key per chain mirrors the X402_EVM_SETTLEMENT_KEY_N env
// convention: the Nth key belongs to the Nth EVM chain in that order.
type staticEVMKeyResolver struct {
	byChainID map[uint64]string
}

func newStaticEVMKeyResolver(keys []string, chains []chainregistry.ChainID) *staticEVMKeyResolver {
	r := &staticEVMKeyResolver{byChainID: make(map[uint64]string)}
	for i, id := range chains {
		if i < len(keys) {
			r.byChainID[id.EVMChainID] = keys[i]
		}
	}
	return r
}

func (r *staticEVMKeyResolver) ResolveKey(ctx context.Context, facilitatorID string, chainID uint64) (string, error) {
	key, ok := r.byChainID[chainID]
	if !ok {
		return "", fmt.Errorf("no settlement key configured for chain %d", chainID)
	}
	return key, nil
}
