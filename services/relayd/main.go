// Command relayd runs the anonymizing intent-execution relay: it accepts
// encrypted swap/transaction intents from a browser-side signer, validates
// and registers them, and drives approved intents through on-chain
// execution via the TEE's attestation-backed signing path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"

	"teerelay/gateway/middleware"
	"teerelay/observability/logging"
	telemetry "teerelay/observability/otel"
	"teerelay/relay/attestation"
	"teerelay/relay/chain"
	"teerelay/relay/envelope"
	"teerelay/relay/intent"
	"teerelay/relay/orchestrator"
	"teerelay/relay/pool"
	"teerelay/relay/registry"
	"teerelay/relay/swapbuilder"
	"teerelay/services/relayd/config"
	"teerelay/services/relayd/server"
)

// Well-known deployed AMM program ids the swap builder dispatches to. These
// are public on-chain addresses, not secrets.
const (
	raydiumCLMMProgramID = "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaUz8EzT9kKT"
	raydiumCPMMProgramID = "CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C"
	legacyAMMProgramID   = "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/relayd/config.yaml", "path to relayd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("RELAY_ENV"))
	logger, ring := logging.SetupWithRing("relayd", env, "relayd")

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "relayd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("relayd: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("relayd: load config: %v", err)
	}

	envSvc, err := envelope.NewService(cfg.KeypairPath, cfg.LegacyEnvelope)
	if err != nil {
		log.Fatalf("relayd: envelope service: %v", err)
	}

	att := attestation.NewStub(envSvc.KeyID())
	reg := registry.New()

	rpcURL, ok := cfg.RPCURLFor(cfg.Network)
	if !ok {
		log.Fatalf("relayd: no rpc url configured for network %q", cfg.Network)
	}
	chainClient := chain.New(rpcURL)

	executorProgramID, err := solana.PublicKeyFromBase58(cfg.ExecutorProgID)
	if err != nil {
		log.Fatalf("relayd: invalid executor program id: %v", err)
	}
	backend := chain.NewBackend(chainClient, executorProgramID, chain.PollTimings{
		FastInterval: cfg.Confirm.FastInterval.Duration,
		SlowInterval: cfg.Confirm.SlowInterval.Duration,
		FastWindow:   cfg.Confirm.FastWindow.Duration,
	})

	poolLogger := slogLoggerAdapter{logger}
	poolSources := buildPoolSources(cfg, poolLogger)
	poolManager := pool.New(poolLogger, poolSources...)

	builder := swapbuilder.NewBuilder(poolLogger,
		swapbuilder.NewRaydiumCLMM(solana.MustPublicKeyFromBase58(raydiumCLMMProgramID)),
		swapbuilder.NewRaydiumCPMM(solana.MustPublicKeyFromBase58(raydiumCPMMProgramID)),
		swapbuilder.NewLegacyAMM(solana.MustPublicKeyFromBase58(legacyAMMProgramID)),
	)

	orch := orchestrator.New(backend, poolManager, builder, reg, att, poolLogger, orchestrator.Timings{
		FundingDeadline: cfg.Confirm.FundingDeadline.Duration,
		SwapDeadline:    cfg.Confirm.SwapDeadline.Duration,
		WatcherDeadline: cfg.Confirm.WatcherDeadline.Duration,
	}, cfg.AmountFloorLamports)

	var feePayer solana.PrivateKey
	if cfg.ExecutionKey != "" {
		feePayer, err = solana.PrivateKeyFromBase58(cfg.ExecutionKey)
		if err != nil {
			log.Fatalf("relayd: invalid execution secret key: %v", err)
		}
	}

	observ := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "relayd",
		Enabled:     true,
		LogRequests: false,
	}, log.Default())

	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		Limit:  cfg.RateLimit.Limit,
		Window: cfg.RateLimit.Window.Duration,
	}, log.Default())
	limiter.Start()
	defer limiter.Stop()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	onSubmit := func(parsed *intent.Intent) (server.SubmitOutcome, error) {
		owner, err := solana.PublicKeyFromBase58(parsed.Signer)
		if err != nil {
			return server.SubmitOutcome{}, err
		}
		result, err := orch.Submit(rootCtx, parsed, owner, feePayer)
		if err != nil {
			return server.SubmitOutcome{}, err
		}
		return server.SubmitOutcome{
			ChainSignature: result.ChainSignature,
			ExplorerURL:    explorerURL(result.ChainSignature, cfg.Network),
			TEESignature:   result.TEESignature,
		}, nil
	}

	srv := server.New(cfg, ring, envSvc, reg, att, observ, limiter, onSubmit)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Handler(),
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("relayd listening", "address", cfg.ListenAddress, "network", cfg.Network)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("relayd: http server error: %v", err)
	}
}

// buildPoolSources wires the ordered pool-discovery chain: remote catalog,
// operator-configured known pools, then the on-chain fallback.
func buildPoolSources(cfg config.Config, logger pool.Logger) []pool.Source {
	known := make([]pool.KnownPoolEntry, 0, len(cfg.KnownPools))
	for _, p := range cfg.KnownPools {
		known = append(known, pool.KnownPoolEntry{MintA: p.MintA, MintB: p.MintB, PoolID: p.PoolID})
	}
	return []pool.Source{
		pool.NewCatalogSource([]string{cfg.RaydiumAPIURL}),
		pool.NewKnownPoolSource(known),
		pool.NewOnChainSource(),
	}
}

// explorerURL builds the block-explorer link returned alongside a broadcast
// signature. Mainnet omits the cluster query param; every other network
// names itself explicitly.
func explorerURL(signature, network string) string {
	if network == "" || network == "mainnet" || network == "mainnet-beta" {
		return fmt.Sprintf("https://explorer.solana.com/tx/%s", signature)
	}
	return fmt.Sprintf("https://explorer.solana.com/tx/%s?cluster=%s", signature, network)
}

// slogLoggerAdapter satisfies the narrow Logger interfaces relay/pool,
// relay/swapbuilder, and relay/orchestrator each declare, fanning out to
// the shared structured logger.
type slogLoggerAdapter struct {
	logger *slog.Logger
}

func (a slogLoggerAdapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a slogLoggerAdapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a slogLoggerAdapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a slogLoggerAdapter) Debug(msg string, args ...any) { a.logger.Debug(msg, args...) }
