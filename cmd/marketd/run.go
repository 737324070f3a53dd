package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"agentmarket/negotiator/internal/api"
	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/chain"
	"agentmarket/negotiator/internal/config"
	"agentmarket/negotiator/internal/keys"
	"agentmarket/negotiator/internal/llm"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/matcher"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/ratelimit"
	"agentmarket/negotiator/internal/runtime"
	"agentmarket/negotiator/internal/settlement"
	"agentmarket/negotiator/internal/store"
	"agentmarket/negotiator/internal/verify"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the HTTP/WebSocket server, workers and room sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runDaemon(ctx, cfg, log.Sugar())
		},
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Logging.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Logging.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

type backends struct {
	state   marketstate.Store
	limiter ratelimit.Limiter
	redis   redis.UniversalClient
}

// openBackends picks Redis when an address is configured and the
// in-process implementations otherwise.
func openBackends(ctx context.Context, cfg config.Config, clock clockwork.Clock) (backends, error) {
	rl := ratelimit.Config{Limit: cfg.Generation.RateLimit, Window: cfg.RateWindow()}
	if cfg.Redis.Addr == "" {
		return backends{
			state:   marketstate.NewMemory(),
			limiter: ratelimit.NewMemory(rl, clock),
		}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return backends{}, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
	}
	return backends{
		state:   marketstate.NewRedis(client, cfg.Redis.Prefix),
		limiter: ratelimit.NewRedis(client, cfg.Redis.Prefix, rl, clock),
		redis:   client,
	}, nil
}

func runDaemon(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	clock := clockwork.NewRealClock()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	be, err := openBackends(ctx, cfg, clock)
	if err != nil {
		return err
	}
	if be.redis != nil {
		defer be.redis.Close()
	}

	gateway := broadcast.NewGateway(broadcast.Config{
		MaxBatch:      cfg.Gateway.BatchMaxSize,
		BatchInterval: cfg.BatchInterval(),
	}, clock, log.Named("gateway"))
	defer gateway.Close()

	llmClient, err := llm.New(llm.Config{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		TimeoutSeconds:  cfg.LLM.TimeoutSeconds,
	})
	if err != nil {
		return err
	}

	ring := keys.NewKeyring(cfg.Keys.Dir)
	registry := chain.New(cfg.Services.RegistryURL, cfg.Services.LedgerURL, cfg.ServiceTimeout())
	pipeline := verify.New(verify.Config{
		Workers:          cfg.Verification.Workers,
		MaxAttempts:      cfg.Verification.MaxAttempts,
		InitialBackoff:   cfg.InitialBackoff(),
		CallTimeout:      cfg.ServiceTimeout(),
		Verifiers:        cfg.Verification.Verifiers,
		Threshold:        cfg.Verification.Threshold,
		ReleaseOnFailure: cfg.Verification.ReleaseAgentsOnFailure,
	}, verify.Deps{
		Records:  st,
		Registry: registry,
		Ledger:   registry,
		Settler:  settlement.New(cfg.Services.ConsensusURL, cfg.ServiceTimeout()),
		Signer:   ring,
		State:    be.state,
		Pub:      gateway,
		Log:      log.Named("verify"),
	})
	deals := matcher.New(st, be.state, gateway, pipeline, matcher.Options{
		Window: cfg.MatchWindow(),
		Clock:  clock,
		Log:    log.Named("matcher"),
	})
	runner := runtime.New(runtime.Config{
		Workers:    cfg.Generation.Workers,
		Tick:       cfg.Tick(),
		GenTimeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	}, runtime.Deps{
		Records: st,
		State:   be.state,
		Pub:     gateway,
		LLM:     llmClient,
		Limiter: be.limiter,
		Matcher: deals,
		Wallets: ring,
		Clock:   clock,
		Log:     log.Named("runtime"),
	})

	srv := &http.Server{
		Addr: cfg.Gateway.Listen,
		Handler: (&api.Server{
			Agents:  runner,
			Records: st,
			Stream:  gateway,
			Metrics: metrics.Handler(),
			Log:     log.Named("api"),
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if be.redis != nil {
		relay := broadcast.NewRedisRelay(be.redis, cfg.Redis.Prefix, log.Named("relay"))
		gateway.SetRelay(relay)
		g.Go(func() error { return relay.Run(gctx, gateway, nil) })
	}
	g.Go(func() error { return pipeline.Start(gctx) })
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error {
		log.Infow("marketd listening", "addr", cfg.Gateway.Listen, "llm", llmClient.Provider(), "redis", cfg.Redis.Addr != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = g.Wait()
	log.Infow("marketd stopped", "error", err)
	return err
}
