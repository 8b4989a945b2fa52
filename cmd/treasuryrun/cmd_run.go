package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/treasuryrun/internal/aggregator"
	"github.com/sawpanic/treasuryrun/internal/balancer"
	"github.com/sawpanic/treasuryrun/internal/chain"
	"github.com/sawpanic/treasuryrun/internal/config"
	"github.com/sawpanic/treasuryrun/internal/executor"
	"github.com/sawpanic/treasuryrun/internal/httpapi"
	"github.com/sawpanic/treasuryrun/internal/metrics"
	"github.com/sawpanic/treasuryrun/internal/persistence"
	"github.com/sawpanic/treasuryrun/internal/persistence/cache"
	"github.com/sawpanic/treasuryrun/internal/persistence/postgres"
	"github.com/sawpanic/treasuryrun/internal/sources"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full aggregation and balancing pipeline",
	RunE:  runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// deps is everything the pipeline wires together at startup.
type deps struct {
	cfg      *config.AppConfig
	repo     *config.Repo
	db       *sqlx.DB
	rpc      *chain.RPCClient
	lastGood persistence.LastGoodStore
	intents  persistence.IntentStore
	metrics  *metrics.Registry
	agg      *aggregator.Aggregator
	engine   *executor.Engine
	bal      *balancer.Balancer
}

func buildDeps() (*deps, error) {
	appCfg, err := config.LoadAppConfig(flagConfigPath)
	if err != nil {
		return nil, err
	}
	repo, err := config.LoadRepo(flagTokensPath, flagRulesPath)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Connect("postgres", appCfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}

	rpc := chain.NewRPCClient(appCfg.Chain.RPCURL, appCfg.ChainTimeout(), appCfg.Chain.RPS)

	var lastGood persistence.LastGoodStore = postgres.NewLastGoodRepo(db, appCfg.PostgresTimeout())
	if appCfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     appCfg.Redis.Addr,
			Password: appCfg.Redis.Password,
			DB:       appCfg.Redis.DB,

			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		lastGood = cache.NewLastGood(lastGood, rdb, appCfg.RedisTTL())
	}
	intents := postgres.NewIntentRepo(db, appCfg.PostgresTimeout())

	m := metrics.New()

	adapters := []sources.Adapter{
		sources.NewChainlinkAdapter(rpc, repo.ChainlinkFeeds()),
		sources.NewPythAdapter(appCfg.Pyth.BaseURL, repo.PythFeedIDs()),
		sources.NewUniswapV3Adapter(rpc, repo.Pools()),
	}
	agg := aggregator.New(repo, adapters, lastGood, m, appCfg.FanoutTimeout())

	execCfg := executor.DefaultConfig()
	if appCfg.Executor.IdemBucketSeconds > 0 {
		execCfg.IdemBucketSec = appCfg.Executor.IdemBucketSeconds
	}
	if appCfg.Executor.MaxBroadcastAttempts > 0 {
		execCfg.MaxBroadcastAttempts = appCfg.Executor.MaxBroadcastAttempts
	}
	if appCfg.Executor.ReceiptTimeoutSeconds > 0 {
		execCfg.ReceiptTimeout = time.Duration(appCfg.Executor.ReceiptTimeoutSeconds) * time.Second
	}
	if appCfg.Executor.ReceiptPollSeconds > 0 {
		execCfg.ReceiptPoll = time.Duration(appCfg.Executor.ReceiptPollSeconds) * time.Second
	}
	engine := executor.New(intents, rpc, m, execCfg)

	bal := balancer.New(repo, lastGood, intents, rpc, engine, m, appCfg.BalancerInterval())

	return &deps{
		cfg:      appCfg,
		repo:     repo,
		db:       db,
		rpc:      rpc,
		lastGood: lastGood,
		intents:  intents,
		metrics:  m,
		agg:      agg,
		engine:   engine,
		bal:      bal,
	}, nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	d, err := buildDeps()
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if d.cfg.Chain.WSURL != "" {
		if heads, err := chain.DialHeads(ctx, d.cfg.Chain.WSURL); err == nil {
			defer heads.Close()
			d.engine.SetHeads(heads.C)
		} else {
			log.Warn().Err(err).Msg("head stream unavailable, receipt waits fall back to polling")
		}
	}

	// Reconcile whatever was in flight when the previous process died.
	if err := d.engine.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("startup recovery failed")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runAggregationLoop(ctx, d)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.bal.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("balancer stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.engine.RunRecovery(ctx, d.cfg.RecoverySweep()); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("recovery loop stopped")
		}
	}()

	srv := &http.Server{
		Addr:    d.cfg.HTTP.Addr,
		Handler: httpapi.NewServer(d.agg, d.lastGood, d.intents, d.metrics).Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", d.cfg.HTTP.Addr).Msg("treasuryrun started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	wg.Wait()
	return nil
}

// runAggregationLoop consolidates every configured token on the interval;
// tokens run in parallel, each serialized internally by its write lane.
func runAggregationLoop(ctx context.Context, d *deps) {
	ticker := time.NewTicker(d.cfg.AggregatorInterval())
	defer ticker.Stop()

	consolidateAll := func() {
		var wg sync.WaitGroup
		for _, tokenID := range d.repo.Tokens() {
			wg.Add(1)
			go func(tokenID string) {
				defer wg.Done()
				if _, err := d.agg.Consolidate(ctx, tokenID); err != nil {
					log.Error().Err(err).Str("token", tokenID).Msg("consolidation failed")
				}
			}(tokenID)
		}
		wg.Wait()
	}

	consolidateAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			consolidateAll()
		}
	}
}
