// Package bundler wires the pipeline together: chain client, pool,
// simulator, reputation, builder and submitter, driven by new blocks and a
// set of scheduled maintenance jobs, with an HTTP surface for clients and
// operators.
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/getsentry/sentry-go"
	"github.com/go-co-op/gocron/v2"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-bundler/core/builder"
	"github.com/AvaProtocol/ap-bundler/core/chainio"
	"github.com/AvaProtocol/ap-bundler/core/chainio/signer"
	"github.com/AvaProtocol/ap-bundler/core/config"
	"github.com/AvaProtocol/ap-bundler/core/mempool"
	"github.com/AvaProtocol/ap-bundler/core/reputation"
	"github.com/AvaProtocol/ap-bundler/core/simulator"
	"github.com/AvaProtocol/ap-bundler/core/submitter"
	"github.com/AvaProtocol/ap-bundler/metrics"
	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/timekeeper"
	"github.com/AvaProtocol/ap-bundler/storage"
	"github.com/AvaProtocol/ap-bundler/version"
)

type BundlerStatus string

const (
	initStatus     BundlerStatus = "init"
	runningStatus  BundlerStatus = "running"
	shutdownStatus BundlerStatus = "shutdown"
)

// blockPollInterval is the fallback cadence when no websocket endpoint is
// configured.
const blockPollInterval = 3 * time.Second

// RunWithConfig is the entry used by the run command.
func RunWithConfig(configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("cannot load config file %s: %w", configPath, err)
	}

	b, err := NewBundler(cfg)
	if err != nil {
		return fmt.Errorf("cannot initialize bundler: %w", err)
	}

	return b.Start(context.Background())
}

type Bundler struct {
	config *config.Config
	logger logger.Logger

	client chainio.Client
	signer signer.Signer
	db     storage.Storage
	cache  *bigcache.BigCache

	pool      *mempool.Pool
	rep       *reputation.Tracker
	sim       *simulator.Simulator
	builder   *builder.Builder
	submitter *submitter.Submitter

	registry *prometheus.Registry
	metrics  *metrics.BundlerMetrics

	scheduler  gocron.Scheduler
	httpServer *echo.Echo

	// In-flight submissions awaiting a terminal poll verdict.
	inflightMu sync.Mutex
	inflight   []*submitter.InFlight

	// The current build pass; canceled whenever a new head arrives.
	buildMu     sync.Mutex
	cancelBuild context.CancelFunc

	newHeads chan uint64

	status BundlerStatus
}

func NewBundler(c *config.Config) (*Bundler, error) {
	cache, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             1024,
		LifeWindow:         120 * time.Minute,
		CleanWindow:        5 * time.Minute,
		MaxEntriesInWindow: 1000 * 10 * 60,
		MaxEntrySize:       500,
		HardMaxCacheSize:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot initialize cache storage: %w", err)
	}

	return &Bundler{
		config:   c,
		logger:   c.Logger,
		cache:    cache,
		newHeads: make(chan uint64, 16),
		status:   initStatus,
	}, nil
}

func (b *Bundler) init(ctx context.Context) error {
	client, err := chainio.Dial(ctx, b.config.EthHttpRpcUrl)
	if err != nil {
		return err
	}
	b.client = client
	b.signer = signer.New(b.config.EcdsaPrivateKey, client.ChainID())

	db, err := storage.NewWithPath(b.config.DbPath)
	if err != nil {
		return err
	}
	if err := db.Setup(); err != nil {
		return err
	}
	b.db = db

	b.registry = prometheus.NewRegistry()
	b.metrics = metrics.NewBundlerMetrics(b.registry)

	b.rep = reputation.NewTracker(b.config.Reputation, db, b.logger)
	b.pool = mempool.New(b.config.Mempool, b.config.EntryPoint, client.ChainID(), db, b.logger, b.metrics)
	b.sim = simulator.New(client, b.config.Simulation, b.config.EntryPoint, b.logger, b.metrics)
	b.builder = builder.New(b.config.Builder, b.config.EntryPoint, b.sim, b.pool, b.rep, b.logger)
	b.submitter = submitter.New(client, b.signer, b.config.Submitter, b.config.Beneficiary, b.pool, b.rep, db, b.logger, b.metrics)

	b.pool.Restore(b.rep.Status)

	b.initSentry()
	return nil
}

func (b *Bundler) initSentry() {
	if b.config.SentryDsn == "" {
		return
	}

	env := "production"
	if b.config.Environment == "development" {
		env = "development"
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              b.config.SentryDsn,
		ServerName:       b.config.ServerName,
		Environment:      env,
		Release:          fmt.Sprintf("%s@%s", version.Get(), version.Commit()),
		AttachStacktrace: true,
		TracesSampleRate: 1.0,
	}); err != nil {
		b.logger.Errorf("sentry initialization failed: %v", err)
	}
}

func (b *Bundler) startScheduler() error {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	b.scheduler = scheduler

	// Expiry sweeps at a quarter of the TTL keep the lag bounded without
	// hammering the shard locks.
	sweep := b.config.Mempool.MaxOpTTL / 4
	if sweep < time.Minute {
		sweep = time.Minute
	}
	if _, err := scheduler.NewJob(gocron.DurationJob(sweep), gocron.NewTask(func() {
		b.pool.Expire(time.Now().Add(-b.config.Mempool.MaxOpTTL))
	})); err != nil {
		return err
	}

	if _, err := scheduler.NewJob(gocron.DurationJob(b.config.Reputation.DecayInterval), gocron.NewTask(func() {
		b.rep.Decay()
	})); err != nil {
		return err
	}

	if _, err := scheduler.NewJob(gocron.DurationJob(b.config.Submitter.PollInterval), gocron.NewTask(func() {
		b.pollInflight(context.Background())
	})); err != nil {
		return err
	}

	scheduler.Start()
	return nil
}

func (b *Bundler) Start(ctx context.Context) error {
	b.logger.Infof("starting bundler %s on entrypoint %s", version.Get(), b.config.EntryPoint.Hex())

	if err := b.init(ctx); err != nil {
		return err
	}

	if err := b.startScheduler(); err != nil {
		return err
	}

	watchCtx, stopWatching := context.WithCancel(ctx)
	go b.watchBlocks(watchCtx)
	go b.bundleLoop(watchCtx)
	go b.startHttpServer(watchCtx)

	b.status = runningStatus

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-ctx.Done():
	}

	b.logger.Infof("shutting down...")
	b.status = shutdownStatus
	stopWatching()
	if err := b.scheduler.Shutdown(); err != nil {
		b.logger.Errorf("scheduler shutdown: %v", err)
	}
	b.stopHttpServer()
	return b.db.Close()
}

// watchBlocks feeds new head numbers into newHeads, via websocket when
// configured and by polling otherwise.
func (b *Bundler) watchBlocks(ctx context.Context) {
	if b.config.EthWsRpcUrl != "" {
		if err := b.watchBlocksWs(ctx); err != nil && ctx.Err() == nil {
			b.logger.Warnf("websocket head subscription failed, falling back to polling: %v", err)
		} else {
			return
		}
	}
	b.watchBlocksPolling(ctx)
}

func (b *Bundler) watchBlocksWs(ctx context.Context) error {
	wsClient, err := ethclient.DialContext(ctx, b.config.EthWsRpcUrl)
	if err != nil {
		return err
	}
	defer wsClient.Close()

	heads := make(chan *types.Header, 16)
	sub, err := wsClient.SubscribeNewHead(ctx, heads)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case head := <-heads:
			b.pushHead(head.Number.Uint64())
		}
	}
}

func (b *Bundler) watchBlocksPolling(ctx context.Context) {
	ticker := time.NewTicker(blockPollInterval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			num, err := b.client.BlockNumber(ctx)
			if err != nil {
				b.logger.Warnf("cannot poll block number: %v", err)
				continue
			}
			if num > last {
				last = num
				b.pushHead(num)
			}
		}
	}
}

func (b *Bundler) pushHead(block uint64) {
	select {
	case b.newHeads <- block:
	default:
		// The bundle loop is behind; it will pick up the next head.
	}
}

// bundleLoop starts one build pass per new head. Passes run in their own
// goroutine so the loop keeps receiving heads while a pass is under way; a
// newer head cancels the in-flight pass and starts from fresh chain state.
func (b *Bundler) bundleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case block := <-b.newHeads:
			// Heads may have queued up while a pass ran; only the latest
			// one matters.
			for drained := false; !drained; {
				select {
				case newer := <-b.newHeads:
					if newer > block {
						block = newer
					}
				default:
					drained = true
				}
			}

			b.buildMu.Lock()
			if b.cancelBuild != nil {
				b.cancelBuild()
			}
			passCtx, cancel := context.WithCancel(ctx)
			b.cancelBuild = cancel
			b.buildMu.Unlock()

			go b.buildPass(passCtx, block)
		}
	}
}

func (b *Bundler) buildPass(ctx context.Context, block uint64) {
	elapsing := timekeeper.NewElapsing()
	blockNum := new(big.Int).SetUint64(block)

	header, err := b.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		b.logger.Warnf("skipping build pass at block %d: %v", block, err)
		return
	}

	candidates := b.pool.SelectCandidates(header.BaseFee, b.config.Builder.MaxBundleOps, b.config.Builder.MaxBundleGas)
	if len(candidates) == 0 {
		return
	}

	bundle, err := b.builder.Build(ctx, candidates, blockNum)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			b.logger.Debugf("build pass at block %d superseded by a newer head", block)
		} else {
			b.logger.Warnf("build pass at block %d aborted: %v", block, err)
		}
		return
	}
	if bundle == nil {
		return
	}

	inflight, err := b.submitter.Submit(ctx, bundle)
	if err != nil {
		b.logger.Errorf("cannot submit bundle of %d ops: %v", len(bundle.Ops), err)
		return
	}

	b.inflightMu.Lock()
	b.inflight = append(b.inflight, inflight)
	b.inflightMu.Unlock()

	b.logger.Infof("build pass at block %d submitted %d ops in %s", block, len(bundle.Ops), elapsing.Report())
}

// pollInflight drives every open submission one step: terminal verdicts
// retire it, stale ones escalate, exhausted ones are abandoned with their
// operations left pooled.
func (b *Bundler) pollInflight(ctx context.Context) {
	b.inflightMu.Lock()
	open := make([]*submitter.InFlight, len(b.inflight))
	copy(open, b.inflight)
	b.inflightMu.Unlock()

	currentBlock, blockErr := b.client.BlockNumber(ctx)

	var keep []*submitter.InFlight
	for _, f := range open {
		status, err := b.submitter.Poll(ctx, f)
		if err != nil {
			b.logger.Warnf("cannot poll bundle %s: %v", f.ID, err)
			keep = append(keep, f)
			continue
		}

		switch status {
		case submitter.StatusPending:
			if blockErr == nil && b.submitter.IsStale(f, currentBlock) {
				if err := b.submitter.Escalate(ctx, f); err != nil {
					if errors.Is(err, submitter.ErrMaxEscalations) {
						b.logger.Errorf("abandoning bundle %s: %v", f.ID, err)
						continue
					}
					b.logger.Warnf("cannot escalate bundle %s: %v", f.ID, err)
				}
			}
			keep = append(keep, f)
		default:
			// Confirmed, failed and dropped are terminal; the submitter has
			// already updated pool and reputation.
		}
	}

	b.inflightMu.Lock()
	b.inflight = keep
	b.inflightMu.Unlock()

	if blockErr == nil {
		if err := b.submitter.CheckReorg(ctx, currentBlock); err != nil {
			b.logger.Warnf("cannot check recent inclusions for reorgs: %v", err)
		}
	}
}

func (b *Bundler) inflightCount() int {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	return len(b.inflight)
}

// SupportedEntryPoints lists the entrypoint contracts this node bundles
// for. A single v0.6 entrypoint per deployment.
func (b *Bundler) SupportedEntryPoints() []common.Address {
	return []common.Address{b.config.EntryPoint}
}
