package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/heron/pkg/admission"
	"github.com/cuemby/heron/pkg/api"
	"github.com/cuemby/heron/pkg/config"
	"github.com/cuemby/heron/pkg/dispatch"
	"github.com/cuemby/heron/pkg/events"
	"github.com/cuemby/heron/pkg/fetch"
	"github.com/cuemby/heron/pkg/health"
	"github.com/cuemby/heron/pkg/lease"
	"github.com/cuemby/heron/pkg/lock"
	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/membership"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/monitor"
	"github.com/cuemby/heron/pkg/queue"
	"github.com/cuemby/heron/pkg/reconciler"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/scheduler"
	"github.com/cuemby/heron/pkg/storage"
	"github.com/cuemby/heron/pkg/telemetry"
	"github.com/cuemby/heron/pkg/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a heron node",
	Long: `Run a heron node. Every node consumes refresh tasks; the elected master
additionally runs the watchdog, the bulk scans and the maintenance jobs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("node-addr"); addr != "" {
			cfg.Node.Address = addr
		}
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().String("node-addr", "", "Node identity for membership and the denylist (default: first non-loopback IPv4)")
	serveCmd.Flags().String("api-addr", "", "Listen address for the monitor API")
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Init(cfg.Log)
	self := cfg.NodeAddress()
	logger := log.WithNodeID(self)
	metrics.SetVersion(Version)

	logger.Info().
		Str("version", Version).
		Str("membership", cfg.Membership.Mode).
		Str("storage", cfg.Storage.Driver).
		Msg("starting heron node")

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "heron",
		ServiceVersion: Version,
		Node:           self,
		Exporter:       cfg.Telemetry.Exporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	client, err := redisstore.Connect(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer client.Close()
	metrics.UpdateComponent(metrics.ComponentRedis, true, "")

	broker := events.NewBroker(self)
	broker.Start()
	defer broker.Stop()

	recorder := monitor.NewRecorder(broker, 500)
	recorder.Start()
	defer recorder.Stop()

	gate := admission.NewGate(client, self).WithBroker(broker)
	elector, err := newElector(cfg, client, self, broker)
	if err != nil {
		return err
	}
	elector.SetVeto(gate)
	if err := elector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start membership: %w", err)
	}
	defer elector.Stop()
	metrics.UpdateComponent(metrics.ComponentMembership, true, cfg.Membership.Mode)

	locker := lock.New(client, lock.Options{
		Owner:     self,
		LeaseTTL:  cfg.Lock.LeaseTTL,
		Retries:   cfg.Lock.Retries,
		RetryStep: cfg.Lock.RetryStep,
	})
	leases := lease.NewStore(client, lease.Options{
		TTL:               cfg.Lease.TTL,
		ActiveStatusTTL:   cfg.Lease.ActiveStatusTTL,
		TerminalStatusTTL: cfg.Lease.TerminalStatusTTL,
		ClaimTTL:          cfg.Lease.RearmClaimTTL,
	})
	q := newQueue(cfg, client, self)
	dispatcher := dispatch.New(q, leases, cfg.Loop.RearmDelay)

	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.Storage.Driver,
		DataDir:     cfg.Storage.DataDir,
		PostgresDSN: cfg.Storage.Postgres,
		Influx: storage.InfluxOptions{
			URL:    cfg.Storage.Influx.URL,
			Token:  cfg.Storage.Influx.Token,
			Org:    cfg.Storage.Influx.Org,
			Bucket: cfg.Storage.Influx.Bucket,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent(metrics.ComponentStorage, true, cfg.Storage.Driver)

	fetcher, err := newFetcher(cfg)
	if err != nil {
		return err
	}

	sched, err := newScheduler(cfg, elector, gate, locker, leases, dispatcher, store, broker)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	w := worker.NewWorker(worker.Config{
		Node:         self,
		Topics:       cfg.Worker.Topics,
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		ProcessedTTL: cfg.Queue.ProcessedTTL,
		ReclaimEvery: cfg.Queue.ReclaimIdle / 2,
	}, worker.Deps{
		Client:  client,
		Queue:   q,
		Status:  leases,
		Rearm:   dispatcher,
		Locker:  locker,
		Fetcher: fetcher,
		Store:   store,
		Gate:    gate,
		Broker:  broker,
	})
	w.Start(ctx)
	defer w.Stop()
	metrics.UpdateComponent(metrics.ComponentWorker, true, "")

	prober, err := newProber(cfg)
	if err != nil {
		return err
	}
	prober.Start(ctx)
	defer prober.Stop()

	collector := metrics.NewCollector(q, leases, func(ctx context.Context) error {
		return redisstore.Ping(ctx, client)
	})
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(api.Deps{
		Entities: store,
		Statuses: leases,
		Nodes:    elector,
		Denylist: gate,
		Events:   recorder,
	})
	if err := apiServer.Start(cfg.API.Addr); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = apiServer.Shutdown(stopCtx)
	}()
	metrics.UpdateComponent(metrics.ComponentAPI, true, cfg.API.Addr)

	logger.Info().Str("api", cfg.API.Addr).Msg("heron node running")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func newElector(cfg *config.Config, client redis.UniversalClient, self string, broker *events.Broker) (membership.Elector, error) {
	switch cfg.Membership.Mode {
	case "raft":
		return membership.NewRaftElector(self, membership.RaftOptions{
			NodeID:    cfg.Membership.Raft.NodeID,
			BindAddr:  cfg.Membership.Raft.BindAddr,
			DataDir:   cfg.Membership.Raft.DataDir,
			Bootstrap: cfg.Membership.Raft.Bootstrap,
			Peers:     cfg.Membership.Raft.Peers,
			Heartbeat: cfg.Membership.HeartbeatInterval,
		}, broker)
	case "", "redis":
		return membership.NewRedisElector(client, self, membership.RedisOptions{
			Heartbeat: cfg.Membership.HeartbeatInterval,
			MasterTTL: cfg.Membership.MasterTTL,
			NodeTTL:   cfg.Membership.NodeTTL,
		}, broker), nil
	default:
		return nil, fmt.Errorf("unknown membership mode: %s", cfg.Membership.Mode)
	}
}

func newQueue(cfg *config.Config, client redis.UniversalClient, self string) *queue.Queue {
	return queue.New(client, queue.Options{
		Partitions:  cfg.Queue.Partitions,
		Group:       cfg.Queue.Group,
		Consumer:    self,
		Block:       cfg.Queue.Block,
		MaxLen:      cfg.Queue.MaxLen,
		ReclaimIdle: cfg.Queue.ReclaimIdle,
	})
}

func newFetcher(cfg *config.Config) (*fetch.Client, error) {
	loc, err := time.LoadLocation(cfg.Upstream.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream location: %w", err)
	}
	u := cfg.Upstream
	return fetch.New(fetch.Options{
		PriceURL:       u.PriceURL,
		KlineURL:       u.KlineURL,
		ETFURL:         u.ETFURL,
		TickURL:        u.TickURL,
		ConnectTimeout: u.ConnectTimeout,
		ReadTimeout:    u.ReadTimeout,
		RateLimit:      u.RateLimit,
		Burst:          u.Burst,
		Location:       loc,
		Short:          fetch.RetryPolicy{Attempts: u.ShortRetry.Attempts, Delay: u.ShortRetry.Delay, Linear: u.ShortRetry.Linear},
		Long:           fetch.RetryPolicy{Attempts: u.LongRetry.Attempts, Delay: u.LongRetry.Delay, Linear: u.LongRetry.Linear},
	}), nil
}

// newProber watches the data source and, when enabled, the InfluxDB mirror.
// Neither is critical for readiness.
func newProber(cfg *config.Config) (*health.Prober, error) {
	prober := health.NewProber(health.Config{
		Interval: cfg.Watchdog.Interval,
		Timeout:  cfg.Upstream.ConnectTimeout + cfg.Upstream.ReadTimeout,
		Retries:  3,
	})
	upstream, err := health.NewReachabilityChecker(cfg.Upstream.PriceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream price URL: %w", err)
	}
	prober.Add(metrics.ComponentUpstream, upstream)
	if cfg.Storage.Influx.Enabled() {
		prober.Add(metrics.ComponentInflux, health.NewHTTPChecker(strings.TrimRight(cfg.Storage.Influx.URL, "/")+"/health"))
	}
	return prober, nil
}

// newScheduler registers every master-only job. The watchdog and scans run
// on the master alone; the maintenance jobs additionally take a cluster lock
// so a brief dual-master window cannot run them twice.
func newScheduler(
	cfg *config.Config,
	elector membership.Elector,
	gate *admission.Gate,
	locker *lock.Locker,
	leases *lease.Store,
	dispatcher *dispatch.Dispatcher,
	store storage.Store,
	broker *events.Broker,
) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(elector, gate)
	recon := reconciler.NewReconciler(store, leases, dispatcher, broker)
	scans := scheduler.NewScans(store, dispatcher, broker)
	extrema := scheduler.NewExtrema(store, locker, cfg.Lock.Wait)

	cleanup := func(ctx context.Context) error {
		_, err := locker.RunExclusive(ctx, scheduler.JobStatusCleanup, cfg.Lock.Wait, func(ctx context.Context) error {
			_, err := leases.CleanupIndex(ctx)
			return err
		})
		return err
	}

	jobs := []struct {
		name     string
		interval time.Duration
		fn       scheduler.JobFunc
	}{
		{scheduler.JobWatchdog, cfg.Watchdog.Interval, func(ctx context.Context) error {
			_, err := recon.Reconcile(ctx)
			return err
		}},
		{scheduler.JobScanKline, cfg.Producer.KlineInterval, scans.Kline},
		{scheduler.JobScanETF, cfg.Producer.ETFInterval, scans.ETF},
		{scheduler.JobScanTick, cfg.Producer.TickInterval, scans.Tick},
		{scheduler.JobStatusCleanup, cfg.Jobs.StatusCleanupInterval, cleanup},
		{scheduler.JobExtrema, cfg.Jobs.ExtremaRecomputeInterval, extrema.Run},
	}
	for _, j := range jobs {
		if err := sched.Register(j.name, j.interval, j.fn); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", j.name, err)
		}
	}
	return sched, nil
}
