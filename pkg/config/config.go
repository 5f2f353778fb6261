package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
	_ "time/tzdata" // exchange time zones on hosts without zoneinfo

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/redisstore"
	"gopkg.in/yaml.v3"
)

// Config is the complete node configuration
type Config struct {
	Node       NodeConfig        `yaml:"node"`
	Log        log.Config        `yaml:"log"`
	Redis      redisstore.Config `yaml:"redis"`
	Membership MembershipConfig  `yaml:"membership"`
	Lock       LockConfig        `yaml:"lock"`
	Lease      LeaseConfig       `yaml:"lease"`
	Queue      QueueConfig       `yaml:"queue"`
	Worker     WorkerConfig      `yaml:"worker"`
	Loop       LoopConfig        `yaml:"loop"`
	Watchdog   WatchdogConfig    `yaml:"watchdog"`
	Producer   ProducerConfig    `yaml:"producer"`
	Jobs       JobsConfig        `yaml:"jobs"`
	Upstream   UpstreamConfig    `yaml:"upstream"`
	Storage    StorageConfig     `yaml:"storage"`
	API        APIConfig         `yaml:"api"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
}

// NodeConfig identifies this process in the cluster
type NodeConfig struct {
	// Address is the node identity used for membership and the denylist.
	// Empty means the first non-loopback IPv4 address of the host.
	Address string `yaml:"address"`
}

// MembershipConfig selects and tunes leader election
type MembershipConfig struct {
	Mode              string        `yaml:"mode"` // redis | raft
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MasterTTL         time.Duration `yaml:"master_ttl"`
	NodeTTL           time.Duration `yaml:"node_ttl"`
	Raft              RaftConfig    `yaml:"raft"`
}

// RaftConfig configures the raft elector
type RaftConfig struct {
	NodeID    string   `yaml:"node_id"`
	BindAddr  string   `yaml:"bind_addr"`
	DataDir   string   `yaml:"data_dir"`
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"` // id=host:port
}

// LockConfig tunes the cluster lock
type LockConfig struct {
	LeaseTTL  time.Duration `yaml:"lease_ttl"`
	Wait      time.Duration `yaml:"wait"`
	Retries   int           `yaml:"retries"`
	RetryStep time.Duration `yaml:"retry_step"`
}

// LeaseConfig tunes liveness and status records
type LeaseConfig struct {
	TTL               time.Duration `yaml:"ttl"`
	ActiveStatusTTL   time.Duration `yaml:"active_status_ttl"`
	TerminalStatusTTL time.Duration `yaml:"terminal_status_ttl"`
	RearmClaimTTL     time.Duration `yaml:"rearm_claim_ttl"`
}

// QueueConfig tunes the stream-backed work queue
type QueueConfig struct {
	Partitions   int           `yaml:"partitions"`
	Group        string        `yaml:"group"`
	Block        time.Duration `yaml:"block"`
	MaxLen       int64         `yaml:"max_len"`
	ReclaimIdle  time.Duration `yaml:"reclaim_idle"`
	ProcessedTTL time.Duration `yaml:"processed_ttl"`
}

// WorkerConfig sizes the consumer pool
type WorkerConfig struct {
	Concurrency int      `yaml:"concurrency"`
	BatchSize   int      `yaml:"batch_size"`
	Topics      []string `yaml:"topics"` // empty means every topic
}

// LoopConfig tunes the self-perpetuating refresh loop
type LoopConfig struct {
	RearmDelay time.Duration `yaml:"rearm_delay"`
}

// WatchdogConfig tunes the stalled-loop detector
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// ProducerConfig sets the cadence of bulk scans. Zero disables a scan.
type ProducerConfig struct {
	KlineInterval time.Duration `yaml:"kline_interval"`
	ETFInterval   time.Duration `yaml:"etf_interval"`
	TickInterval  time.Duration `yaml:"tick_interval"`
}

// JobsConfig sets the cadence of cluster-serialized maintenance jobs
type JobsConfig struct {
	StatusCleanupInterval    time.Duration `yaml:"status_cleanup_interval"`
	ExtremaRecomputeInterval time.Duration `yaml:"extrema_recompute_interval"`
}

// UpstreamConfig describes the price source
type UpstreamConfig struct {
	PriceURL       string        `yaml:"price_url"`
	KlineURL       string        `yaml:"kline_url"`
	ETFURL         string        `yaml:"etf_url"`
	TickURL        string        `yaml:"tick_url"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int           `yaml:"burst"`
	Location       string        `yaml:"location"` // exchange time zone
	ShortRetry     RetryConfig   `yaml:"short_retry"`
	LongRetry      RetryConfig   `yaml:"long_retry"`
}

// RetryConfig is an attempt bound plus a delay between attempts
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Linear   bool          `yaml:"linear"` // delay * attempt instead of constant delay
}

// StorageConfig selects the observation sink
type StorageConfig struct {
	Driver   string       `yaml:"driver"` // bolt | postgres
	DataDir  string       `yaml:"data_dir"`
	Postgres string       `yaml:"postgres_dsn"`
	Influx   InfluxConfig `yaml:"influx"`
}

// InfluxConfig enables the optional time-series mirror
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether a mirror is configured
func (c InfluxConfig) Enabled() bool { return c.URL != "" && c.Bucket != "" }

// APIConfig configures the monitor HTTP server
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// TelemetryConfig selects a trace exporter
type TelemetryConfig struct {
	Exporter string `yaml:"exporter"` // none | stdout
}

// Default returns a configuration with every value populated
func Default() *Config {
	return &Config{
		Log:   log.Config{Level: log.InfoLevel},
		Redis: redisstore.DefaultConfig(),
		Membership: MembershipConfig{
			Mode:              "redis",
			HeartbeatInterval: 5 * time.Second,
			MasterTTL:         15 * time.Second,
			NodeTTL:           15 * time.Second,
			Raft: RaftConfig{
				BindAddr: "127.0.0.1:7946",
				DataDir:  "/var/lib/heron/raft",
			},
		},
		Lock: LockConfig{
			LeaseTTL:  30 * time.Second,
			Wait:      5 * time.Second,
			Retries:   3,
			RetryStep: time.Second,
		},
		Lease: LeaseConfig{
			TTL:               5 * time.Minute,
			ActiveStatusTTL:   30 * time.Minute,
			TerminalStatusTTL: 5 * time.Minute,
			RearmClaimTTL:     6 * time.Hour,
		},
		Queue: QueueConfig{
			Partitions:   4,
			Group:        "heron-workers",
			Block:        2 * time.Second,
			MaxLen:       100000,
			ReclaimIdle:  5 * time.Minute,
			ProcessedTTL: 2 * time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency: 16,
			BatchSize:   10,
		},
		Loop:     LoopConfig{RearmDelay: 10 * time.Second},
		Watchdog: WatchdogConfig{Interval: 30 * time.Second},
		Producer: ProducerConfig{
			KlineInterval: 5 * time.Minute,
			ETFInterval:   5 * time.Minute,
			TickInterval:  time.Minute,
		},
		Jobs: JobsConfig{
			StatusCleanupInterval:    30 * time.Second,
			ExtremaRecomputeInterval: time.Hour,
		},
		Upstream: UpstreamConfig{
			PriceURL:       "https://push2.eastmoney.com/api/qt/stock/get?secid={secid}&fltt=2&fields=f43,f44,f45,f46,f47,f57,f58,f60,f86,f169,f170",
			KlineURL:       "https://push2his.eastmoney.com/api/qt/stock/kline/get?secid={secid}&klt=101&fqt=1&lmt=30&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55,f56,f57",
			ETFURL:         "https://push2.eastmoney.com/api/qt/stock/get?secid={secid}&fltt=2&fields=f43,f44,f45,f46,f47,f57,f58,f60,f86,f169,f170",
			TickURL:        "https://push2.eastmoney.com/api/qt/stock/details/get?secid={secid}&pos=-50&fields1=f1,f2,f3&fields2=f51,f52,f53,f54,f55",
			ConnectTimeout: 3 * time.Second,
			ReadTimeout:    5 * time.Second,
			RateLimit:      20,
			Burst:          5,
			Location:       "Asia/Shanghai",
			ShortRetry:     RetryConfig{Attempts: 3, Delay: 300 * time.Millisecond, Linear: true},
			LongRetry:      RetryConfig{Attempts: 30, Delay: 2 * time.Minute},
		},
		Storage: StorageConfig{
			Driver:  "bolt",
			DataDir: "/var/lib/heron",
		},
		API:       APIConfig{Addr: ":8080"},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work
func (c *Config) Validate() error {
	var errs []error

	if err := c.Redis.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Membership.Mode {
	case "redis":
		if c.Membership.MasterTTL <= c.Membership.HeartbeatInterval {
			errs = append(errs, errors.New("membership.master_ttl must exceed heartbeat_interval"))
		}
	case "raft":
		if c.Membership.Raft.BindAddr == "" || c.Membership.Raft.DataDir == "" {
			errs = append(errs, errors.New("membership.raft requires bind_addr and data_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown membership mode: %s", c.Membership.Mode))
	}
	if c.Lock.LeaseTTL <= 0 || c.Lock.Wait <= 0 || c.Lock.Retries < 0 {
		errs = append(errs, errors.New("lock lease_ttl and wait must be positive, retries non-negative"))
	}
	if c.Lease.TTL <= c.Loop.RearmDelay {
		errs = append(errs, errors.New("lease.ttl must exceed loop.rearm_delay"))
	}
	if c.Queue.Partitions < 1 {
		errs = append(errs, errors.New("queue.partitions must be at least 1"))
	}
	if c.Queue.Group == "" {
		errs = append(errs, errors.New("queue.group is required"))
	}
	if c.Worker.Concurrency < 1 || c.Worker.BatchSize < 1 {
		errs = append(errs, errors.New("worker concurrency and batch_size must be at least 1"))
	}
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if c.Upstream.ConnectTimeout <= 0 || c.Upstream.ReadTimeout <= 0 {
		errs = append(errs, errors.New("upstream timeouts must be positive"))
	}
	if c.Upstream.ShortRetry.Attempts < 1 || c.Upstream.LongRetry.Attempts < 1 {
		errs = append(errs, errors.New("upstream retry attempts must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Upstream.Location); err != nil {
		errs = append(errs, fmt.Errorf("upstream.location: %w", err))
	}
	switch c.Storage.Driver {
	case "bolt":
		if c.Storage.DataDir == "" {
			errs = append(errs, errors.New("storage.data_dir is required for bolt"))
		}
	case "postgres":
		if c.Storage.Postgres == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver: %s", c.Storage.Driver))
	}

	return errors.Join(errs...)
}

// NodeAddress returns the configured node address or detects one
func (c *Config) NodeAddress() string {
	if c.Node.Address != "" {
		return c.Node.Address
	}
	return DetectAddress()
}

// DetectAddress returns the first non-loopback IPv4 address of the host,
// falling back to the hostname.
func DetectAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					return ip4.String()
				}
			}
		}
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "127.0.0.1"
}
