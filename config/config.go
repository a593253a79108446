package config

import (
	"errors"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	BadgerCountersDirName = "counters"

	StoreBackendBadger = "badger"
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type Logging struct {
	Level string `yaml:"level"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StoreConfig struct {
	Backend string      `yaml:"backend"` // badger, redis, or memory
	Home    string      `yaml:"home"`
	Redis   RedisConfig `yaml:"redis"`
}

type CountersConfig struct {
	DefaultSeedShards int           `yaml:"defaultSeedShards"`
	MaxShards         int           `yaml:"maxShards"`
	ApplyRetryBudget  int           `yaml:"applyRetryBudget"`
	RetryBaseBackoff  time.Duration `yaml:"retryBaseBackoff"`
	ShardCacheTTL     time.Duration `yaml:"shardCacheTTL"`
}

type RebalanceConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
	SplitThresholdPct      float64       `yaml:"splitThresholdPct"`
	SplitFactor            int           `yaml:"splitFactor"`
	MergeTargetPoolSize    int           `yaml:"mergeTargetPoolSize"`
	MergeMinAverage        int64         `yaml:"mergeMinAverage"`
	TombstoneGrace         time.Duration `yaml:"tombstoneGrace"`
	TombstoneSweepInterval time.Duration `yaml:"tombstoneSweepInterval"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Ops     RateLimiterConfig `yaml:"ops"`
	Admin   RateLimiterConfig `yaml:"admin"`
	Watch   RateLimiterConfig `yaml:"watch"`
	Default RateLimiterConfig `yaml:"default"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type Cache struct {
	AuthTTL time.Duration `yaml:"authTTL"`
}

type Monitor struct {
	Enabled        bool     `yaml:"enabled"`
	Listen         string   `yaml:"listen"`
	HostKeyPath    string   `yaml:"hostKeyPath"`
	AuthorizedKeys []string `yaml:"authorizedKeys"`
}

type Service struct {
	InstanceSecret   string          `yaml:"instanceSecret"` // root api key is derived from this; keep it private
	Listen           string          `yaml:"listen"`
	ClientDomain     string          `yaml:"clientDomain,omitempty"`
	TLS              TLS             `yaml:"tls"`
	ClientSkipVerify bool            `yaml:"clientSkipVerify"`
	Logging          Logging         `yaml:"logging"`
	Store            StoreConfig     `yaml:"store"`
	Counters         CountersConfig  `yaml:"counters"`
	Rebalance        RebalanceConfig `yaml:"rebalance"`
	RateLimiters     RateLimiters    `yaml:"rateLimiters"`
	Sessions         SessionsConfig  `yaml:"sessions"`
	Cache            Cache           `yaml:"cache"`
	Monitor          Monitor         `yaml:"monitor"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrInstanceSecretMissing                   = errors.New("instanceSecret is missing in config")
	ErrListenMissing                           = errors.New("listen is missing in config")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrStoreBackendInvalid                     = errors.New("store.backend must be one of: badger, redis, memory")
	ErrStoreHomeMissing                        = errors.New("store.home is missing in config and is required for the badger backend")
	ErrStoreRedisAddrMissing                   = errors.New("store.redis.addr is missing in config and is required for the redis backend")
	ErrCountersSeedShardsInvalid               = errors.New("counters.defaultSeedShards is missing or invalid in config")
	ErrCountersMaxShardsInvalid                = errors.New("counters.maxShards must be at least counters.defaultSeedShards")
	ErrCountersRetryBudgetInvalid              = errors.New("counters.applyRetryBudget is missing or invalid in config")
	ErrCountersBackoffMissing                  = errors.New("counters.retryBaseBackoff is missing in config")
	ErrCountersCacheTTLMissing                 = errors.New("counters.shardCacheTTL is missing in config")
	ErrRebalanceIntervalMissing                = errors.New("rebalance.interval is missing in config")
	ErrRebalanceThresholdInvalid               = errors.New("rebalance.splitThresholdPct must be in (0, 1]")
	ErrRebalanceSplitFactorInvalid             = errors.New("rebalance.splitFactor must be at least 2")
	ErrRebalanceMergeTargetInvalid             = errors.New("rebalance.mergeTargetPoolSize is missing or invalid in config")
	ErrRebalanceTombstoneGraceMissing          = errors.New("rebalance.tombstoneGrace is missing in config")
	ErrRebalanceSweepIntervalMissing           = errors.New("rebalance.tombstoneSweepInterval is missing in config")
	ErrRateLimitersOpsLimitMissing             = errors.New("rateLimiters.ops.limit is missing in config")
	ErrRateLimitersAdminLimitMissing           = errors.New("rateLimiters.admin.limit is missing in config")
	ErrRateLimitersWatchLimitMissing           = errors.New("rateLimiters.watch.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrSessionsEventChannelSizeMissing         = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
	ErrCacheAuthTTLMissing                     = errors.New("cache.authTTL is missing in config")
	ErrMonitorListenMissing                    = errors.New("monitor.listen is missing in config")
	ErrMonitorHostKeyPathMissing               = errors.New("monitor.hostKeyPath is missing in config")
	ErrMonitorNoAuthorizedKeys                 = errors.New("monitor.authorizedKeys is empty in config")
)

func LoadConfig(configFile string) (*Service, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}

	var cfg Service
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, ErrConfigFileUnmarshallable
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate applies the same checks LoadConfig does. Exposed so callers
// that assemble a Service in code (demo mode, tests) go through one path.
func Validate(cfg *Service) error {
	if cfg.InstanceSecret == "" {
		return ErrInstanceSecretMissing
	}
	if cfg.Listen == "" {
		return ErrListenMissing
	}

	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	switch cfg.Store.Backend {
	case StoreBackendBadger:
		if cfg.Store.Home == "" {
			return ErrStoreHomeMissing
		}
	case StoreBackendRedis:
		if cfg.Store.Redis.Addr == "" {
			return ErrStoreRedisAddrMissing
		}
	case StoreBackendMemory:
	default:
		return ErrStoreBackendInvalid
	}

	if cfg.Counters.DefaultSeedShards <= 0 {
		return ErrCountersSeedShardsInvalid
	}
	if cfg.Counters.MaxShards < cfg.Counters.DefaultSeedShards {
		return ErrCountersMaxShardsInvalid
	}
	if cfg.Counters.ApplyRetryBudget <= 0 {
		return ErrCountersRetryBudgetInvalid
	}
	if cfg.Counters.RetryBaseBackoff == 0 {
		return ErrCountersBackoffMissing
	}
	if cfg.Counters.ShardCacheTTL == 0 {
		return ErrCountersCacheTTLMissing
	}

	if cfg.Rebalance.Enabled {
		if cfg.Rebalance.Interval == 0 {
			return ErrRebalanceIntervalMissing
		}
		if cfg.Rebalance.SplitThresholdPct <= 0 || cfg.Rebalance.SplitThresholdPct > 1 {
			return ErrRebalanceThresholdInvalid
		}
		if cfg.Rebalance.SplitFactor < 2 {
			return ErrRebalanceSplitFactorInvalid
		}
		if cfg.Rebalance.MergeTargetPoolSize <= 0 {
			return ErrRebalanceMergeTargetInvalid
		}
		if cfg.Rebalance.TombstoneGrace == 0 {
			return ErrRebalanceTombstoneGraceMissing
		}
		if cfg.Rebalance.TombstoneSweepInterval == 0 {
			return ErrRebalanceSweepIntervalMissing
		}
	}

	if cfg.RateLimiters.Ops.Limit == 0 {
		return ErrRateLimitersOpsLimitMissing
	}
	if cfg.RateLimiters.Admin.Limit == 0 {
		return ErrRateLimitersAdminLimitMissing
	}
	if cfg.RateLimiters.Watch.Limit == 0 {
		return ErrRateLimitersWatchLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}

	if cfg.Cache.AuthTTL == 0 {
		return ErrCacheAuthTTLMissing
	}

	if cfg.Monitor.Enabled {
		if cfg.Monitor.Listen == "" {
			return ErrMonitorListenMissing
		}
		if cfg.Monitor.HostKeyPath == "" {
			return ErrMonitorHostKeyPathMissing
		}
		if len(cfg.Monitor.AuthorizedKeys) == 0 {
			return ErrMonitorNoAuthorizedKeys
		}
	}

	return nil
}

func GenerateConfig(configFile string) (*Service, error) {
	cfg := Service{
		InstanceSecret:   uuid.NewString(),
		Listen:           "127.0.0.1:8080",
		ClientDomain:     "localhost",
		ClientSkipVerify: false,
		TLS: TLS{
			Cert: "", // leave empty to serve plain HTTP for local development
			Key:  "",
		},
		Logging: Logging{
			Level: "info",
		},
		Store: StoreConfig{
			Backend: StoreBackendBadger,
			Home:    "data/tally",
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
				DB:   0,
			},
		},
		Counters: CountersConfig{
			DefaultSeedShards: 3,
			MaxShards:         16,
			ApplyRetryBudget:  3,
			RetryBaseBackoff:  25 * time.Millisecond,
			ShardCacheTTL:     5 * time.Second,
		},
		Rebalance: RebalanceConfig{
			Enabled:                true,
			Interval:               30 * time.Second,
			SplitThresholdPct:      0.8,
			SplitFactor:            3,
			MergeTargetPoolSize:    4,
			MergeMinAverage:        16,
			TombstoneGrace:         10 * time.Minute,
			TombstoneSweepInterval: time.Minute,
		},
		RateLimiters: RateLimiters{
			Ops:     RateLimiterConfig{Limit: 200.0, Burst: 400},
			Admin:   RateLimiterConfig{Limit: 50.0, Burst: 100},
			Watch:   RateLimiterConfig{Limit: 100.0, Burst: 200},
			Default: RateLimiterConfig{Limit: 100.0, Burst: 200},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
		Cache: Cache{
			AuthTTL: 5 * time.Minute,
		},
		Monitor: Monitor{
			Enabled:     false,
			Listen:      "127.0.0.1:2222",
			HostKeyPath: ".ssh/tally_monitor_ed25519",
		},
	}

	// The configFile argument is not used to generate the content; the actual
	// writing to a file based on a command-line flag is handled by the daemon
	// entry point.
	return &cfg, nil
}
