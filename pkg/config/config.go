package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/sandboxd/pkg/agent"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/pool"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is sandboxd's full runtime configuration, assembled by Load from a
// YAML file, environment variables (prefixed SANDBOXD_) and bound CLI
// flags, in ascending precedence.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	LogLevel string
	LogJSON  bool

	CallbackAddr    string
	CallbackBaseURL string
	APIAddr         string
	APIAdminSecret  string

	Host  HostConfig
	Pool  PoolConfig
	Sched TimeoutConfig
	Agent AgentConfig

	SourceHost SourceHostConfig
}

// HostConfig configures the outbound host gateway client (§6.2).
type HostConfig struct {
	BaseURL      string
	SharedSecret string
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// PoolConfig configures the pool manager (§4.4).
type PoolConfig struct {
	GenericTarget      int
	GenericMin         int
	GenericMaxCreating int
	RepoTarget         int
	HotRepoWindow      time.Duration
	MaxCreating        int
	StaleAssignedAfter time.Duration
}

// TimeoutConfig configures the scheduler's batch size and per-state
// timeouts (§4.3).
type TimeoutConfig struct {
	BatchSize int

	CreatingTimeout   time.Duration
	CloningTimeout    time.Duration
	InstallingTimeout time.Duration
	StartingTimeout   time.Duration

	HeartbeatWarning time.Duration
	HeartbeatStop    time.Duration

	DestroyedRetention time.Duration
}

// AgentConfig configures the agent loop (§4.5).
type AgentConfig struct {
	MaxIterations       int
	ConversationWindow  int
	FlushInterval       time.Duration
	FlushMinChars       int
	StopCheckInterval   time.Duration
	OutputTruncateBytes int
	ExecTimeout         time.Duration
}

// SourceHostConfig configures the OAuth app registration used to mint
// per-user source-host clients (§6.3).
type SourceHostConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Default returns sandboxd's built-in defaults, equal in meaning to the
// component-level DefaultConfig helpers they're sourced from.
func Default() Config {
	poolCfg := pool.DefaultConfig()
	schedCfg := scheduler.DefaultConfig()
	agentCfg := agent.DefaultConfig()

	return Config{
		NodeID:       "node-1",
		BindAddr:     "127.0.0.1:7000",
		DataDir:      "./data",
		LogLevel:     "info",
		LogJSON:      false,
		CallbackAddr:    "0.0.0.0:8081",
		CallbackBaseURL: "http://127.0.0.1:8081",
		APIAddr:         "0.0.0.0:8082",
		Host: HostConfig{
			RetryMax:     3,
			RetryWaitMin: 2 * time.Second,
			RetryWaitMax: 8 * time.Second,
		},
		Pool: PoolConfig{
			GenericTarget:      poolCfg.GenericTarget,
			GenericMin:         poolCfg.GenericMin,
			GenericMaxCreating: poolCfg.GenericMaxCreating,
			RepoTarget:         poolCfg.RepoTarget,
			HotRepoWindow:      poolCfg.HotRepoWindow,
			MaxCreating:        poolCfg.MaxCreating,
			StaleAssignedAfter: poolCfg.StaleAssignedAfter,
		},
		Sched: TimeoutConfig{
			BatchSize:          schedCfg.BatchSize,
			CreatingTimeout:    schedCfg.CreatingTimeout,
			CloningTimeout:     schedCfg.CloningTimeout,
			InstallingTimeout:  schedCfg.InstallingTimeout,
			StartingTimeout:    schedCfg.StartingTimeout,
			HeartbeatWarning:   schedCfg.HeartbeatWarning,
			HeartbeatStop:      schedCfg.HeartbeatStop,
			DestroyedRetention: schedCfg.DestroyedRetention,
		},
		Agent: AgentConfig{
			MaxIterations:       agentCfg.MaxIterations,
			ConversationWindow:  agentCfg.ConversationWindow,
			FlushInterval:       agentCfg.FlushInterval,
			FlushMinChars:       agentCfg.FlushMinChars,
			StopCheckInterval:   agentCfg.StopCheckInterval,
			OutputTruncateBytes: agentCfg.OutputTruncateBytes,
			ExecTimeout:         agentCfg.ExecTimeout,
		},
	}
}

// BindFlags registers the subset of Config exposed as CLI flags, mirroring
// the teacher's rootCmd.PersistentFlags() calls in cmd/warren/main.go.
func BindFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("node-id", d.NodeID, "Node ID")
	flags.String("bind-addr", d.BindAddr, "Raft bind address")
	flags.String("data-dir", d.DataDir, "Data directory")
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", d.LogJSON, "Output logs in JSON format")
	flags.String("callback-addr", d.CallbackAddr, "Inbound sandbox-status callback listen address")
	flags.String("callback-base-url", d.CallbackBaseURL, "Externally-reachable base URL the host daemon posts sandbox-status callbacks to")
	flags.String("api-addr", d.APIAddr, "Admin API listen address")
	flags.String("api-admin-secret", "", "Bearer token required on the admin API (empty disables auth)")
	flags.String("host-base-url", "", "Host daemon base URL")
	flags.String("host-shared-secret", "", "Host daemon bearer secret")
}

// Load assembles Config from defaults, an optional YAML file at path (skipped
// if empty or missing), environment variables prefixed SANDBOXD_, and flags
// already bound onto v via BindFlags. Precedence, highest first: flags, env,
// file, defaults.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("sandboxd")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return cfg, fmt.Errorf("bind flags: %w", err)
		}
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return cfg, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	applyOverride(v, "node-id", &cfg.NodeID)
	applyOverride(v, "bind-addr", &cfg.BindAddr)
	applyOverride(v, "data-dir", &cfg.DataDir)
	applyOverride(v, "log-level", &cfg.LogLevel)
	applyOverride(v, "callback-addr", &cfg.CallbackAddr)
	applyOverride(v, "callback-base-url", &cfg.CallbackBaseURL)
	applyOverride(v, "api-addr", &cfg.APIAddr)
	applyOverride(v, "api-admin-secret", &cfg.APIAdminSecret)
	applyOverride(v, "host-base-url", &cfg.Host.BaseURL)
	applyOverride(v, "host-shared-secret", &cfg.Host.SharedSecret)

	if v.IsSet("log-json") {
		cfg.LogJSON = v.GetBool("log-json")
	}

	return cfg, nil
}

// applyOverride sets *dst from v's key only when viper actually has a value
// for it, so an unset flag/env/file entry never clobbers the built-in
// default already in *dst.
func applyOverride(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		if s := v.GetString(key); s != "" {
			*dst = s
		}
	}
}

// InitLogging wires Config's logging fields into pkg/log, mirroring the
// teacher's cmd/warren initLogging cobra.OnInitialize hook.
func InitLogging(cfg Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}
