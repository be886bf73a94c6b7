package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds broker daemon configuration. Values come from a YAML config
// file, BURROW_* environment variables, and built-in defaults, in that
// order of precedence.
type Config struct {
	NodeID   string `mapstructure:"node_id"`
	DataDir  string `mapstructure:"data_dir"`
	APIAddr  string `mapstructure:"api_addr"`
	RaftAddr string `mapstructure:"raft_addr"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
	} `mapstructure:"log"`

	Reconciler struct {
		Interval    time.Duration `mapstructure:"interval"`
		GCGrace     time.Duration `mapstructure:"gc_grace"`
		MaxParallel int           `mapstructure:"max_parallel"`
	} `mapstructure:"reconciler"`

	Scheduler struct {
		SweepInterval      time.Duration `mapstructure:"sweep_interval"`
		DefaultIdleTimeout time.Duration `mapstructure:"default_idle_timeout"`
	} `mapstructure:"scheduler"`

	Pipeline struct {
		Workers      int           `mapstructure:"workers"`
		MaxRetries   int           `mapstructure:"max_retries"`
		BackoffBase  time.Duration `mapstructure:"backoff_base"`
		BackoffCap   time.Duration `mapstructure:"backoff_cap"`
		TaskDeadline time.Duration `mapstructure:"task_deadline"`
	} `mapstructure:"pipeline"`

	Tunnel struct {
		ListenAddr  string        `mapstructure:"listen_addr"`
		CertFile    string        `mapstructure:"cert_file"`
		KeyFile     string        `mapstructure:"key_file"`
		TicketTTL   time.Duration `mapstructure:"ticket_ttl"`
		IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"tunnel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("data_dir", "/var/lib/burrow")
	v.SetDefault("api_addr", ":8440")
	v.SetDefault("raft_addr", ":8441")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("reconciler.interval", 10*time.Second)
	v.SetDefault("reconciler.gc_grace", 5*time.Minute)
	v.SetDefault("reconciler.max_parallel", 8)

	v.SetDefault("scheduler.sweep_interval", 30*time.Second)
	v.SetDefault("scheduler.default_idle_timeout", 30*time.Minute)

	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.max_retries", 5)
	v.SetDefault("pipeline.backoff_base", 2*time.Second)
	v.SetDefault("pipeline.backoff_cap", 60*time.Second)
	v.SetDefault("pipeline.task_deadline", 15*time.Minute)

	v.SetDefault("tunnel.listen_addr", ":8443")
	v.SetDefault("tunnel.cert_file", "")
	v.SetDefault("tunnel.key_file", "")
	v.SetDefault("tunnel.ticket_ttl", 60*time.Second)
	v.SetDefault("tunnel.idle_timeout", 2*time.Minute)
}

// Load reads configuration from the given file (optional; pass "" to use
// defaults and environment only).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
