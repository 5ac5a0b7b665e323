// Package config loads the flowplane configuration from defaults, an
// optional YAML file and FLOWPLANE_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/flowplane/internal/logging"
	"github.com/t77yq/flowplane/internal/maintenance"
	"github.com/t77yq/flowplane/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. FLOWPLANE_DISTRIBUTOR_STRATEGY
const EnvPrefix = "FLOWPLANE"

type Config struct {
	App         AppConfig          `mapstructure:"app"`
	Log         logging.Config     `mapstructure:"log"`
	Agents      AgentsConfig       `mapstructure:"agents"`
	Distributor DistributorConfig  `mapstructure:"distributor"`
	Coordinator CoordinatorConfig  `mapstructure:"coordinator"`
	Maintenance maintenance.Config `mapstructure:"maintenance"`
	Storage     StorageConfig      `mapstructure:"storage"`
	NATS        NATSConfig         `mapstructure:"nats"`
	Fleet       FleetConfig        `mapstructure:"fleet"`
	Alerts      []AlertRuleConfig  `mapstructure:"alerts"`
}

type AppConfig struct {
	Name         string `mapstructure:"name"`
	WorkflowsDir string `mapstructure:"workflows_dir"`
}

type AgentsConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type DistributorConfig struct {
	Strategy          string        `mapstructure:"strategy"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	DefaultTimeout    time.Duration `mapstructure:"default_timeout"`
	EnableFailover    bool          `mapstructure:"enable_failover"`
}

type CoordinatorConfig struct {
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout"`
	CancelOnTimeout    bool          `mapstructure:"cancel_on_timeout"`
}

type StorageConfig struct {
	// Path of the SQLite database. Empty keeps all state in memory.
	Path string `mapstructure:"path"`
}

type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// FleetConfig describes the simulated agents started in-process
type FleetConfig struct {
	TaskDelay         time.Duration `mapstructure:"task_delay"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Agents            []AgentConfig `mapstructure:"agents"`
}

type AgentConfig struct {
	Name               string   `mapstructure:"name"`
	Type               string   `mapstructure:"type"`
	Capabilities       []string `mapstructure:"capabilities"`
	MaxConcurrentTasks int      `mapstructure:"max_concurrent_tasks"`
	Priority           int      `mapstructure:"priority"`
}

type AlertRuleConfig struct {
	Name      string  `mapstructure:"name"`
	Type      string  `mapstructure:"type"`
	Threshold float64 `mapstructure:"threshold"`
	Severity  string  `mapstructure:"severity"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "flowplane")
	v.SetDefault("app.workflows_dir", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "logs/flowplane.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age", 7)

	v.SetDefault("agents.heartbeat_timeout", 30*time.Second)

	v.SetDefault("distributor.strategy", string(scheduler.StrategyLeastLoaded))
	v.SetDefault("distributor.default_max_retries", scheduler.DefaultMaxRetries)
	v.SetDefault("distributor.default_timeout", scheduler.DefaultTimeout)
	v.SetDefault("distributor.enable_failover", true)

	v.SetDefault("coordinator.default_step_timeout", 5*time.Minute)
	v.SetDefault("coordinator.cancel_on_timeout", false)

	v.SetDefault("maintenance.health_check", "@every 10s")
	v.SetDefault("maintenance.queue_drain", "@every 2s")
	v.SetDefault("maintenance.workflow_cleanup", "@every 1m")
	v.SetDefault("maintenance.history_cleanup", "@every 1h")
	v.SetDefault("maintenance.metrics", "@every 30s")
	v.SetDefault("maintenance.history_retention", maintenance.DefaultHistoryRetention)

	v.SetDefault("storage.path", "flowplane.db")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("fleet.task_delay", 500*time.Millisecond)
	v.SetDefault("fleet.heartbeat_interval", 5*time.Second)
	v.SetDefault("fleet.poll_interval", 100*time.Millisecond)
	v.SetDefault("fleet.agents", []map[string]interface{}{
		{"name": "guardian-1", "type": "security-guardian", "capabilities": []string{"security-scanning", "code-review", "code-analysis"}, "max_concurrent_tasks": 2, "priority": 100},
		{"name": "tester-1", "type": "test-generator", "capabilities": []string{"test-generation", "code-analysis"}, "max_concurrent_tasks": 2, "priority": 50},
		{"name": "docs-1", "type": "documentation-updater", "capabilities": []string{"documentation", "code-formatting"}, "max_concurrent_tasks": 1, "priority": 10},
	})

	v.SetDefault("alerts", []map[string]interface{}{
		{"name": "agents offline", "type": "agent_offline", "threshold": 0, "severity": "error"},
		{"name": "queue backlog", "type": "queue_backlog", "threshold": 50, "severity": "warning"},
		{"name": "task failures", "type": "task_failure", "threshold": 5, "severity": "warning"},
		{"name": "host saturated", "type": "resource_usage", "threshold": 90, "severity": "critical"},
	})
}

// Load builds the configuration. An empty path looks for config.yaml in
// ./config and the working directory and tolerates its absence; an explicit
// path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the components would refuse at construction
func (c *Config) Validate() error {
	var errs []error

	if _, err := scheduler.NewStrategy(scheduler.StrategyType(c.Distributor.Strategy)); err != nil {
		errs = append(errs, fmt.Errorf("distributor.strategy: %w", err))
	}
	if c.Distributor.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("distributor.default_max_retries must not be negative"))
	}
	if c.Distributor.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("distributor.default_timeout must be positive"))
	}
	if c.Agents.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("agents.heartbeat_timeout must be positive"))
	}
	if c.Coordinator.DefaultStepTimeout <= 0 {
		errs = append(errs, errors.New("coordinator.default_step_timeout must be positive"))
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats.url is required when nats is enabled"))
	}
	for i, a := range c.Fleet.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("fleet.agents[%d].name is required", i))
		}
		if a.MaxConcurrentTasks <= 0 {
			errs = append(errs, fmt.Errorf("fleet.agents[%d].max_concurrent_tasks must be positive", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
