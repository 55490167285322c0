package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and optionally a
// config file. Environment variables take precedence over values from the
// config file, which take precedence over built-in defaults.
// Returns a populated Config struct or an error if loading/validation fails.
//
// configFile may be empty, in which case only defaults and environment
// variables (prefixed CONVEYOR_, nested keys joined with underscores, e.g.
// CONVEYOR_WORKER_CONCURRENCY) are consulted.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks a Config against its struct validation tags and returns
// a descriptive error listing every failed field.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// setDefaults registers the Default() values with viper so partial
// configuration files and environments still yield a complete Config.
func setDefaults(v *viper.Viper) {
	def := Default()

	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.log_level", def.Server.LogLevel)

	v.SetDefault("broker.driver", def.Broker.Driver)
	v.SetDefault("broker.database_url", "")
	v.SetDefault("broker.visibility_timeout", def.Broker.VisibilityTimeout)

	v.SetDefault("result_store.driver", def.ResultStore.Driver)
	v.SetDefault("result_store.ttl", def.ResultStore.TTL)

	v.SetDefault("worker.queues", def.Worker.Queues)
	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.hostname", "")
	v.SetDefault("worker.task_time_limit", def.Worker.TaskTimeLimit)

	v.SetDefault("retry.max_retries", def.Retry.MaxRetries)
	v.SetDefault("retry.backoff_base", def.Retry.BackoffBase)
	v.SetDefault("retry.backoff_max", def.Retry.BackoffMax)
	v.SetDefault("retry.backoff_jitter", def.Retry.BackoffJitter)

	v.SetDefault("beat.tick_interval", def.Beat.TickInterval)
	v.SetDefault("beat.state_file", "")
}
