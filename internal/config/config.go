package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"       validate:"required"`
	Broker      BrokerConfig      `mapstructure:"broker"       validate:"required"`
	ResultStore ResultStoreConfig `mapstructure:"result_store" validate:"required"`
	Worker      WorkerConfig      `mapstructure:"worker"       validate:"required"`
	Retry       RetryConfig       `mapstructure:"retry"        validate:"required"`
	Beat        BeatConfig        `mapstructure:"beat"`
}

// ServerConfig contains settings for the HTTP producer API.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// BrokerConfig selects and tunes the message transport.
type BrokerConfig struct {
	// Driver selects the broker backend: "memory" for a single-process
	// in-memory broker, "postgres" for the durable SQL-backed broker.
	Driver string `mapstructure:"driver" validate:"required,oneof=memory postgres"`

	// DatabaseURL is required when Driver is "postgres".
	DatabaseURL string `mapstructure:"database_url" validate:"required_if=Driver postgres,omitempty,url"`

	// VisibilityTimeout is how long a dequeued-but-unacked message stays
	// invisible to other workers before it is redelivered.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required,gt=0"`
}

// ResultStoreConfig tunes task result retention.
type ResultStoreConfig struct {
	// Driver selects the result backend: "memory" or "postgres".
	// The postgres result store shares Broker.DatabaseURL.
	Driver string `mapstructure:"driver" validate:"required,oneof=memory postgres"`

	// TTL is how long results of terminal tasks are retained before expiry.
	TTL time.Duration `mapstructure:"ttl" validate:"required,gt=0"`
}

// WorkerConfig contains settings for worker processes.
type WorkerConfig struct {
	// Queues lists the queues a worker polls, highest priority first.
	Queues []string `mapstructure:"queues" validate:"required,min=1,dive,required"`

	// Concurrency is the number of concurrent executor goroutines.
	Concurrency int `mapstructure:"concurrency" validate:"required,gt=0"`

	// Hostname identifies this worker in logs and leases. Defaults to the
	// OS hostname when empty.
	Hostname string `mapstructure:"hostname"`

	// TaskTimeLimit is the default hard execution time limit for handlers
	// that do not declare their own.
	TaskTimeLimit time.Duration `mapstructure:"task_time_limit" validate:"required,gt=0"`
}

// RetryConfig parameterizes the retry policy engine.
type RetryConfig struct {
	// MaxRetries is the default retry budget for tasks that do not
	// declare their own.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0"`

	// BackoffBase is the delay before the first retry; each subsequent
	// retry doubles it.
	BackoffBase time.Duration `mapstructure:"backoff_base" validate:"required,gt=0"`

	// BackoffMax caps the computed retry delay.
	BackoffMax time.Duration `mapstructure:"backoff_max" validate:"required,gt=0"`

	// BackoffJitter is the upper bound of the random jitter added to each
	// retry delay.
	BackoffJitter time.Duration `mapstructure:"backoff_jitter" validate:"gte=0"`
}

// BeatConfig contains the scheduler's tick interval and schedule table.
type BeatConfig struct {
	// TickInterval is how often the scheduler evaluates the schedule table.
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"omitempty,gt=0"`

	// StateFile persists per-entry next-fire times across restarts so a
	// missed window fires once on recovery. Empty disables persistence.
	StateFile string `mapstructure:"state_file"`

	// Schedule is the static schedule table.
	Schedule []ScheduleConfig `mapstructure:"schedule" validate:"dive"`
}

// ScheduleConfig is one entry in the schedule table. Exactly one of Every
// or Cron must be set.
type ScheduleConfig struct {
	Name    string         `mapstructure:"name"    validate:"required"`
	Task    string         `mapstructure:"task"    validate:"required"`
	Queue   string         `mapstructure:"queue"`
	Every   time.Duration  `mapstructure:"every"   validate:"required_without=Cron,excluded_with=Cron"`
	Cron    string         `mapstructure:"cron"    validate:"required_without=Every"`
	Args    map[string]any `mapstructure:"args"`
	Enabled bool           `mapstructure:"enabled"`
}

// Default returns a Config populated with development-friendly defaults:
// in-memory broker and result store, one default queue, two workers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: "info",
		},
		Broker: BrokerConfig{
			Driver:            "memory",
			VisibilityTimeout: 30 * time.Second,
		},
		ResultStore: ResultStoreConfig{
			Driver: "memory",
			TTL:    time.Hour,
		},
		Worker: WorkerConfig{
			Queues:        []string{"default"},
			Concurrency:   2,
			TaskTimeLimit: 5 * time.Minute,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BackoffBase:   2 * time.Second,
			BackoffMax:    10 * time.Minute,
			BackoffJitter: time.Second,
		},
		Beat: BeatConfig{
			TickInterval: time.Second,
		},
	}
}
