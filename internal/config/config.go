package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andresmejia3/bodytrack/internal/bodytrack"
	"github.com/andresmejia3/bodytrack/internal/notify"
)

// EnvPrefix prefixes environment overrides, e.g. BODYTRACK_TRACKER_CPU_ONLY.
const EnvPrefix = "BODYTRACK"

type Config struct {
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Driver   DriverConfig   `mapstructure:"driver"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

type TrackerConfig struct {
	Orientation       string        `mapstructure:"orientation"`
	CPUOnly           bool          `mapstructure:"cpu_only"`
	InputQueueSize    int           `mapstructure:"input_queue_size"`
	MaxInFlightFrames int           `mapstructure:"max_in_flight_frames"`
	TemporalSmoothing float32       `mapstructure:"temporal_smoothing"`
	DrainGrace        time.Duration `mapstructure:"drain_grace"`
}

type WorkerConfig struct {
	Command []string `mapstructure:"command"`
}

type DriverConfig struct {
	CaptureTimeout  time.Duration `mapstructure:"capture_timeout"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
	RetrieveTimeout time.Duration `mapstructure:"retrieve_timeout"`
	RealTime        bool          `mapstructure:"real_time"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Addr       string        `mapstructure:"addr"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	Channel    string        `mapstructure:"channel"`
	PresentTTL time.Duration `mapstructure:"present_ttl"`
}

type LogConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Load reads the YAML file at path on top of the defaults. An empty path
// skips the file; environment overrides apply either way.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := bodytrack.DefaultConfig()
	v.SetDefault("tracker.orientation", def.SensorOrientation.String())
	v.SetDefault("tracker.cpu_only", def.CPUOnly)
	v.SetDefault("tracker.input_queue_size", def.InputQueueSize)
	v.SetDefault("tracker.max_in_flight_frames", def.MaxInFlightFrames)
	v.SetDefault("tracker.temporal_smoothing", def.TemporalSmoothing)
	v.SetDefault("tracker.drain_grace", def.DrainGrace)

	v.SetDefault("worker.command", []string{"python3", "-u", "python/bodytrack_worker.py"})

	v.SetDefault("driver.capture_timeout", time.Second)
	v.SetDefault("driver.submit_timeout", time.Second)
	v.SetDefault("driver.retrieve_timeout", 5*time.Second)
	v.SetDefault("driver.real_time", false)

	v.SetDefault("database.url", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "bodytrack:presence")
	v.SetDefault("redis.present_ttl", 10*time.Minute)

	v.SetDefault("log.mode", "debug")
	v.SetDefault("log.level", "info")
}

// Validate checks the fields the pipeline cannot check itself.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Tracker.Pipeline(); err != nil {
		errs = append(errs, fmt.Errorf("tracker: %w", err))
	}
	if len(c.Worker.Command) == 0 {
		errs = append(errs, errors.New("worker: command is empty"))
	}
	if c.Log.Mode != "debug" && c.Log.Mode != "release" {
		errs = append(errs, fmt.Errorf("log: mode %q is neither debug nor release", c.Log.Mode))
	}
	return errors.Join(errs...)
}

// Pipeline converts the tracker section into a pipeline configuration.
func (t TrackerConfig) Pipeline() (bodytrack.Config, error) {
	o, err := bodytrack.ParseOrientation(t.Orientation)
	if err != nil {
		return bodytrack.Config{}, err
	}
	cfg := bodytrack.Config{
		SensorOrientation: o,
		CPUOnly:           t.CPUOnly,
		InputQueueSize:    t.InputQueueSize,
		MaxInFlightFrames: t.MaxInFlightFrames,
		TemporalSmoothing: t.TemporalSmoothing,
		DrainGrace:        t.DrainGrace,
	}
	return cfg, cfg.Validate()
}

// Notify converts the redis section into a publisher configuration.
func (r RedisConfig) Notify() notify.Config {
	return notify.Config{
		Addr:       r.Addr,
		Password:   r.Password,
		DB:         r.DB,
		Channel:    r.Channel,
		PresentTTL: r.PresentTTL,
	}
}
