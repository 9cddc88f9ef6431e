package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "READALOUD"
	ConfigName = "readaloud"
)

type Config struct {
	Engine      EngineConfig    `mapstructure:"engine"`
	Chunking    ChunkingConfig  `mapstructure:"chunking"`
	Synthesis   SynthesisConfig `mapstructure:"synthesis"`
	Output      OutputConfig    `mapstructure:"output"`
	Playback    PlaybackConfig  `mapstructure:"playback"`
	Cache       CacheConfig     `mapstructure:"cache"`
	Log         LogConfig       `mapstructure:"log"`
	Deadline    time.Duration   `mapstructure:"deadline"`
	MetricsFile string          `mapstructure:"metrics_file"`
}

type EngineConfig struct {
	Type     string  `mapstructure:"type"`
	Voice    string  `mapstructure:"voice"`
	Language string  `mapstructure:"language"`
	Speed    float64 `mapstructure:"speed"`
	Volume   float64 `mapstructure:"volume"`
	// Command is the exec backend command line, {voice} is substituted.
	Command           string `mapstructure:"command"`
	Format            string `mapstructure:"format"`
	HTTPEndpoint      string `mapstructure:"http_endpoint"`
	HTTPAPIKey        string `mapstructure:"http_api_key"`
	GoogleCredentials string `mapstructure:"google_credentials"`
	GoogleEndpoint    string `mapstructure:"google_endpoint"`
}

// ChunkingConfig sizes chunks. A zero TargetSeconds lets the input length
// pick one.
type ChunkingConfig struct {
	TargetSeconds  float64 `mapstructure:"target_seconds"`
	MaxChars       int     `mapstructure:"max_chars"`
	MinChars       int     `mapstructure:"min_chars"`
	WordsPerMinute int     `mapstructure:"words_per_minute"`
}

// SynthesisConfig controls the worker pool. A zero Concurrency lets the
// input length pick one.
type SynthesisConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	MaxRetries        int           `mapstructure:"max_retries"`
	PerTaskTimeout    time.Duration `mapstructure:"per_task_timeout"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

type OutputConfig struct {
	Path       string        `mapstructure:"path"`
	Retain     bool          `mapstructure:"retain"`
	WorkDir    string        `mapstructure:"work_dir"`
	GapSilence time.Duration `mapstructure:"gap_silence"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type PlaybackConfig struct {
	Streaming bool   `mapstructure:"streaming"`
	Player    string `mapstructure:"player"`
	PlayAfter bool   `mapstructure:"play_after"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Dir     string        `mapstructure:"dir"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Init points v at the config file locations and the environment.
func Init(v *viper.Viper) {
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME/.readaloud")
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.type", "auto") // Auto-select best engine
	v.SetDefault("engine.voice", "")
	v.SetDefault("engine.language", "en")
	v.SetDefault("engine.speed", 1.0)
	v.SetDefault("engine.volume", 1.0)
	v.SetDefault("engine.command", "")
	v.SetDefault("engine.format", "mp3")
	v.SetDefault("engine.http_endpoint", "")
	v.SetDefault("engine.http_api_key", "")
	v.SetDefault("engine.google_credentials", "")
	v.SetDefault("engine.google_endpoint", "")

	v.SetDefault("chunking.target_seconds", 0)
	v.SetDefault("chunking.max_chars", 4800)
	v.SetDefault("chunking.min_chars", 40)
	v.SetDefault("chunking.words_per_minute", 160)

	v.SetDefault("synthesis.concurrency", 0)
	v.SetDefault("synthesis.max_retries", 2)
	v.SetDefault("synthesis.per_task_timeout", "60s")
	v.SetDefault("synthesis.retry_backoff", "500ms")
	v.SetDefault("synthesis.requests_per_second", 0)

	v.SetDefault("output.path", "")
	v.SetDefault("output.retain", false)
	v.SetDefault("output.work_dir", "")
	v.SetDefault("output.gap_silence", "0s")
	v.SetDefault("output.stale_after", "24h")

	v.SetDefault("playback.streaming", true)
	v.SetDefault("playback.player", "auto")
	v.SetDefault("playback.play_after", false)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.dir", DefaultCacheDir())
	v.SetDefault("cache.max_age", "720h")

	v.SetDefault("log.level", "warn")
	v.SetDefault("deadline", "0s")
	v.SetDefault("metrics_file", "")
}

// Load reads the config file when there is one and returns the validated
// configuration.
func Load(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Engine.Type {
	case "auto", "mock", "espeak", "google", "http", "exec":
		// ok
	default:
		return fmt.Errorf("engine.type must be one of auto|mock|espeak|google|http|exec, got %q", cfg.Engine.Type)
	}
	if cfg.Engine.Type == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must not be empty for the exec engine")
	}
	if cfg.Engine.Type == "http" && cfg.Engine.HTTPEndpoint == "" {
		return errors.New("engine.http_endpoint must not be empty for the http engine")
	}
	switch cfg.Engine.Format {
	case "mp3", "wav":
		// ok
	default:
		return errors.New("engine.format must be mp3 or wav")
	}
	if cfg.Engine.Speed <= 0 {
		return errors.New("engine.speed must be positive")
	}
	if cfg.Chunking.TargetSeconds < 0 {
		return errors.New("chunking.target_seconds must be >= 0")
	}
	if cfg.Chunking.MaxChars <= 0 {
		return errors.New("chunking.max_chars must be positive")
	}
	if cfg.Chunking.MinChars < 0 || cfg.Chunking.MinChars >= cfg.Chunking.MaxChars {
		return errors.New("chunking.min_chars must be >= 0 and below chunking.max_chars")
	}
	if cfg.Chunking.WordsPerMinute <= 0 {
		return errors.New("chunking.words_per_minute must be positive")
	}
	if cfg.Synthesis.Concurrency < 0 {
		return errors.New("synthesis.concurrency must be >= 0")
	}
	if cfg.Synthesis.MaxRetries < 0 {
		return errors.New("synthesis.max_retries must be >= 0")
	}
	if cfg.Synthesis.PerTaskTimeout < 0 || cfg.Synthesis.RetryBackoff < 0 {
		return errors.New("synthesis timeouts must not be negative")
	}
	if cfg.Synthesis.RequestsPerSecond < 0 {
		return errors.New("synthesis.requests_per_second must be >= 0")
	}
	if !cfg.Playback.Streaming && cfg.Output.Path == "" {
		return errors.New("output.path must be set when playback.streaming is off")
	}
	if cfg.Output.GapSilence < 0 || cfg.Deadline < 0 {
		return errors.New("durations must not be negative")
	}
	if cfg.Cache.Enabled && cfg.Cache.Dir == "" {
		return errors.New("cache.dir must not be empty when the cache is enabled")
	}
	return nil
}

// DefaultCacheDir returns the per-user cache location.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "readaloud")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".readaloud", "cache")
	}
	return "cache"
}
