package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the complete pipeline configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Storage  StorageConfig  `mapstructure:"storage"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP surface
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string `mapstructure:"addr"`
	// StaticDir is served at / when set
	StaticDir string `mapstructure:"static_dir"`
	// SubmitPerMinute caps job submissions per client (0 = unlimited)
	SubmitPerMinute int `mapstructure:"submit_per_minute"`
	// RetainCompletedMinutes forgets completed jobs after this many minutes (0 = keep forever)
	RetainCompletedMinutes int `mapstructure:"retain_completed_minutes"`
}

// PipelineConfig controls task execution
type PipelineConfig struct {
	// Concurrency is the default gate size for a started job
	Concurrency int `mapstructure:"concurrency"`
	// MaxRetries is the default retry budget per task
	MaxRetries int `mapstructure:"max_retries"`
	// GeneratorBackoffMs is the pause after a failed generator call
	GeneratorBackoffMs     int `mapstructure:"generator_backoff_ms"`
	CompileTimeoutSeconds  int `mapstructure:"compile_timeout_seconds"`
	GenerateTimeoutSeconds int `mapstructure:"generate_timeout_seconds"`
	InspectTimeoutSeconds  int `mapstructure:"inspect_timeout_seconds"`
	// EnhancePrompts asks the text model to rewrite prompts before falling back to the template
	EnhancePrompts bool `mapstructure:"enhance_prompts"`
}

// StorageConfig controls where artifacts and the report archive live
type StorageConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	// ArchivePath is the sqlite report archive ("" disables archiving)
	ArchivePath string `mapstructure:"archive_path"`
}

// LLMConfig points at an OpenAI-compatible endpoint
type LLMConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TextModel      string `mapstructure:"text_model"`
	ImageModel     string `mapstructure:"image_model"`
	VisionModel    string `mapstructure:"vision_model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// LoggingConfig controls the structured log
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Dir holds pipeline.log; empty logs to stderr
	Dir string `mapstructure:"dir"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			SubmitPerMinute: 10,
		},
		Pipeline: PipelineConfig{
			Concurrency:            3,
			MaxRetries:             2,
			GeneratorBackoffMs:     2000,
			CompileTimeoutSeconds:  60,
			GenerateTimeoutSeconds: 180,
			InspectTimeoutSeconds:  60,
			EnhancePrompts:         true,
		},
		Storage: StorageConfig{
			OutputDir:   "./outputs",
			ArchivePath: "./jobs.db",
		},
		LLM: LLMConfig{
			BaseURL:        "http://localhost:1234/v1",
			TextModel:      "gemini-3-flash-preview",
			ImageModel:     "gemini-3-pro-image-preview",
			VisionModel:    "gemini-3-flash-preview",
			TimeoutSeconds: 180,
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
	}
}

func (c *PipelineConfig) GeneratorBackoff() time.Duration {
	return time.Duration(c.GeneratorBackoffMs) * time.Millisecond
}

func (c *PipelineConfig) CompileTimeout() time.Duration {
	return time.Duration(c.CompileTimeoutSeconds) * time.Second
}

func (c *PipelineConfig) GenerateTimeout() time.Duration {
	return time.Duration(c.GenerateTimeoutSeconds) * time.Second
}

func (c *PipelineConfig) InspectTimeout() time.Duration {
	return time.Duration(c.InspectTimeoutSeconds) * time.Second
}

func (c *ServerConfig) RetainCompleted() time.Duration {
	return time.Duration(c.RetainCompletedMinutes) * time.Minute
}

func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SetDefaults registers every default with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.static_dir", defaults.Server.StaticDir)
	viper.SetDefault("server.submit_per_minute", defaults.Server.SubmitPerMinute)
	viper.SetDefault("server.retain_completed_minutes", defaults.Server.RetainCompletedMinutes)

	viper.SetDefault("pipeline.concurrency", defaults.Pipeline.Concurrency)
	viper.SetDefault("pipeline.max_retries", defaults.Pipeline.MaxRetries)
	viper.SetDefault("pipeline.generator_backoff_ms", defaults.Pipeline.GeneratorBackoffMs)
	viper.SetDefault("pipeline.compile_timeout_seconds", defaults.Pipeline.CompileTimeoutSeconds)
	viper.SetDefault("pipeline.generate_timeout_seconds", defaults.Pipeline.GenerateTimeoutSeconds)
	viper.SetDefault("pipeline.inspect_timeout_seconds", defaults.Pipeline.InspectTimeoutSeconds)
	viper.SetDefault("pipeline.enhance_prompts", defaults.Pipeline.EnhancePrompts)

	viper.SetDefault("storage.output_dir", defaults.Storage.OutputDir)
	viper.SetDefault("storage.archive_path", defaults.Storage.ArchivePath)

	viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	viper.SetDefault("llm.api_key", defaults.LLM.APIKey)
	viper.SetDefault("llm.text_model", defaults.LLM.TextModel)
	viper.SetDefault("llm.image_model", defaults.LLM.ImageModel)
	viper.SetDefault("llm.vision_model", defaults.LLM.VisionModel)
	viper.SetDefault("llm.timeout_seconds", defaults.LLM.TimeoutSeconds)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Watch reloads the config file on every write and hands the result to
// onChange. Invalid edits go to onError and the previous values stay active.
func Watch(onChange func(*Config), onError func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	viper.WatchConfig()
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sku-render")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sku-render"
	}
	return filepath.Join(home, ".config", "sku-render")
}
