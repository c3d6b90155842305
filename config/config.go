// Package config loads termloop settings from a YAML file, TERMLOOP_*
// environment variables and built-in defaults, in that order of precedence
// after explicit flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/termloop/agentloop"
)

const (
	AppName = "termloop"

	// EnvPrefix namespaces environment overrides, e.g. TERMLOOP_LLM_MODEL.
	EnvPrefix = "TERMLOOP"
)

// Config stores all configuration of the application.
type Config struct {
	LLM         LLMConfig         `mapstructure:"llm" yaml:"llm"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Tools       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts" yaml:"transcripts"`
}

// LLMConfig selects the model and how calls to it are retried.
type LLMConfig struct {
	Provider   string `mapstructure:"provider" yaml:"provider"` // "anthropic", "openai", or any gollm provider
	Model      string `mapstructure:"model" yaml:"model"`
	MaxTokens  int    `mapstructure:"max_tokens" yaml:"max_tokens"` // 0 uses the model catalog limit
	MaxRetries int    `mapstructure:"max_retries" yaml:"max_retries"`
}

// SessionConfig bounds one conversation.
type SessionConfig struct {
	WorkDir          string `mapstructure:"workdir" yaml:"workdir"`
	MaxToolRounds    int    `mapstructure:"max_tool_rounds" yaml:"max_tool_rounds"` // 0 = unlimited
	LoopDetection    bool   `mapstructure:"loop_detection" yaml:"loop_detection"`
	LoopWindow       int    `mapstructure:"loop_window" yaml:"loop_window"`
	UserInstructions string `mapstructure:"user_instructions" yaml:"user_instructions"`
}

// ToolsConfig tunes the built-in tools.
type ToolsConfig struct {
	CommandTimeout    time.Duration  `mapstructure:"command_timeout" yaml:"command_timeout"`
	MaxCommandTimeout time.Duration  `mapstructure:"max_command_timeout" yaml:"max_command_timeout"`
	ReadLineLimit     int            `mapstructure:"read_line_limit" yaml:"read_line_limit"`
	ExcludeDirs       []string       `mapstructure:"exclude_dirs" yaml:"exclude_dirs"` // added to the built-in exclusions
	SearchScanCap     int            `mapstructure:"search_scan_cap" yaml:"search_scan_cap"`
	SearchResultCap   int            `mapstructure:"search_result_cap" yaml:"search_result_cap"`
	GlobScanCap       int            `mapstructure:"glob_scan_cap" yaml:"glob_scan_cap"`
	GlobResultCap     int            `mapstructure:"glob_result_cap" yaml:"glob_result_cap"`
	OutputLimits      map[string]int `mapstructure:"output_limits" yaml:"output_limits,omitempty"`
	LineLimits        map[string]int `mapstructure:"line_limits" yaml:"line_limits,omitempty"`
}

// LogConfig controls diagnostic output on stderr.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// TranscriptsConfig controls where conversations are saved for --resume.
type TranscriptsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
}

// SearchPaths returns the directories searched for termloop.yaml.
func SearchPaths() []string {
	paths := []string{"."}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, AppName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", AppName))
	}
	return paths
}

// DefaultTranscriptDir is where conversations are stored unless configured.
func DefaultTranscriptDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, AppName, "conversations")
	}
	return filepath.Join(os.TempDir(), AppName, "conversations")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "anthropic")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.max_retries", 2)

	v.SetDefault("session.workdir", "")
	v.SetDefault("session.max_tool_rounds", 0)
	v.SetDefault("session.loop_detection", true)
	v.SetDefault("session.loop_window", 10)
	v.SetDefault("session.user_instructions", "")

	v.SetDefault("tools.command_timeout", agentloop.DefaultCommandTimeout)
	v.SetDefault("tools.max_command_timeout", agentloop.MaxCommandTimeout)
	v.SetDefault("tools.read_line_limit", 2000)
	v.SetDefault("tools.exclude_dirs", []string{})
	v.SetDefault("tools.search_scan_cap", agentloop.DefaultSearchScanCap)
	v.SetDefault("tools.search_result_cap", agentloop.DefaultSearchResultCap)
	v.SetDefault("tools.glob_scan_cap", agentloop.DefaultGlobScanCap)
	v.SetDefault("tools.glob_result_cap", agentloop.DefaultGlobResultCap)
	v.SetDefault("tools.output_limits", map[string]int{})
	v.SetDefault("tools.line_limits", map[string]int{})

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "console")

	v.SetDefault("transcripts.enabled", true)
	v.SetDefault("transcripts.dir", DefaultTranscriptDir())
}

// New returns a viper instance with defaults, env binding and the config
// file location set up. configPath, when set, names the file explicitly.
func New(configPath string) *viper.Viper {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
	}
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	// llm.model becomes TERMLOOP_LLM_MODEL
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. A missing config file is not an error when
// the path was not given explicitly.
func Load(configPath string) (*Config, error) {
	return Decode(New(configPath))
}

// Decode reads v's config file, if any, and unmarshals the merged result.
func Decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required"))
	}
	if c.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if c.Session.MaxToolRounds < 0 {
		errs = append(errs, errors.New("session.max_tool_rounds must not be negative"))
	}
	if c.Tools.CommandTimeout <= 0 || c.Tools.MaxCommandTimeout <= 0 {
		errs = append(errs, errors.New("tools.command_timeout and tools.max_command_timeout must be positive"))
	} else if c.Tools.CommandTimeout > c.Tools.MaxCommandTimeout {
		errs = append(errs, fmt.Errorf("tools.command_timeout (%s) exceeds tools.max_command_timeout (%s)", c.Tools.CommandTimeout, c.Tools.MaxCommandTimeout))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// AgentSession converts the settings into an agentloop session config.
func (c *Config) AgentSession() agentloop.SessionConfig {
	sc := agentloop.DefaultSessionConfig()
	sc.MaxToolRounds = c.Session.MaxToolRounds
	sc.EnableLoopDetection = c.Session.LoopDetection
	sc.LoopDetectionWindow = c.Session.LoopWindow
	sc.UserInstructions = c.Session.UserInstructions
	sc.ToolOutputLimits = c.Tools.OutputLimits
	sc.ToolLineLimits = c.Tools.LineLimits
	sc.MaxTokens = c.LLM.MaxTokens
	sc.Retry.MaxRetries = c.LLM.MaxRetries
	return sc
}

// CoreTools converts the tool settings.
func (c *Config) CoreTools() agentloop.CoreToolsConfig {
	return agentloop.CoreToolsConfig{
		DefaultCommandTimeout: c.Tools.CommandTimeout,
		MaxCommandTimeout:     c.Tools.MaxCommandTimeout,
		ReadLineLimit:         c.Tools.ReadLineLimit,
	}
}

// EnvOptions returns the execution environment options implied by the
// tool settings.
func (c *Config) EnvOptions() []agentloop.LocalEnvOption {
	return []agentloop.LocalEnvOption{
		agentloop.WithSearchDefaults(c.Tools.ExcludeDirs,
			c.Tools.SearchScanCap, c.Tools.SearchResultCap,
			c.Tools.GlobScanCap, c.Tools.GlobResultCap),
	}
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return out, nil
}
