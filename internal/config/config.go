// Package config provides configuration management for Stelle.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Persona PersonaConfig `mapstructure:"persona"`
	LLM     LLMConfig     `mapstructure:"llm"`
	TTS     TTSConfig     `mapstructure:"tts"`
	History HistoryConfig `mapstructure:"history"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
}

// PersonaConfig defines who the character is and how it replies.
type PersonaConfig struct {
	Name string `mapstructure:"name"`
	// Description is the character definition injected into the system
	// prompt. Language and output-format rules are appended separately.
	Description string `mapstructure:"description"`
	Language    string `mapstructure:"language"` // chinese, english, auto
	// Fallback replaces the reply when the language-model call fails.
	Fallback string `mapstructure:"fallback"`
}

// LLMConfig configures the chat-completions client.
type LLMConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// MaxHistory caps how many log messages are carried into each prompt.
	MaxHistory int `mapstructure:"max_history"`
}

// TTSConfig configures speech synthesis.
type TTSConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Backend    string        `mapstructure:"backend"` // remote, local
	ServiceURL string        `mapstructure:"service_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Voice      string        `mapstructure:"voice"`
	Format     string        `mapstructure:"format"`
	SampleRate int           `mapstructure:"sample_rate"`
	Speed      float64       `mapstructure:"speed"`
	Gain       float64       `mapstructure:"gain"`
	MaxTokens  int           `mapstructure:"max_tokens"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// HistoryConfig configures conversation persistence.
type HistoryConfig struct {
	// File is the JSON file backing the conversation log. Relative paths
	// resolve against the config directory.
	File string `mapstructure:"file"`
}

// SyncConfig configures the presentation state feed.
type SyncConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Persona: PersonaConfig{
			Name: "Stelle",
			Description: "你是一个温柔、俏皮的虚拟伙伴，名字叫 Stelle。" +
				"你的回答应当简短、自然、有情绪色彩。",
			Language: "auto",
			Fallback: "抱歉，我这边好像遇到了一点问题，请稍后再试。",
		},
		LLM: LLMConfig{
			BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
			Model:       "gemini-2.0-flash",
			Temperature: 0.7,
			Timeout:     60 * time.Second,
			MaxHistory:  20,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Backend:    "remote",
			ServiceURL: "https://api.siliconflow.cn/v1/audio/speech",
			Model:      "fnlp/MOSS-TTSD-v0.5",
			Voice:      "fnlp/MOSS-TTSD-v0.5:anna",
			Format:     "mp3",
			SampleRate: 44100,
			Speed:      1.0,
			Gain:       0.0,
			MaxTokens:  4096,
			Timeout:    60 * time.Second,
		},
		History: HistoryConfig{
			File: "history.json",
		},
		Sync: SyncConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8793",
		},
		Log: LogConfig{
			Level:   "debug",
			Console: true,
		},
	}
}

// Dir returns the configuration directory path.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".stelle"), nil
}

// Load reads configuration from the default directory and environment.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return DefaultConfig(), err
	}
	return LoadFrom(dir)
}

// LoadFrom reads configuration from configDir, creating a default config
// file when none exists. Environment variables with the STELLE prefix
// override file values.
func LoadFrom(configDir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)

	v.SetEnvPrefix("STELLE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one.
		if err := SaveTo(configDir, cfg); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	cfg.History.File = resolvePath(configDir, cfg.History.File, "history.json")
	cfg.Log.Dir = resolvePath(configDir, cfg.Log.Dir, "logs")

	return cfg, nil
}

// Save writes the configuration to the default directory.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	return SaveTo(dir, cfg)
}

// SaveTo writes the configuration to configDir/config.yaml.
func SaveTo(configDir string, cfg *Config) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// Keys are written explicitly so they match the mapstructure tags on
	// the way back in; durations are written in human-readable form.
	v := viper.New()
	v.Set("persona", map[string]any{
		"name":        cfg.Persona.Name,
		"description": cfg.Persona.Description,
		"language":    cfg.Persona.Language,
		"fallback":    cfg.Persona.Fallback,
	})
	v.Set("llm", map[string]any{
		"base_url":    cfg.LLM.BaseURL,
		"model":       cfg.LLM.Model,
		"api_key":     cfg.LLM.APIKey,
		"temperature": cfg.LLM.Temperature,
		"timeout":     cfg.LLM.Timeout.String(),
		"max_history": cfg.LLM.MaxHistory,
	})
	v.Set("tts", map[string]any{
		"enabled":     cfg.TTS.Enabled,
		"backend":     cfg.TTS.Backend,
		"service_url": cfg.TTS.ServiceURL,
		"api_key":     cfg.TTS.APIKey,
		"model":       cfg.TTS.Model,
		"voice":       cfg.TTS.Voice,
		"format":      cfg.TTS.Format,
		"sample_rate": cfg.TTS.SampleRate,
		"speed":       cfg.TTS.Speed,
		"gain":        cfg.TTS.Gain,
		"max_tokens":  cfg.TTS.MaxTokens,
		"timeout":     cfg.TTS.Timeout.String(),
	})
	v.Set("history", map[string]any{
		"file": cfg.History.File,
	})
	v.Set("sync", map[string]any{
		"enabled": cfg.Sync.Enabled,
		"addr":    cfg.Sync.Addr,
	})
	v.Set("log", map[string]any{
		"dir":     cfg.Log.Dir,
		"level":   cfg.Log.Level,
		"console": cfg.Log.Console,
	})

	return v.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

func resolvePath(configDir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}
