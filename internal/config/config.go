// Package config loads the ChannelFlow behavior and engine configuration
// from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/ChannelFlow/internal/engine"
	"github.com/BTreeMap/ChannelFlow/internal/models"
	"github.com/BTreeMap/ChannelFlow/internal/scheduler"
)

// Known behavior names.
const (
	BehaviorAsk      = "ask"
	BehaviorReminder = "reminder"
	BehaviorCheckin  = "checkin"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the root of the YAML configuration.
type Config struct {
	// Behaviors lists the enabled behaviors in matching order.
	Behaviors []string       `yaml:"behaviors"`
	Engine    EngineConfig   `yaml:"engine"`
	Ask       AskConfig      `yaml:"ask"`
	Reminder  ReminderConfig `yaml:"reminder"`
	Checkin   CheckinConfig  `yaml:"checkin"`
}

// EngineConfig configures the dispatcher and scheduler.
type EngineConfig struct {
	CancelKeyword string                `yaml:"cancel_keyword"`
	Texts         engine.Texts          `yaml:"texts"`
	Retry         scheduler.RetryPolicy `yaml:"retry"`
}

// AskConfig configures the question answering behavior.
type AskConfig struct {
	SystemPrompt string `yaml:"system_prompt"`
}

// ReminderConfig configures the reminder behavior.
type ReminderConfig struct {
	MaxMinutes int `yaml:"max_minutes"`
}

// Participant is a user taking part in daily check-ins.
type Participant struct {
	User    models.UserID    `yaml:"user"`
	Channel models.ChannelID `yaml:"channel"`
}

// CheckinConfig configures the daily check-in behavior.
type CheckinConfig struct {
	At                string        `yaml:"at"`
	TimeZone          string        `yaml:"time_zone"`
	Question          string        `yaml:"question"`
	Participants      []Participant `yaml:"participants"`
	EscalationChannel string        `yaml:"escalation_channel"`
	LowScoreThreshold int           `yaml:"low_score_threshold"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Behaviors: []string{BehaviorAsk, BehaviorReminder, BehaviorCheckin},
		Engine: EngineConfig{
			CancelKeyword: engine.DefaultCancelKeyword,
			Texts:         engine.DefaultTexts(),
			Retry:         scheduler.DefaultRetryPolicy(),
		},
		Ask: AskConfig{
			SystemPrompt: "You are a concise, friendly assistant answering questions in a chat. Keep answers under 100 words.",
		},
		Reminder: ReminderConfig{MaxMinutes: 7 * 24 * 60},
		Checkin: CheckinConfig{
			At:                "09:00",
			TimeZone:          "UTC",
			Question:          "Time for your daily check-in. Do you have a minute?",
			LowScoreThreshold: 2,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		slog.Debug("Config.Load: no config file, using defaults")
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	slog.Info("Config.Load: configuration loaded", "path", path, "behaviors", cfg.Behaviors)
	return cfg, nil
}

// Validate checks the configuration for unknown behaviors and bad values.
func (c Config) Validate() error {
	known := []string{BehaviorAsk, BehaviorReminder, BehaviorCheckin}
	for _, b := range c.Behaviors {
		if !slices.Contains(known, b) {
			return fmt.Errorf("%w: unknown behavior %q", ErrInvalidConfig, b)
		}
	}
	if c.Engine.Retry.MaxAttempts < 0 || c.Engine.Retry.BaseDelay < 0 {
		return fmt.Errorf("%w: retry values must not be negative", ErrInvalidConfig)
	}
	if c.Enabled(BehaviorCheckin) {
		if _, err := c.Checkin.Interval(); err != nil {
			return fmt.Errorf("%w: checkin: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Enabled reports whether the named behavior is enabled.
func (c Config) Enabled(name string) bool {
	return slices.Contains(c.Behaviors, name)
}

// Interval returns the daily interval of the check-in.
func (c CheckinConfig) Interval() (models.Interval, error) {
	at, err := models.ParseWallClock(c.At)
	if err != nil {
		return models.Interval{}, err
	}
	iv := models.EveryDay(at, c.TimeZone)
	if err := iv.Validate(); err != nil {
		return models.Interval{}, err
	}
	return iv, nil
}
