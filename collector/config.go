package collector

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all collector configuration.
type Config struct {
	DBPath       string          `yaml:"db_path"`
	LogFile      string          `yaml:"log_file"`
	PingURL      string          `yaml:"ping_url"`
	StatusListen string          `yaml:"status_listen"`
	Replay       bool            `yaml:"replay"`
	Launchpad    LaunchpadConfig `yaml:"launchpad"`
	LeanKit      LeanKitConfig   `yaml:"leankit"`
	Schedule     ScheduleConfig  `yaml:"schedule"`
}

// LaunchpadConfig selects the project and teams to mirror.
type LaunchpadConfig struct {
	Project     string   `yaml:"project"`
	Teams       []string `yaml:"teams"`
	ConsumerKey string   `yaml:"consumer_key"`
	APIRoot     string   `yaml:"api_root"`
	WebRoot     string   `yaml:"web_root"`
	// Statuses of the bug tasks searched for.
	Statuses []string `yaml:"statuses"`
}

// LeanKitConfig selects the kanban board. An empty Board disables cards.
type LeanKitConfig struct {
	Board    string `yaml:"board"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	BaseURL  string `yaml:"base_url"`
}

// ScheduleConfig controls the pass loop.
type ScheduleConfig struct {
	BugsInterval  time.Duration `yaml:"bugs_interval"`
	CardsInterval time.Duration `yaml:"cards_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// DefaultStatuses are the open bug task statuses.
var DefaultStatuses = []string{"New", "Incomplete", "Opinion", "Confirmed", "Triaged", "In Progress"}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "teamstatus.db"
	}
	if c.Launchpad.Project == "" {
		c.Launchpad.Project = "juju-core"
	}
	if c.Launchpad.ConsumerKey == "" {
		c.Launchpad.ConsumerKey = "teamstatus"
	}
	if c.Launchpad.APIRoot == "" {
		c.Launchpad.APIRoot = "https://api.launchpad.net/1.0/"
	}
	if !strings.HasSuffix(c.Launchpad.APIRoot, "/") {
		c.Launchpad.APIRoot += "/"
	}
	if c.Launchpad.WebRoot == "" {
		c.Launchpad.WebRoot = "https://launchpad.net/"
	}
	if len(c.Launchpad.Statuses) == 0 {
		c.Launchpad.Statuses = append([]string(nil), DefaultStatuses...)
	}
	if c.Schedule.BugsInterval <= 0 {
		c.Schedule.BugsInterval = 5 * time.Minute
	}
	if c.Schedule.CardsInterval <= 0 {
		c.Schedule.CardsInterval = 5 * time.Minute
	}
	if c.Schedule.RetryDelay <= 0 {
		c.Schedule.RetryDelay = 10 * time.Second
	}
}

// ProjectURL is the API URL of the configured project.
func (c *Config) ProjectURL() string {
	return c.Launchpad.APIRoot + c.Launchpad.Project
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("collector: parse %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
