package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	DB        DBConfig        `yaml:"db"`
	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Training  TrainingConfig  `yaml:"training"`
	Inference InferenceConfig `yaml:"inference"`
	Watch     WatchConfig     `yaml:"watch"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

type StorageConfig struct {
	Root string `yaml:"root"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
}

type TransportConfig struct {
	Mode string `yaml:"mode"`
}

type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

type TrainingConfig struct {
	Runner        string           `yaml:"runner"`
	WorkerCommand []string         `yaml:"worker_command"`
	Timeout       time.Duration    `yaml:"timeout"`
	Defaults      TrainingDefaults `yaml:"defaults"`
	ImageSize     int              `yaml:"image_size"`
}

type TrainingDefaults struct {
	Epochs       int     `yaml:"epochs"`
	BatchSize    int     `yaml:"batch_size"`
	LearningRate float64 `yaml:"learning_rate"`
}

type InferenceConfig struct {
	DuringTraining string `yaml:"during_training"`
}

type WatchConfig struct {
	Enabled bool `yaml:"enabled"`
}

const (
	ModeHTTP  = "http"
	ModeStdio = "stdio"

	RunnerExec      = "exec"
	RunnerInProcess = "inprocess"
)

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			MaxUploadMB: 500,
		},
		Storage:   StorageConfig{Root: "projects"},
		DB:        DBConfig{Path: "imgclass.db"},
		Log:       LogConfig{Level: "info"},
		Transport: TransportConfig{Mode: ModeHTTP},
		Training: TrainingConfig{
			Runner: RunnerExec,
			Defaults: TrainingDefaults{
				Epochs:       10,
				BatchSize:    32,
				LearningRate: 0.001,
			},
			ImageSize: 32,
		},
		Inference: InferenceConfig{DuringTraining: "serve"},
		Watch:     WatchConfig{Enabled: true},
	}
}

// Load reads configuration from an optional YAML file and environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("IMGCLASS_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if host := os.Getenv("IMGCLASS_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("IMGCLASS_SERVER_PORT", &cfg.Server.Port); err != nil {
		return Config{}, err
	}
	if err := envInt("IMGCLASS_MAX_UPLOAD_MB", &cfg.Server.MaxUploadMB); err != nil {
		return Config{}, err
	}
	if root := os.Getenv("IMGCLASS_STORAGE_ROOT"); root != "" {
		cfg.Storage.Root = root
	}
	if dbPath := os.Getenv("IMGCLASS_DB_PATH"); dbPath != "" {
		cfg.DB.Path = dbPath
	}
	if level := os.Getenv("IMGCLASS_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if path := os.Getenv("IMGCLASS_LOG_PATH"); path != "" {
		cfg.Log.Path = path
	}
	if mode := os.Getenv("IMGCLASS_TRANSPORT"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if err := envBool("IMGCLASS_AUTH_ENABLED", &cfg.Auth.Enabled); err != nil {
		return Config{}, err
	}
	if runner := os.Getenv("IMGCLASS_TRAINING_RUNNER"); runner != "" {
		cfg.Training.Runner = runner
	}
	if cmd := os.Getenv("IMGCLASS_WORKER_COMMAND"); cmd != "" {
		cfg.Training.WorkerCommand = strings.Fields(cmd)
	}
	if s := os.Getenv("IMGCLASS_TRAINING_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Config{}, fmt.Errorf("invalid IMGCLASS_TRAINING_TIMEOUT: %w", err)
		}
		cfg.Training.Timeout = d
	}
	if policy := os.Getenv("IMGCLASS_PREDICT_DURING_TRAINING"); policy != "" {
		cfg.Inference.DuringTraining = policy
	}
	if err := envBool("IMGCLASS_WATCH", &cfg.Watch.Enabled); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot start with.
func (c Config) Validate() error {
	switch c.Transport.Mode {
	case ModeHTTP, ModeStdio:
	default:
		return fmt.Errorf("invalid transport mode %q", c.Transport.Mode)
	}
	switch c.Training.Runner {
	case RunnerExec, RunnerInProcess:
	default:
		return fmt.Errorf("invalid training runner %q", c.Training.Runner)
	}
	switch c.Inference.DuringTraining {
	case "serve", "wait":
	default:
		return fmt.Errorf("invalid inference.during_training %q", c.Inference.DuringTraining)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be positive")
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}
	if c.Training.Timeout < 0 {
		return fmt.Errorf("training.timeout must not be negative")
	}
	return nil
}

// MaxUploadBytes is the request body limit for uploads.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

func envInt(key string, dst *int) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func envBool(key string, dst *bool) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = v
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
