package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// VM describes the single analysis VM owned by the engine.
type VM struct {
	Backend      string `yaml:"backend"` // "vmrun" or "docker"
	ImagePath    string `yaml:"image_path"`
	GuestUser    string `yaml:"guest_user"`
	GuestPass    string `yaml:"guest_pass"`
	BaseSnapshot string `yaml:"base_snapshot"`
	GuestDir     string `yaml:"guest_dir"`

	VMRunPath      string `yaml:"vmrun_path"`
	ContainerImage string `yaml:"container_image"` // docker backend only

	StartTimeoutSeconds  int `yaml:"start_timeout_seconds"`
	ReadyProbeAttempts   int `yaml:"ready_probe_attempts"`
	ReadyProbeIntervalMs int `yaml:"ready_probe_interval_ms"`
}

// Limits bounds how long a single job may occupy the VM.
type Limits struct {
	CompileTimeoutMs int `yaml:"compile_timeout_ms"`
	ExecTimeoutMs    int `yaml:"exec_timeout_ms"`
	TraceTimeoutMs   int `yaml:"trace_timeout_ms"`
	JobTimeoutMs     int `yaml:"job_timeout_ms"`
	MaxUploadMB      int `yaml:"max_upload_mb"`
	QueueSize        int `yaml:"queue_size"`
}

type Config struct {
	Listen                 string `yaml:"listen"`
	APIKey                 string `yaml:"api_key"`
	DataDir                string `yaml:"data_dir"`
	DBPath                 string `yaml:"db_path"`
	TraceEnabled           bool   `yaml:"trace_enabled"`
	RetentionSeconds       int    `yaml:"retention_seconds"`
	JanitorIntervalSeconds int    `yaml:"janitor_interval_seconds"`

	VM     VM     `yaml:"vm"`
	Limits Limits `yaml:"limits"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:                 "127.0.0.1:8080",
		DataDir:                "./data",
		DBPath:                 "./detonate.db",
		TraceEnabled:           true,
		RetentionSeconds:       86400,
		JanitorIntervalSeconds: 60,
		VM: VM{
			Backend:              "vmrun",
			GuestUser:            "sandbox",
			GuestPass:            "sandbox",
			BaseSnapshot:         "clean",
			GuestDir:             "/home/sandbox/analysis",
			VMRunPath:            "vmrun",
			StartTimeoutSeconds:  120,
			ReadyProbeAttempts:   20,
			ReadyProbeIntervalMs: 3000,
		},
		Limits: Limits{
			CompileTimeoutMs: 60000,
			ExecTimeoutMs:    100000,
			TraceTimeoutMs:   100000,
			JobTimeoutMs:     300000,
			MaxUploadMB:      100,
			QueueSize:        64,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func (v VM) StartTimeout() time.Duration {
	return time.Duration(v.StartTimeoutSeconds) * time.Second
}

func (v VM) ReadyProbeInterval() time.Duration {
	return time.Duration(v.ReadyProbeIntervalMs) * time.Millisecond
}

func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Limits.JobTimeoutMs) * time.Millisecond
}

func (c *Config) CompileTimeout() time.Duration {
	return time.Duration(c.Limits.CompileTimeoutMs) * time.Millisecond
}

func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Limits.ExecTimeoutMs) * time.Millisecond
}

func (c *Config) TraceTimeout() time.Duration {
	return time.Duration(c.Limits.TraceTimeoutMs) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DETONATE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DETONATE_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DETONATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("DETONATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DETONATE_TRACE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TraceEnabled = b
		}
	}
	if v := os.Getenv("DETONATE_VM_BACKEND"); v != "" {
		cfg.VM.Backend = v
	}
	if v := os.Getenv("DETONATE_VM_IMAGE_PATH"); v != "" {
		cfg.VM.ImagePath = v
	}
	if v := os.Getenv("DETONATE_VM_GUEST_USER"); v != "" {
		cfg.VM.GuestUser = v
	}
	if v := os.Getenv("DETONATE_VM_GUEST_PASS"); v != "" {
		cfg.VM.GuestPass = v
	}
	if v := os.Getenv("DETONATE_VM_BASE_SNAPSHOT"); v != "" {
		cfg.VM.BaseSnapshot = v
	}
	if v := os.Getenv("DETONATE_VM_GUEST_DIR"); v != "" {
		cfg.VM.GuestDir = v
	}
	if v := os.Getenv("DETONATE_VM_CONTAINER_IMAGE"); v != "" {
		cfg.VM.ContainerImage = v
	}
	if v := os.Getenv("DETONATE_JOB_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.JobTimeoutMs = n
		}
	}
	if v := os.Getenv("DETONATE_EXEC_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.ExecTimeoutMs = n
		}
	}
	if v := os.Getenv("DETONATE_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxUploadMB = n
		}
	}
	if v := os.Getenv("DETONATE_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.QueueSize = n
		}
	}
	if v := os.Getenv("DETONATE_RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionSeconds = n
		}
	}
}
