// Package config loads the refiller's configuration from environment
// variables (see spec section 6, EXTERNAL INTERFACES). There is no file
// layer: every recognized variable is either required or carries a
// documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds every recognized environment variable.
type Config struct {
	MinReadyVM    int
	MaxReadyVM    int
	BatchSize     int
	CheckInterval time.Duration

	GoldenVMName string

	PoolOpRetries   int
	PoolOpBackoff   float64
	IPTimeout       time.Duration
	BuilderProc     int
	WorkerTimeout   time.Duration
	FaultVMTTL      time.Duration

	VMPrefix string

	VCenterHost     string
	VCenterUser     string
	VCenterPassword string
	VCenterPort     int
	VCenterInsecure bool

	NSXHost       string
	NSXUser       string
	NSXPassword   string
	NSXPort       int
	NSXSwitchName string

	Log LogConfig
}

// LogConfig controls the root logrus logger, mirroring the teacher's
// ApplyToLogger split between level and format.
type LogConfig struct {
	Level string
	Format string
}

// Default returns the configuration with every defaulted field set and
// every required field left zero-valued; LoadFromEnv then Validate must
// run before the config is usable.
func Default() *Config {
	return &Config{
		PoolOpRetries: 3,
		PoolOpBackoff: 2.0,
		IPTimeout:     10 * time.Second,
		BuilderProc:   2,
		WorkerTimeout: 1800 * time.Second,
		FaultVMTTL:    60 * time.Minute,
		VMPrefix:      "Dev",
		VCenterPort:   443,
		NSXPort:       22,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// requiredEnv names every environment variable the config has no default
// for (spec section 6 marks these "required").
var requiredEnv = []string{
	"REFILLER_MIN_READY_VM",
	"REFILLER_MAX_READY_VM",
	"REFILLER_BATCH_SIZE",
	"REFILLER_CHECK_INTERVAL",
	"REFILLER_GOLDEN_VM_NAME",
}

// LoadFromEnv populates cfg from the process environment, leaving
// unrecognized/unset optional variables at their Default() value.
func LoadFromEnv(cfg *Config) {
	loadEnvInt(&cfg.MinReadyVM, "REFILLER_MIN_READY_VM")
	loadEnvInt(&cfg.MaxReadyVM, "REFILLER_MAX_READY_VM")
	loadEnvInt(&cfg.BatchSize, "REFILLER_BATCH_SIZE")
	loadEnvDurationSeconds(&cfg.CheckInterval, "REFILLER_CHECK_INTERVAL")
	loadEnvString(&cfg.GoldenVMName, "REFILLER_GOLDEN_VM_NAME")

	loadEnvInt(&cfg.PoolOpRetries, "POOL_OP_RETRIES")
	loadEnvFloat(&cfg.PoolOpBackoff, "POOL_OP_BACKOFF")
	loadEnvDurationSeconds(&cfg.IPTimeout, "IP_TIMEOUT")
	loadEnvInt(&cfg.BuilderProc, "REFILLER_BUILDER_PROC")
	loadEnvDurationSeconds(&cfg.WorkerTimeout, "WORKER_TIMEOUT")
	loadEnvDurationMinutes(&cfg.FaultVMTTL, "FAULT_VM_TTL_MINUTES")

	loadEnvString(&cfg.VMPrefix, "VM_PREFIX")

	loadEnvString(&cfg.VCenterHost, "VCENTER_HOST")
	loadEnvString(&cfg.VCenterUser, "VCENTER_USER")
	loadEnvString(&cfg.VCenterPassword, "VCENTER_PASSWORD")
	loadEnvInt(&cfg.VCenterPort, "VCENTER_PORT")
	loadEnvBool(&cfg.VCenterInsecure, "VCENTER_INSECURE")

	loadEnvString(&cfg.NSXHost, "NSX_HOST")
	loadEnvString(&cfg.NSXUser, "NSX_USER")
	loadEnvString(&cfg.NSXPassword, "NSX_PASSWORD")
	loadEnvInt(&cfg.NSXPort, "NSX_PORT")
	loadEnvString(&cfg.NSXSwitchName, "NSX_SWITCH_NAME")

	loadEnvString(&cfg.Log.Level, "REFILLER_LOG_LEVEL")
	loadEnvString(&cfg.Log.Format, "REFILLER_LOG_FORMAT")
}

// Validate reports every missing required variable and every
// out-of-range setting at once, rather than failing on the first.
func (c *Config) Validate() error {
	var problems []string

	for _, name := range requiredEnv {
		if os.Getenv(name) == "" {
			problems = append(problems, fmt.Sprintf("%s is required", name))
		}
	}

	if c.MinReadyVM > c.MaxReadyVM {
		problems = append(problems, fmt.Sprintf(
			"REFILLER_MIN_READY_VM (%d) > REFILLER_MAX_READY_VM (%d)", c.MinReadyVM, c.MaxReadyVM))
	}
	if c.BatchSize <= 0 {
		problems = append(problems, "REFILLER_BATCH_SIZE must be positive")
	}
	if c.CheckInterval <= 0 {
		problems = append(problems, "REFILLER_CHECK_INTERVAL must be positive")
	}
	if c.BuilderProc <= 0 {
		problems = append(problems, "REFILLER_BUILDER_PROC must be positive")
	}
	if c.VCenterHost == "" {
		problems = append(problems, "VCENTER_HOST must be set")
	}
	if c.NSXHost == "" {
		problems = append(problems, "NSX_HOST must be set")
	}
	if c.NSXSwitchName == "" {
		problems = append(problems, "NSX_SWITCH_NAME must be set")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		problems = append(problems, fmt.Sprintf("invalid REFILLER_LOG_LEVEL: %s", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ApplyToLogger configures the root logrus logger's level and format from
// the loaded config, the same split the teacher's Config.ApplyToLogger
// makes between level and formatter.
func (c *Config) ApplyToLogger(log *logrus.Logger) {
	switch c.Log.Level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	if c.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// EnvPrefixName is the "[<env>] <name>" name of the golden template VM,
// e.g. "[Dev] Golden".
func (c *Config) EnvPrefixName(name string) string {
	return fmt.Sprintf("[%s] %s", c.VMPrefix, name)
}

// LoginVMsFolder is the clone destination folder path, e.g.
// "DC1/Zeon/Dev/LoginVMs" (spec section 4.5).
func (c *Config) LoginVMsFolder() string {
	return fmt.Sprintf("DC1/Zeon/%s/LoginVMs", c.VMPrefix)
}

func loadEnvString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func loadEnvBool(target *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func loadEnvInt(target *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*target = i
		}
	}
}

func loadEnvFloat(target *float64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func loadEnvDurationSeconds(target *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(i) * time.Second
		}
	}
}

func loadEnvDurationMinutes(target *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(i) * time.Minute
		}
	}
}
