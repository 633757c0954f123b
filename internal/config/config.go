package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/mcpguard/mcpbridge/internal/bridge"
	"github.com/mcpguard/mcpbridge/internal/framing"
	"github.com/mcpguard/mcpbridge/internal/readiness"
	"github.com/mcpguard/mcpbridge/internal/schema"
	"github.com/mcpguard/mcpbridge/internal/supervisor"
)

// EnvPrefix namespaces environment overrides: child.command is read from
// MCPBRIDGE_CHILD_COMMAND.
const EnvPrefix = "MCPBRIDGE"

// LegacyDebugEnv turns on debug logging, as the original wrapper scripts did.
const LegacyDebugEnv = "MCP_PROXY_DEBUG"

type Config struct {
	InstanceID string

	ChildCommand   string
	ChildArgs      []string
	ChildDir       string
	ChildStderr    supervisor.StderrMode
	ChildTransport bridge.Transport
	ChildRaw       bool

	ClientFraming   framing.Mode
	MaxMessageBytes int
	SchemaAllow     []string

	ReadinessAttempts int
	ReadinessInterval time.Duration
	ReadinessPattern  *regexp.Regexp
	ReadinessHost     string

	ShutdownGrace time.Duration

	LogLevel string
	LogFile  string

	StatusAddr   string
	AuditSecrets bool
	AuditConfig  string
}

// SetDefaults registers every key with its default so that environment
// variables are picked up by Unmarshal-style lookups.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("child.command", "")
	v.SetDefault("child.args", []string{})
	v.SetDefault("child.dir", "")
	v.SetDefault("child.stderr", "inherit")
	v.SetDefault("child.transport", "stdio")
	v.SetDefault("child.framing", "lines")
	v.SetDefault("client.framing", "lines")
	v.SetDefault("framing.max_message_bytes", framing.DefaultMaxMessageBytes)
	v.SetDefault("schema.allow", schema.DefaultKeywords)
	v.SetDefault("readiness.attempts", readiness.DefaultAttempts)
	v.SetDefault("readiness.interval", readiness.DefaultInterval)
	v.SetDefault("readiness.pattern", "")
	v.SetDefault("readiness.host", readiness.DefaultHost)
	v.SetDefault("shutdown.grace", bridge.DefaultShutdownGrace)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("debug", false)
	v.SetDefault("status.addr", "")
	v.SetDefault("audit.secrets", false)
	v.SetDefault("audit.config", "")
}

// NewViper returns a viper instance with defaults and environment binding.
// When file is not empty it is read as the config file.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

// Load resolves v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		InstanceID:        uuid.NewString(),
		ChildCommand:      strings.TrimSpace(v.GetString("child.command")),
		ChildArgs:         v.GetStringSlice("child.args"),
		ChildDir:          v.GetString("child.dir"),
		MaxMessageBytes:   v.GetInt("framing.max_message_bytes"),
		SchemaAllow:       v.GetStringSlice("schema.allow"),
		ReadinessAttempts: v.GetInt("readiness.attempts"),
		ReadinessInterval: v.GetDuration("readiness.interval"),
		ReadinessHost:     v.GetString("readiness.host"),
		ShutdownGrace:     v.GetDuration("shutdown.grace"),
		LogLevel:          v.GetString("log.level"),
		LogFile:           v.GetString("log.file"),
		StatusAddr:        v.GetString("status.addr"),
		AuditSecrets:      v.GetBool("audit.secrets"),
		AuditConfig:       v.GetString("audit.config"),
	}

	var errs []error

	if cfg.ChildCommand == "" {
		errs = append(errs, errors.New("child.command is required"))
	}

	var err error
	if cfg.ChildStderr, err = supervisor.ParseStderrMode(v.GetString("child.stderr")); err != nil {
		errs = append(errs, err)
	}
	if cfg.ClientFraming, err = framing.ParseMode(v.GetString("client.framing")); err != nil {
		errs = append(errs, fmt.Errorf("client.framing: %w", err))
	}

	switch t := strings.ToLower(v.GetString("child.transport")); t {
	case "", "stdio":
		cfg.ChildTransport = bridge.TransportStdio
	case "tcp", "socket":
		cfg.ChildTransport = bridge.TransportTCP
	default:
		errs = append(errs, fmt.Errorf("child.transport: unknown transport %q", t))
	}

	switch f := strings.ToLower(v.GetString("child.framing")); f {
	case "", "lines", "jsonl":
		cfg.ChildRaw = false
	case "raw":
		cfg.ChildRaw = true
	default:
		errs = append(errs, fmt.Errorf("child.framing: unknown framing %q", f))
	}

	if p := v.GetString("readiness.pattern"); p != "" {
		re, err := regexp.Compile(p)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("readiness.pattern: %w", err))
		case re.NumSubexp() < 1:
			errs = append(errs, errors.New("readiness.pattern: needs a capture group for the port"))
		default:
			cfg.ReadinessPattern = re
		}
	}

	// A TCP child announces its port on stderr, so the probe must see it.
	if cfg.ChildTransport == bridge.TransportTCP {
		cfg.ChildStderr = supervisor.StderrCapture
	}

	if v.GetBool("debug") || os.Getenv(LegacyDebugEnv) == "1" {
		cfg.LogLevel = "debug"
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}
