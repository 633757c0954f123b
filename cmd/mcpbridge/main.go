package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mcpguard/mcpbridge/internal/api"
	"github.com/mcpguard/mcpbridge/internal/bridge"
	"github.com/mcpguard/mcpbridge/internal/config"
	"github.com/mcpguard/mcpbridge/internal/detection"
	"github.com/mcpguard/mcpbridge/internal/logx"
	"github.com/mcpguard/mcpbridge/internal/metrics"
	"github.com/mcpguard/mcpbridge/internal/readiness"
	"github.com/mcpguard/mcpbridge/internal/schema"
	"github.com/mcpguard/mcpbridge/internal/supervisor"
)

var version = "dev"

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"child":              "child.command",
	"child-dir":          "child.dir",
	"child-transport":    "child.transport",
	"child-framing":      "child.framing",
	"stderr":             "child.stderr",
	"client-framing":     "client.framing",
	"max-message-bytes":  "framing.max_message_bytes",
	"schema-allow":       "schema.allow",
	"readiness-pattern":  "readiness.pattern",
	"readiness-attempts": "readiness.attempts",
	"readiness-interval": "readiness.interval",
	"readiness-host":     "readiness.host",
	"shutdown-grace":     "shutdown.grace",
	"log-level":          "log.level",
	"log-file":           "log.file",
	"debug":              "debug",
	"status-addr":        "status.addr",
	"audit-secrets":      "audit.secrets",
	"audit-config":       "audit.config",
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// execute runs the proxy and maps the outcome to a process exit code.
func execute(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	cmd := newRootCmd(in, out)
	cmd.SetArgs(args)
	cmd.SetOut(errOut)
	cmd.SetErr(errOut)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(errOut, "mcpbridge: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "mcpbridge [flags] [--] [command] [args...]",
		Short: "Bridge an MCP client to a child server across framing conventions",
		Long: `mcpbridge runs an MCP server as a child process and relays messages between
it and the client on stdin/stdout, converting between newline and
Content-Length framing and normalizing tool input schemas on the way back.

Flags are read up to the first positional argument or "--". Everything after
that is passed to the child untouched. When no child command is configured the
first positional argument is used as the command.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			if v.GetString("child.command") == "" && len(args) > 0 {
				v.Set("child.command", args[0])
				args = args[1:]
			}

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args, in, out)
		},
	}

	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	f.String("child", "", "command to run as the child MCP server")
	f.String("child-dir", "", "working directory of the child")
	f.String("child-transport", "stdio", "how the child is reached: stdio or tcp")
	f.String("child-framing", "lines", "child side framing: lines or raw")
	f.String("stderr", "inherit", "child stderr handling: inherit, discard or capture")
	f.String("client-framing", "lines", "client side framing: lines or header")
	f.Int("max-message-bytes", 0, "largest message accepted from either side")
	f.StringSlice("schema-allow", nil, "schema keywords kept in tool input schemas")
	f.String("readiness-pattern", "", "regexp with one group capturing the port the child announces")
	f.Int("readiness-attempts", readiness.DefaultAttempts, "polls before giving up on the child's port")
	f.Duration("readiness-interval", readiness.DefaultInterval, "time between readiness polls")
	f.String("readiness-host", readiness.DefaultHost, "host the announced port is dialed on")
	f.Duration("shutdown-grace", bridge.DefaultShutdownGrace, "how long to wait for the child side after a kill")
	f.String("log-level", "info", "log level")
	f.String("log-file", "", "write logs to this file instead of stderr")
	f.Bool("debug", false, "shorthand for --log-level=debug")
	f.String("status-addr", "", "serve /healthz, /status and /metrics on this address")
	f.Bool("audit-secrets", false, "log secrets found in tools/call arguments")
	f.String("audit-config", "", "gitleaks rules file used by the secret audit")

	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func run(ctx context.Context, cfg *config.Config, forwarded []string, in io.Reader, out io.Writer) error {
	closer, err := logx.Configure(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer closer.Close()

	log := logx.Log.With().Str("instance_id", cfg.InstanceID).Logger()

	child := supervisor.New(supervisor.Options{
		Command: cfg.ChildCommand,
		Args:    cfg.ChildArgs,
		Dir:     cfg.ChildDir,
		Stderr:  cfg.ChildStderr,
		NoStdio: cfg.ChildTransport == bridge.TransportTCP,
	}, forwarded...)

	m := metrics.New()
	opts := []bridge.Option{
		bridge.WithRewriter(schema.NewRewriter(schema.NewAllowList(cfg.SchemaAllow...))),
		bridge.WithMetrics(m),
		bridge.WithLogger(log),
	}
	if cfg.ChildTransport == bridge.TransportTCP {
		opts = append(opts, bridge.WithProbe(newProbe(cfg)))
	}
	if cfg.AuditSecrets {
		engine, err := detection.NewEngine(cfg.AuditConfig)
		if err != nil {
			return fmt.Errorf("secret audit: %w", err)
		}
		opts = append(opts, bridge.WithAuditor(engine))
	}

	b := bridge.New(bridge.Config{
		ClientFraming:   cfg.ClientFraming,
		ChildTransport:  cfg.ChildTransport,
		ChildRaw:        cfg.ChildRaw,
		MaxMessageBytes: cfg.MaxMessageBytes,
		ShutdownGrace:   cfg.ShutdownGrace,
	}, child, bridge.Client{In: in, Out: out}, opts...)

	if cfg.StatusAddr != "" {
		statusCtx, stop := context.WithCancel(ctx)
		defer stop()
		if _, err := api.Serve(statusCtx, cfg.StatusAddr, api.NewStatusAPI(cfg, b, m.Registry).Router()); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
	}

	log.Info().
		Str("command", cfg.ChildCommand).
		Strs("args", append(append([]string{}, cfg.ChildArgs...), forwarded...)).
		Msg("starting bridge")
	return b.Run(ctx)
}

func newProbe(cfg *config.Config) *readiness.PortProbe {
	p := readiness.NewPortProbe()
	if cfg.ReadinessPattern != nil {
		p.Pattern = cfg.ReadinessPattern
	}
	if cfg.ReadinessHost != "" {
		p.Host = cfg.ReadinessHost
	}
	if cfg.ReadinessAttempts > 0 {
		p.Attempts = cfg.ReadinessAttempts
	}
	if cfg.ReadinessInterval > 0 {
		p.Interval = cfg.ReadinessInterval
	}
	return p
}
