package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpguard/mcpbridge/internal/bridge"
	"github.com/mcpguard/mcpbridge/internal/framing"
	"github.com/mcpguard/mcpbridge/internal/schema"
	"github.com/mcpguard/mcpbridge/internal/supervisor"
)

func TestLoad_Defaults(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)
	v.Set("child.command", "/opt/sqlcl/bin/sql")

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.InstanceID)
	assert.Equal(t, "/opt/sqlcl/bin/sql", cfg.ChildCommand)
	assert.Equal(t, framing.Lines, cfg.ClientFraming)
	assert.Equal(t, bridge.TransportStdio, cfg.ChildTransport)
	assert.False(t, cfg.ChildRaw)
	assert.Equal(t, supervisor.StderrInherit, cfg.ChildStderr)
	assert.Equal(t, schema.DefaultKeywords, cfg.SchemaAllow)
	assert.Equal(t, 30, cfg.ReadinessAttempts)
	assert.Equal(t, time.Second, cfg.ReadinessInterval)
	assert.Equal(t, bridge.DefaultShutdownGrace, cfg.ShutdownGrace)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.StatusAddr)
	assert.Nil(t, cfg.ReadinessPattern)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MCPBRIDGE_CHILD_COMMAND", "sql")
	t.Setenv("MCPBRIDGE_CLIENT_FRAMING", "header")
	t.Setenv("MCPBRIDGE_CHILD_TRANSPORT", "tcp")
	t.Setenv("MCPBRIDGE_CHILD_FRAMING", "raw")
	t.Setenv("MCPBRIDGE_READINESS_INTERVAL", "250ms")
	t.Setenv("MCPBRIDGE_SCHEMA_ALLOW", "type properties")

	v, err := NewViper("")
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, framing.Header, cfg.ClientFraming)
	assert.Equal(t, bridge.TransportTCP, cfg.ChildTransport)
	assert.True(t, cfg.ChildRaw)
	assert.Equal(t, supervisor.StderrCapture, cfg.ChildStderr, "tcp children must have stderr captured")
	assert.Equal(t, 250*time.Millisecond, cfg.ReadinessInterval)
	assert.Equal(t, []string{"type", "properties"}, cfg.SchemaAllow)
}

func TestLoad_LegacyDebugEnv(t *testing.T) {
	t.Setenv("MCP_PROXY_DEBUG", "1")

	v, err := NewViper("")
	require.NoError(t, err)
	v.Set("child.command", "sql")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpbridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
child:
  command: /home/oracle/mcp_sqlcl_wrapper.sh
  args: ["-mcp"]
  stderr: discard
client:
  framing: content-length
readiness:
  pattern: 'bound to :(\d+)'
status:
  addr: 127.0.0.1:9464
`), 0o600))

	v, err := NewViper(path)
	require.NoError(t, err)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "/home/oracle/mcp_sqlcl_wrapper.sh", cfg.ChildCommand)
	assert.Equal(t, []string{"-mcp"}, cfg.ChildArgs)
	assert.Equal(t, supervisor.StderrDiscard, cfg.ChildStderr)
	assert.Equal(t, framing.Header, cfg.ClientFraming)
	assert.Equal(t, "127.0.0.1:9464", cfg.StatusAddr)
	require.NotNil(t, cfg.ReadinessPattern)
	assert.Equal(t, []string{"bound to :7", "7"}, cfg.ReadinessPattern.FindStringSubmatch("bound to :7"))
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := NewViper(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	v, err := NewViper("")
	require.NoError(t, err)
	v.Set("client.framing", "smoke-signals")
	v.Set("child.transport", "carrier")
	v.Set("child.framing", "xml")
	v.Set("child.stderr", "tee")
	v.Set("readiness.pattern", `port \d+`)

	_, err = Load(v)
	require.Error(t, err)

	msg := err.Error()
	for _, want := range []string{"child.command", "client.framing", "child.transport", "child.framing", "stderr", "readiness.pattern"} {
		assert.Contains(t, msg, want)
	}
}
