package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", c.Log.Level)
	assert.Equal(t, DefaultPrefsDSN, c.Prefs.DSN)
	assert.Equal(t, "dotnet", c.Commands.Dotnet)
	assert.Equal(t, "/api", c.Server.BasePath)
	assert.Equal(t, 3*time.Second, c.Server.KillGrace)
	assert.Equal(t, time.Second, c.Server.HealthInterval)
	assert.True(t, c.Metrics.Enabled)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "buildrun.toml", `
env = ["A=1"]

[log]
level = "debug"
format = "json"

[prefs]
dsn = "sqlite://`+filepath.ToSlash(filepath.Join(dir, "p.db"))+`"

[history]
dsns = ["sqlite://h.db", "clickhouse://localhost:9000/default?table=t"]

[commands]
dotnet = "/usr/share/dotnet/dotnet"
build_args = ["-c", "Release"]
env = ["DOTNET_CLI_TELEMETRY_OPTOUT=1"]

[server]
listen = ":9999"
base_path = "/v1"
log_dir = "logs"
kill_grace = "500ms"
health_interval = "0s"

[classifier]
ignore = "-"

[metrics]
enabled = false
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Len(t, c.History.DSNs, 2)
	assert.Equal(t, "/usr/share/dotnet/dotnet", c.Commands.Dotnet)
	assert.Equal(t, []string{"-c", "Release"}, c.Commands.BuildArgs)
	assert.Equal(t, []string{"DOTNET_CLI_TELEMETRY_OPTOUT=1"}, c.Commands.Env)
	assert.Equal(t, ":9999", c.Server.Listen)
	assert.Equal(t, "/v1", c.Server.BasePath)
	assert.Equal(t, 500*time.Millisecond, c.Server.KillGrace)
	assert.Equal(t, time.Duration(0), c.Server.HealthInterval)
	assert.Equal(t, "-", c.Classifier.Ignore)
	assert.False(t, c.Metrics.Enabled)

	lc, ok := c.ProcessLog()
	require.True(t, ok)
	assert.Equal(t, "logs", lc.File.Dir)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BUILDRUN_SERVER_LISTEN", "127.0.0.1:1")
	t.Setenv("BUILDRUN_PREFS_DSN", "memory://")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1", c.Server.Listen)
	assert.Equal(t, "memory://", c.Prefs.DSN)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.toml"))
	assert.Error(t, err)

	cases := map[string]string{
		"negative grace": "[server]\nkill_grace = \"-1s\"\n",
		"base path":      "[server]\nbase_path = \"api\"\n",
		"bad regexp":     "[classifier]\nfailure = \"(\"\n",
		"bad env":        "env = [\"NOEQUALS\"]\n",
		"bad toml":       "[server\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), "c.toml", data)
			_, err := Load(p)
			assert.Error(t, err)
		})
	}
}

func TestProcessLog_Unset(t *testing.T) {
	_, ok := Default().ProcessLog()
	assert.False(t, ok)
}
