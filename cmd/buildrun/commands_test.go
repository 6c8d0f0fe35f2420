package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/buildrun"
	"github.com/loykin/buildrun/internal/detector"
	"github.com/loykin/buildrun/internal/prefs"
	"github.com/loykin/buildrun/pkg/client"
)

const fakeDotnetScript = `#!/bin/sh
case "$1" in
build)
  echo "Build started"
  case "$*" in
  *broken*) echo "Build FAILED."; exit 1 ;;
  esac
  echo "Build succeeded."
  ;;
run)
  sleep 30 &
  wait
  ;;
esac
`

func skipWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

// writeConfig writes a config whose dotnet is a shell script and whose stores
// live in dir.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	dotnet := filepath.Join(dir, "dotnet")
	require.NoError(t, os.WriteFile(dotnet, []byte(fakeDotnetScript), 0o755))
	body := fmt.Sprintf(`
[log]
level = "error"

[prefs]
dsn = "sqlite://%s"

[history]
dsns = ["%s"]

[commands]
dotnet = "%s"

[server]
kill_grace = "200ms"
health_interval = "0s"

[metrics]
enabled = false
`, filepath.Join(dir, "prefs.db"), filepath.Join(dir, "history.db"), dotnet)
	p := filepath.Join(dir, "buildrun.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func touchFile(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	return path
}

// execute runs the CLI once and returns stdout, stderr and the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRoot(&out, &errOut)
	root.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// lastJSON decodes the trailing JSON document of a command's output.
func lastJSON(t *testing.T, out string, v any) {
	t.Helper()
	i := strings.LastIndex(out, "\n{")
	if i < 0 {
		i = 0
	}
	require.NoError(t, json.Unmarshal([]byte(out[i:]), v), out)
}

func TestSettingsSetAndShow(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, _, err := execute(t, "--config", cfg, "settings", "set")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to set")

	_, _, err = execute(t, "--config", cfg, "settings", "set", "--delay-ms=-5")
	require.Error(t, err)

	sln := filepath.Join(dir, "App.sln")
	_, _, err = execute(t, "--config", cfg, "settings", "set", "--solution", sln, "--start-on-play", "--delay-ms=100")
	require.NoError(t, err)

	_, _, err = execute(t, "--config", cfg, "settings", "set", "--stop-on-stop")
	require.NoError(t, err)

	out, _, err := execute(t, "--config", cfg, "settings", "show")
	require.NoError(t, err)
	var s client.Settings
	lastJSON(t, out, &s)
	assert.Equal(t, sln, s.SolutionPath)
	assert.Empty(t, s.ProjectPath)
	assert.True(t, s.StartServerOnPlay)
	assert.True(t, s.StopServerOnStop)
	assert.Equal(t, int64(100), s.ServerStartDelayMs)
}

func TestSettingsRelativePathMadeAbsolute(t *testing.T) {
	f := SettingsSetFlags{Project: "Server/Server.csproj", Changed: map[string]bool{"project": true}}
	u, err := f.update()
	require.NoError(t, err)
	require.NotNil(t, u.ProjectPath)
	assert.True(t, filepath.IsAbs(*u.ProjectPath))
	assert.Nil(t, u.SolutionPath)
	assert.Nil(t, u.StartServerOnPlay)
}

func TestBuildLocal(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	_, _, err := execute(t, "--config", cfg, "build")
	require.Error(t, err, "no solution configured")

	sln := touchFile(t, filepath.Join(dir, "App.sln"))
	_, _, err = execute(t, "--config", cfg, "settings", "set", "--solution", sln)
	require.NoError(t, err)

	out, _, err := execute(t, "--config", cfg, "build")
	require.NoError(t, err)
	assert.Contains(t, out, "Build succeeded.")
	var job client.Job
	lastJSON(t, out, &job)
	assert.Equal(t, "build", job.Kind)
	assert.True(t, job.Exited)
	assert.False(t, job.Failed)

	out, _, err = execute(t, "--config", cfg, "rebuild", "--quiet")
	require.NoError(t, err)
	assert.NotContains(t, out, "Build succeeded.")
	lastJSON(t, out, &job)
	assert.Equal(t, "rebuild", job.Kind)

	broken := touchFile(t, filepath.Join(dir, "broken.sln"))
	_, _, err = execute(t, "--config", cfg, "settings", "set", "--solution", broken)
	require.NoError(t, err)
	out, _, err = execute(t, "--config", cfg, "build")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed (exit code 1)")
	assert.Contains(t, out, "Build FAILED.")
}

func TestBuildNoWaitNeedsDaemon(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	_, _, err := execute(t, "--config", cfg, "build", "--no-wait")
	require.ErrorIs(t, err, errNoWaitInProcess)
	_, err = os.Stat(filepath.Join(dir, "prefs.db"))
	assert.True(t, os.IsNotExist(err), "nothing is opened for a rejected build")
}

func TestRunStopAcrossInvocations(t *testing.T) {
	skipWindows(t)
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	proj := touchFile(t, filepath.Join(dir, "Server", "Server.csproj"))
	_, _, err := execute(t, "--config", cfg, "settings", "set", "--project", proj)
	require.NoError(t, err)

	_, errOut, err := execute(t, "--config", cfg, "stop")
	require.NoError(t, err)
	assert.Contains(t, errOut, "warning:")

	out, _, err := execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	var job client.Job
	lastJSON(t, out, &job)
	require.Positive(t, job.PID)
	t.Cleanup(func() {
		if p, err := os.FindProcess(job.PID); err == nil {
			_ = p.Kill()
		}
	})

	out, _, err = execute(t, "--config", cfg, "status")
	require.NoError(t, err)
	var st client.Status
	lastJSON(t, out, &st)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, job.PID, st.PID)

	_, errOut, err = execute(t, "--config", cfg, "run")
	require.NoError(t, err)
	assert.Contains(t, errOut, "warning:")

	out, _, err = execute(t, "--config", cfg, "stop")
	require.NoError(t, err)
	lastJSON(t, out, &st)
	assert.Equal(t, "stopped", st.State)
	// stop returns only once the tree is gone
	assert.False(t, detector.Alive(job.PID, 0))

	out, _, err = execute(t, "--config", cfg, "history", "-n", "100")
	require.NoError(t, err)
	var recs []client.HistoryRecord
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	assert.NotEmpty(t, recs)
}

func TestPlayLocalNothingConfigured(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)
	out, _, err := execute(t, "--config", cfg, "play", "enter")
	require.NoError(t, err)
	var res client.PlayResult
	lastJSON(t, out, &res)
	assert.Equal(t, "proceed", res.Outcome)
	assert.Nil(t, res.Playing)
}

func TestRemoteBackend(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c := buildrun.DefaultConfig()
	c.Log.Level = "error"
	c.Server.HealthInterval = 0
	c.Metrics.Enabled = false
	app, err := buildrun.Open(context.Background(), c, buildrun.WithConsole(io.Discard), buildrun.WithStore(prefs.NewMemory()))
	require.NoError(t, err)
	defer func() { _ = app.Close() }()
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()
	api := srv.URL + "/api"

	out, _, err := execute(t, "--api-url", api, "status")
	require.NoError(t, err)
	var st client.Status
	lastJSON(t, out, &st)
	assert.Equal(t, "stopped", st.State)

	_, _, err = execute(t, "--api-url", api, "settings", "set", "--solution", "/src/App.sln")
	require.NoError(t, err)
	s, err := app.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/src/App.sln", s.SolutionPath)

	_, errOut, err := execute(t, "--api-url", api, "stop")
	require.NoError(t, err)
	assert.Contains(t, errOut, "warning:")

	_, _, err = execute(t, "--api-url", api, "history")
	require.Error(t, err, "no history sink configured")
}

func TestRemoteUnreachable(t *testing.T) {
	_, _, err := execute(t, "--api-url", "http://127.0.0.1:1/api", "--api-timeout", "200ms", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon not reachable")
}
