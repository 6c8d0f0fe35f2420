package lifecycle

import (
	"path/filepath"
	"strings"
)

// Commands configures the command lines issued for build and run.
type Commands struct {
	// Dotnet is the CLI executable; "dotnet" when empty.
	Dotnet    string   `mapstructure:"dotnet"`
	BuildArgs []string `mapstructure:"build_args"`
	RunArgs   []string `mapstructure:"run_args"`
	// Env entries (KEY=VALUE) added to every spawned process.
	Env []string `mapstructure:"env"`
}

func (c Commands) exe() string {
	if strings.TrimSpace(c.Dotnet) == "" {
		return "dotnet"
	}
	return c.Dotnet
}

// BuildCommand returns `dotnet build "<solution>"`, with --no-incremental for a rebuild.
func (c Commands) BuildCommand(solution string, rebuild bool) string {
	parts := []string{c.exe(), "build"}
	if rebuild {
		parts = append(parts, "--no-incremental")
	}
	parts = append(parts, quote(solution))
	parts = append(parts, c.BuildArgs...)
	return strings.Join(parts, " ")
}

// RunCommand returns `dotnet run --project "<project>"`.
func (c Commands) RunCommand(project string) string {
	parts := []string{c.exe(), "run", "--project", quote(project)}
	parts = append(parts, c.RunArgs...)
	return strings.Join(parts, " ")
}

func quote(p string) string { return `"` + p + `"` }

// workDir is the directory containing path.
func workDir(path string) string { return filepath.Dir(path) }
