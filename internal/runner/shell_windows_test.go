//go:build windows

package runner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loykin/buildrun/internal/logger"
)

func TestShellCommandKeepsQuotes(t *testing.T) {
	cmd := shellCommand(`dotnet build "C:\src\My App\App.sln"`)
	configureSysProcAttr(cmd)
	got := cmd.SysProcAttr.CmdLine
	if !strings.HasSuffix(got, ` /d /s /c "dotnet build "C:\src\My App\App.sln""`) {
		t.Fatalf("unexpected command line: %s", got)
	}
	if strings.Contains(got, `\"`) {
		t.Fatalf("command line must not carry escaped quotes: %s", got)
	}
	if cmd.SysProcAttr.CreationFlags&createNewProcessGroup == 0 {
		t.Fatalf("process group flag lost")
	}
}

func TestRunQuotedPathWithSpaces(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "My Solution")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	sln := filepath.Join(dir, "App.sln")
	if err := os.WriteFile(sln, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &lineSink{}
	r := New(WithLogger(logger.Discard()))
	h, err := r.Run(context.Background(), Request{
		Command:  `if exist "` + sln + `" (echo found) else (echo missing)`,
		Redirect: true,
		OnLine:   sink.add,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := waitResult(t, h)
	if res.ExitCode != 0 {
		t.Fatalf("exit code %d", res.ExitCode)
	}
	lines := sink.snapshot()
	if len(lines) == 0 || strings.TrimSpace(lines[0].Text) != "found" {
		t.Fatalf("quoted path did not reach cmd intact: %+v", lines)
	}
}
