package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func closeIf(f *os.File) {
	if f != nil {
		_ = f.Close()
	}
}

func TestProcessFiles_WithDirOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := Config{File: FileConfig{Dir: dir}}
	outF, errF, err := cfg.ProcessFiles("demo")
	if err != nil {
		t.Fatalf("ProcessFiles error: %v", err)
	}
	if outF == nil || errF == nil {
		t.Fatalf("expected both files when Dir is set")
	}
	if outF.Name() != filepath.Join(dir, "demo.stdout.log") || errF.Name() != filepath.Join(dir, "demo.stderr.log") {
		t.Fatalf("unexpected paths: %s %s", outF.Name(), errF.Name())
	}
	closeIf(outF)
	closeIf(errF)
}

func TestProcessFiles_Append(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "s.out.log")
	ep := filepath.Join(dir, "s.err.log")
	cfg := Config{File: FileConfig{StdoutPath: sp, StderrPath: ep}}
	for _, line := range []string{"first\n", "second\n"} {
		outF, errF, err := cfg.ProcessFiles("ignored-name")
		if err != nil {
			t.Fatalf("ProcessFiles error: %v", err)
		}
		_, _ = outF.WriteString(line)
		_, _ = errF.WriteString(line)
		closeIf(outF)
		closeIf(errF)
	}
	for _, p := range []string{sp, ep} {
		b, err := os.ReadFile(p)
		if err != nil || string(b) != "first\nsecond\n" {
			t.Fatalf("%s: %q %v", p, b, err)
		}
	}
}

func TestProcessFiles_NoneConfigured(t *testing.T) {
	outF, errF, err := Config{}.ProcessFiles("n")
	if err != nil || outF != nil || errF != nil {
		t.Fatalf("expected no files, got %v %v %v", outF, errF, err)
	}
}

func TestProcessFiles_OnlyOneStream(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{StdoutPath: filepath.Join(dir, "only-stdout.log")}}
	outF, errF, err := cfg.ProcessFiles("n")
	if err != nil || outF == nil || errF != nil {
		t.Fatalf("expected stdout file only: %v %v %v", outF, errF, err)
	}
	closeIf(outF)

	cfg = Config{File: FileConfig{StderrPath: filepath.Join(dir, "only-stderr.log")}}
	outF, errF, err = cfg.ProcessFiles("n")
	if err != nil || outF != nil || errF == nil {
		t.Fatalf("expected stderr file only: %v %v %v", outF, errF, err)
	}
	closeIf(errF)
}

func TestProcessFiles_RotatesOversizedFile(t *testing.T) {
	dir := t.TempDir()
	sp := filepath.Join(dir, "server.stdout.log")
	if err := os.WriteFile(sp, bytes.Repeat([]byte("x"), megabyte+1), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := Config{File: FileConfig{StdoutPath: sp, MaxSizeMB: 1}}
	outF, _, err := cfg.ProcessFiles("server")
	if err != nil {
		t.Fatalf("ProcessFiles error: %v", err)
	}
	closeIf(outF)
	fi, err := os.Stat(sp)
	if err != nil || fi.Size() != 0 {
		t.Fatalf("expected a fresh file after rotation: %v %v", fi, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var backups int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "server.stdout-") {
			backups++
		}
	}
	if backups != 1 {
		t.Fatalf("expected one backup, dir has %v", entries)
	}
}

func TestRotatedDefaultsAndOverrides(t *testing.T) {
	l := FileConfig{}.rotated("x")
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 || l.Compress {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	l = FileConfig{MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}.rotated("x2")
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_ConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "buildrun.log")
	var console bytes.Buffer
	log, closer := New(Config{Level: "debug", File: FileConfig{Path: path}}, &console)
	log.Info("server started", "pid", 42)
	log.Debug("line", "text", "Build succeeded.")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(console.String(), "server started") || !strings.Contains(console.String(), "pid=42") {
		t.Fatalf("console missing record: %q", console.String())
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), `"msg":"server started"`) {
		t.Fatalf("file missing json record: %q", string(b))
	}
}

func TestNew_LevelFilterAndColor(t *testing.T) {
	var console bytes.Buffer
	log, _ := New(Config{Level: "warn", Color: true}, &console)
	log.Info("hidden")
	log.Warn("project is not running")
	out := console.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "\033[33mWARN") {
		t.Fatalf("expected yellow WARN prefix: %q", out)
	}
}
