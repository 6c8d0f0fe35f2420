package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	s := NewMemory()
	got, err := Load(context.Background(), s)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != Defaults() {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if got.ServerStartDelay != 2*time.Second {
		t.Fatalf("default delay: %v", got.ServerStartDelay)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	want := Settings{
		SolutionPath:      "/src/Game.sln",
		ProjectPath:       "/src/Server/Server.csproj",
		StartServerOnPlay: true,
		StopServerOnStop:  false,
		ServerStartDelay:  0,
	}
	if err := Save(ctx, s, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := Load(ctx, s)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	// booleans are persisted as 0/1 and the delay as integer milliseconds
	if v, _ := s.Get(ctx, KeyStartServerOnPlay); v != "1" {
		t.Fatalf("start on play stored as %q", v)
	}
	if v, _ := s.Get(ctx, KeyStopServerOnStop); v != "0" {
		t.Fatalf("stop on stop stored as %q", v)
	}
	if v, _ := s.Get(ctx, KeyServerStartDelay); v != "0" {
		t.Fatalf("delay stored as %q", v)
	}
}

func TestSaveRejectsNegativeDelay(t *testing.T) {
	s := NewMemory()
	if err := Save(context.Background(), s, Settings{ServerStartDelay: -time.Millisecond}); err == nil {
		t.Fatalf("expected error for negative delay")
	}
	if _, err := s.Get(context.Background(), KeySolutionPath); !errors.Is(err, ErrNotFound) {
		t.Fatalf("nothing should be written, got %v", err)
	}
}

func TestGettersFallBackOnGarbage(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = s.Set(ctx, KeyServerStartDelay, "soon")
	_ = s.Set(ctx, KeyStartServerOnPlay, "maybe")
	n, err := GetInt(ctx, s, KeyServerStartDelay, 2000)
	if err != nil || n != 2000 {
		t.Fatalf("GetInt: %d %v", n, err)
	}
	b, err := GetBool(ctx, s, KeyStartServerOnPlay, true)
	if err != nil || !b {
		t.Fatalf("GetBool: %v %v", b, err)
	}
	_ = s.Set(ctx, KeyStopServerOnStop, "true")
	b, _ = GetBool(ctx, s, KeyStopServerOnStop, false)
	if !b {
		t.Fatalf("GetBool should accept true")
	}
}

func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_ = SetInt(ctx, s, KeyProcessID, 4242)
	if n, _ := GetInt(ctx, s, KeyProcessID, -1); n != 4242 {
		t.Fatalf("got %d", n)
	}
	_ = s.Delete(ctx, KeyProcessID)
	if n, _ := GetInt(ctx, s, KeyProcessID, -1); n != -1 {
		t.Fatalf("expected default after delete, got %d", n)
	}
}

func TestSettingsJSON(t *testing.T) {
	s := Settings{SolutionPath: "a.sln", StopServerOnStop: true, ServerStartDelay: 1500 * time.Millisecond}
	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"server_start_delay_ms":1500`) {
		t.Fatalf("unexpected json: %s", b)
	}

	// partial update keeps fields that are absent
	cur := s
	if err := json.Unmarshal([]byte(`{"project_path":"p.csproj","server_start_delay_ms":0}`), &cur); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := Settings{SolutionPath: "a.sln", ProjectPath: "p.csproj", StopServerOnStop: true}
	if cur != want {
		t.Fatalf("got %+v want %+v", cur, want)
	}
}
