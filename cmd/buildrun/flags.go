package main

import "time"

// GlobalFlags are persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// PrefsDSN overrides [prefs].dsn from the config file.
	PrefsDSN string
	// APIUrl selects a running daemon; empty means operate in-process.
	APIUrl     string
	APITimeout time.Duration
}

// BuildFlags Flag structs to decouple cobra from logic for testing.
type BuildFlags struct {
	Rebuild bool
	NoWait  bool
	Quiet   bool
}

type SettingsSetFlags struct {
	Solution    string
	Project     string
	StartOnPlay bool
	StopOnStop  bool
	DelayMs     int64
	// Changed lists the flag names given on the command line.
	Changed map[string]bool
}

type HistoryFlags struct {
	Limit int
}

type ServeFlags struct {
	Listen string
}
