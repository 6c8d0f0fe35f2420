package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := buildRoot(os.Stdout, os.Stderr)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands writing to out and errOut.
func buildRoot(out, errOut io.Writer) *cobra.Command {
	g := &GlobalFlags{}
	c := &command{g: g, out: out, errOut: errOut}

	root := createRootCommand(g)
	root.SetOut(out)
	root.SetErr(errOut)
	root.AddCommand(
		createBuildCommand(c, false),
		createBuildCommand(c, true),
		createRunCommand(c),
		createStopCommand(c),
		createStatusCommand(c),
		createSettingsCommand(c),
		createPlayCommand(c),
		createHistoryCommand(c),
		createServeCommand(c),
	)
	return root
}

func createRootCommand(g *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "buildrun",
		Short: "Build a .NET solution and run its companion server",
		Long: `buildrun builds a .NET solution and starts or stops the companion server
project. The server's process id is persisted, so a later invocation can still
report on it and stop it.

Examples:
  buildrun settings set --solution=./App.sln --project=./Server/Server.csproj
  buildrun build
  buildrun run
  buildrun stop
  buildrun serve                                     # HTTP API for editors
  buildrun status --api-url=http://127.0.0.1:8787/api  # ask a running daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&g.PrefsDSN, "prefs", "", "settings store DSN, overrides [prefs].dsn")
	root.PersistentFlags().StringVar(&g.APIUrl, "api-url", "", "talk to a running daemon instead of acting in-process")
	root.PersistentFlags().DurationVar(&g.APITimeout, "api-timeout", 10*time.Second, "timeout for daemon requests")
	return root
}

func createBuildCommand(c *command, rebuild bool) *cobra.Command {
	f := &BuildFlags{Rebuild: rebuild}
	use, short := "build", "Build the solution (dotnet build)"
	if rebuild {
		use, short = "rebuild", "Rebuild the solution (dotnet build --no-incremental)"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Build(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.NoWait, "no-wait", false, "return once the build has started (requires --api-url)")
	cmd.Flags().BoolVarP(&f.Quiet, "quiet", "q", false, "do not print build output")
	return cmd
}

func createRunCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the server project (dotnet run --project)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd.Context())
		},
	}
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the server and all of its child processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd.Context())
		},
	}
}

func createStatusCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server state and settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd.Context())
		},
	}
}

func createSettingsCommand(c *command) *cobra.Command {
	parent := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the persisted settings",
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.SettingsShow(cmd.Context())
		},
	}
	f := &SettingsSetFlags{}
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the given settings; others keep their values",
		Long: `Change the given settings; others keep their values.

Examples:
  buildrun settings set --solution=./App.sln --project=./Server/Server.csproj
  buildrun settings set --start-on-play --stop-on-stop --delay-ms=3000
  buildrun settings set --start-on-play=false`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f.Changed = map[string]bool{}
			cmd.Flags().Visit(func(fl *pflag.Flag) { f.Changed[fl.Name] = true })
			return c.SettingsSet(cmd.Context(), *f)
		},
	}
	set.Flags().StringVar(&f.Solution, "solution", "", "path to the .sln file")
	set.Flags().StringVar(&f.Project, "project", "", "path to the server .csproj file")
	set.Flags().BoolVar(&f.StartOnPlay, "start-on-play", false, "start the server when entering play mode")
	set.Flags().BoolVar(&f.StopOnStop, "stop-on-stop", false, "stop the server when leaving play mode")
	set.Flags().Int64Var(&f.DelayMs, "delay-ms", 0, "wait this long after starting the server before entering play mode")
	parent.AddCommand(show, set)
	return parent
}

func createPlayCommand(c *command) *cobra.Command {
	parent := &cobra.Command{
		Use:   "play",
		Short: "Notify play-mode changes (auto-start and auto-stop policies)",
	}
	enter := &cobra.Command{
		Use:   "enter",
		Short: "About to enter play mode: start the server if configured and wait for it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Play(cmd.Context(), "exiting_edit_mode")
		},
	}
	exit := &cobra.Command{
		Use:   "exit",
		Short: "Leaving play mode: stop the server if configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Play(cmd.Context(), "exiting_play_mode")
		},
	}
	parent.AddCommand(enter, exit)
	return parent
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded lifecycle events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.History(cmd.Context(), *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "maximum number of records")
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API until interrupted",
		Long: `Run the HTTP API until interrupted. Editors drive the controller through it:
POST {base}/build, /rebuild, /run, /stop, /playmode; GET {base}/status, /settings,
/events, /history, /live, /ready, /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address, overrides [server].listen")
	return cmd
}
