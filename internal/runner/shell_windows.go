//go:build windows

package runner

import (
	"os"
	"os/exec"
	"syscall"
)

// shellCommand runs script through cmd.exe. The command line is passed verbatim:
// cmd.exe does not understand the backslash escaping os/exec applies to Args,
// and the scripts carry quoted paths. With /s cmd strips only the outer quotes.
func shellCommand(script string) *exec.Cmd {
	shell := os.Getenv("ComSpec")
	if shell == "" {
		shell = "cmd.exe"
	}
	// #nosec G204
	cmd := exec.Command(shell)
	cmd.SysProcAttr = &syscall.SysProcAttr{CmdLine: cmdLine(shell, script)}
	return cmd
}

func cmdLine(shell, script string) string {
	return `"` + shell + `" /d /s /c "` + script + `"`
}
