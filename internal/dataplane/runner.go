package dataplane

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes one already-rendered shell command (tc/iptables) and
// returns its combined output. Grounded on the original network enforcer's
// subprocess.run(['tc', ...]) calls.
type Runner interface {
	Run(ctx context.Context, command string) (output string, err error)
}

// ShellRunner runs commands for real via os/exec. Arguments are split on
// whitespace; templates never interpolate raw user text into a command
// (only catalog-declared parameter values, themselves constrained to
// numbers, interface names, and ids resolved against the catalog), so
// field-splitting without a shell is safe and avoids shell injection
// entirely.
type ShellRunner struct{}

func (ShellRunner) Run(ctx context.Context, command string) (string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// DryRunner logs what would have run and never touches the host network
// stack. Used when the process isn't on Linux, lacks tc/iptables, or is
// explicitly configured into dry-run mode.
type DryRunner struct {
	Log *slog.Logger
}

func (d DryRunner) Run(_ context.Context, command string) (string, error) {
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("dataplane: dry-run", "command", command)
	return "dry-run: not executed", nil
}

// NewRunner picks real or dry enforcement once at startup, the way the
// teacher's NCP layer picks a hardware backend once rather than branching
// on every call. mode is one of "auto" (the default), "real", or "dry".
func NewRunner(mode string, log *slog.Logger) Runner {
	switch mode {
	case "real":
		return ShellRunner{}
	case "dry":
		return DryRunner{Log: log}
	default:
		if runtime.GOOS == "linux" {
			if _, err := exec.LookPath("tc"); err == nil {
				if _, err := exec.LookPath("iptables"); err == nil {
					return ShellRunner{}
				}
			}
		}
		return DryRunner{Log: log}
	}
}
