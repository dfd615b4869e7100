// Command fleetctl is the operator CLI for a running fleetd master: it
// reads the master's pidfile and sends it the signal corresponding to
// the requested action, the same cobra/fatih-color pairing
// Nehonix-Team-XyPriss's system CLI uses for its own subcommand tree.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sysfleet/fleetd/internal/signals"
)

var pidFile string

func main() {
	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "control a running fleetd master process",
	}
	root.PersistentFlags().StringVar(&pidFile, "pid-file", "/run/fleetd.pid", "path to the master's pidfile")

	set := signals.Default()
	root.AddCommand(
		signalCommand("reload", "roll a new worker generation and drain the old one", set.Reconfigure),
		signalCommand("quit", "gracefully shut down every worker, then the master", set.Shutdown),
		signalCommand("terminate", "shut down immediately, escalating to SIGKILL", set.Terminate),
		signalCommand("reopen", "reopen log files", set.Reopen),
	)

	if err := root.Execute(); err != nil {
		color.Red("fleetctl: %v", err)
		os.Exit(1)
	}
}

func signalCommand(use, short string, sig syscall.Signal) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := readPid(pidFile)
			if err != nil {
				return err
			}
			if err := signals.Kill(pid, sig); err != nil {
				return fmt.Errorf("fleetctl: signal pid %d: %w", pid, err)
			}
			color.Green("sent %s to pid %d", sig, pid)
			return nil
		},
	}
}

func readPid(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("fleetctl: read pidfile %s: %w", path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("fleetctl: parse pidfile %s: %w", path, err)
	}
	return pid, nil
}
