// Command fleetd is the supervision daemon: started once, it becomes
// the master and re-execs itself to spawn each worker generation
// (internal/spawn), so this same binary is also what runs as a worker
// when FLEETD_WORKER_SLOT is set in its environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/sysfleet/fleetd/internal/admin"
	"github.com/sysfleet/fleetd/internal/config"
	"github.com/sysfleet/fleetd/internal/lock"
	logpkg "github.com/sysfleet/fleetd/internal/log"
	"github.com/sysfleet/fleetd/internal/master"
	"github.com/sysfleet/fleetd/internal/plugin"
	"github.com/sysfleet/fleetd/internal/signals"
	"github.com/sysfleet/fleetd/internal/spawn"
	"github.com/sysfleet/fleetd/internal/worker"
	"github.com/sysfleet/fleetd/subreaper"
)

func main() {
	configPath := flag.String("config", "/etc/fleetd/fleetd.toml", "path to the TOML config file")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if *verbose {
		_ = logpkg.SetLevel("debug")
	}

	if slot, ok := os.LookupEnv(spawn.WorkerEnv); ok {
		runWorker(slot)
		return
	}
	runMaster(*configPath)
}

func runWorker(slotEnv string) {
	slot, err := strconv.Atoi(slotEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: invalid %s=%q: %v\n", spawn.WorkerEnv, slotEnv, err)
		os.Exit(111)
	}

	w, err := worker.New(worker.Config{
		Slot:     slot,
		Registry: plugin.NewRegistry(),
		Signals:  signals.Default(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: worker init: %v\n", err)
		os.Exit(111)
	}

	ctx := context.Background()
	w.Configure(ctx)
	if err := w.Run(ctx); err != nil {
		logpkg.Error("worker: ", err)
	}
}

func runMaster(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetd: config: %v\n", err)
		os.Exit(111)
	}

	var releaseLock func() error
	if cfg.PidFile != "" {
		l, err := lock.Acquire(cfg.PidFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fleetd: %v\n", err)
			os.Exit(111)
		}
		// Released from inside Master.masterExit, not via a defer here:
		// masterExit's default Exit calls os.Exit(0), which would skip
		// any defer in this function and leave the pidfile behind.
		releaseLock = l.Release
	}

	// Claim child subreaper status so grandchildren a worker spawns and
	// abandons are reparented to us instead of pid 1, where we'd never
	// learn of their exit. Not fatal: older kernels and non-Linux
	// targets simply keep the standard reparent-to-init behavior.
	if err := subreaper.Set(); err != nil {
		logpkg.Debug("subreaper: ", err)
	}

	m := master.New(master.Config{
		WorkerProcesses: cfg.WorkerProcesses,
		Signals:         signals.Default(),
		Spawner:         spawn.OSSpawner{},
		EscalateStart:   cfg.EscalateStart,
		ReleaseLock:     releaseLock,
	})

	if cfg.AdminAddr != "" {
		adminSrv := admin.New(m)
		m.SetPublish(adminSrv.Publish)
		go func() {
			if err := http.ListenAndServe(cfg.AdminAddr, adminSrv.Handler()); err != nil {
				logpkg.Error("admin: ", err)
			}
		}()
	}

	stop, err := config.Watch(configPath, func() {
		logpkg.Info("config changed, requesting reconfigure")
		m.Flags().SetReconfigure()
	})
	if err != nil {
		logpkg.Error("config watch: ", err)
	} else {
		defer stop()
	}

	stopIntake := signals.Intake(m.Flags(), signals.Default())
	defer stopIntake()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Run(ctx); err != nil {
		logpkg.Error("master: ", err)
	}
}
