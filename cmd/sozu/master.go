package main

import (
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/admin"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/logging"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/router"
	"github.com/sozu-proxy/control-plane/internal/state"
	"github.com/sozu-proxy/control-plane/internal/upgrade"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// softStopDeadline bounds how long the master waits for workers to drain
// after a SIGTERM-triggered soft-stop before escalating to hard-stop
// (spec.md §5 "SIGTERM... waits up to a bounded deadline, then a
// hard-stop").
const softStopDeadline = 10 * time.Second

func runMaster(args []string) error {
	fs := flag.NewFlagSet("master", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a JSON listener-spec config file")
	adminSocket := fs.String("admin-socket", "/tmp/sozu-admin.sock", "path of the admin unix socket")
	introspectAddr := fs.String("introspect-addr", "127.0.0.1:7878", "loopback address for the read-only observability HTTP+WS surface")
	statePath := fs.String("state-file", "", "path to persist/restore configuration state across restarts")
	logLevel := fs.String("log-level", "info", "logrus level")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.Protocol, "parsing master flags", err)
	}
	if *configPath == "" {
		return errs.New(errs.Protocol, "master mode requires --config")
	}

	log := logging.Setup("master", *logLevel)

	specs, err := loadListenerSpecs(*configPath)
	if err != nil {
		return errs.Wrap(errs.Protocol, "loading listener config", err)
	}

	ln, err := admin.BindSystemd(*adminSocket)
	if err != nil {
		return err
	}

	st := state.New()
	if *statePath != "" {
		if err := st.Load(*statePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("failed to load prior state; starting fresh")
		}
	}

	reg := registry.New()
	r := router.New(ln, st, reg, log)
	r.SetUpgrader(upgrade.Upgrade)

	stopIntrospection, err := startIntrospection(*introspectAddr, reg, r, log)
	if err != nil {
		return err
	}
	defer stopIntrospection()

	if err := r.Bootstrap(specs); err != nil {
		return err
	}

	go handleTerminationSignals(r, log)

	log.Info("master ready")
	r.Run()

	if *statePath != "" {
		if err := st.Save(*statePath); err != nil {
			log.WithError(err).Error("failed to persist state on exit")
		}
	}
	return nil
}

// handleTerminationSignals implements spec.md §5's SIGTERM escalation: a
// soft-stop broadcast, a bounded grace period, then a hard-stop followed
// by Router.Stop. SIGHUP triggers the full master upgrade handoff
// (internal/upgrade), matching the teacher's own SIGHUP-to-Upgrade idiom
// in graceful_restarts/tbflip/main.go.
func handleTerminationSignals(r *router.Router, log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		switch s {
		case syscall.SIGTERM:
			r.RequestShutdownBroadcast(wire.SoftStop)
			go func() {
				time.Sleep(softStopDeadline)
				r.RequestShutdownBroadcast(wire.HardStop)
				r.Stop()
			}()
			return
		case syscall.SIGHUP:
			if err := upgrade.Upgrade(r); err != nil {
				log.WithError(err).Error("master upgrade handoff failed; continuing on current binary")
			}
		}
	}
}

func loadListenerSpecs(path string) (map[string]wire.ListenerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs map[string]wire.ListenerSpec
	if err := wire.Unmarshal(data, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}
