package main

import (
	"flag"
	"os"

	"github.com/sozu-proxy/control-plane/internal/admin"
	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/logging"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/router"
	"github.com/sozu-proxy/control-plane/internal/upgrade"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// runUpgrade implements the new master's half of spec.md §4.7 step 4:
// read the UpgradeData frame off --fd, reconstruct the state store, a
// registry populated with Workers wrapping each inherited channel fd, and
// the admin listener, then enter the ordinary event loop. Workers stay
// alive across the whole sequence; their clients see no disruption.
func runUpgrade(args []string) error {
	fs := flag.NewFlagSet("upgrade", flag.ContinueOnError)
	fd := fs.Int("fd", -1, "inherited control socket fd carrying the UpgradeData handoff")
	introspectAddr := fs.String("introspect-addr", "127.0.0.1:7878", "loopback address for the read-only observability HTTP+WS surface")
	if err := fs.Parse(args); err != nil {
		return errs.Wrap(errs.UpgradeFailed, "parsing upgrade flags", err)
	}
	if *fd < 0 {
		return errs.New(errs.UpgradeFailed, "upgrade mode requires --fd")
	}

	log := logging.Setup("master-upgrade", "info")

	adopted, err := upgrade.Receive(uintptr(*fd))
	if err != nil {
		return err
	}

	adminFile := os.NewFile(adopted.AdminFd, "admin-listener")
	ln, err := admin.AdoptFd(adminFile)
	if err != nil {
		return err
	}

	r := router.New(ln, adopted.State, adopted.Registry, log)
	r.SetUpgrader(upgrade.Upgrade)
	for tag, spec := range adopted.Specs {
		r.SetSpec(tag, spec)
	}

	for _, handoff := range adopted.Workers {
		ch := reconstructWorkerChannel(handoff, adopted.Specs[handoff.Tag])
		adopted.Registry.Insert(&registry.Worker{
			Info: registry.WorkerInfo{
				ID:        handoff.ID,
				Pid:       handoff.Pid,
				Tag:       handoff.Tag,
				ProxyType: handoff.Kind,
				RunState:  wire.Running,
			},
			Channel: ch,
		})
		r.AdoptWorker(handoff.Tag, handoff.ID, ch)
	}

	stopIntrospection, err := startIntrospection(*introspectAddr, adopted.Registry, r, log)
	if err != nil {
		log.WithError(err).Warn("introspection listener unavailable after upgrade; continuing without it")
	} else {
		defer stopIntrospection()
	}

	go handleTerminationSignals(r, log)

	log.Info("new master ready; resuming event loop")
	r.Run()
	return nil
}

func reconstructWorkerChannel(handoff wire.WorkerHandoff, spec wire.ListenerSpec) *channel.Channel[wire.WorkerFrame] {
	target := spec.ChannelBufferSize
	if target <= 0 {
		target = wire.DefaultChannelBufferSize
	}
	max := spec.ChannelBufferMax
	if max <= 0 {
		max = target * 2
	}
	f := os.NewFile(uintptr(handoff.Fd), "worker-"+handoff.Tag)
	return channel.New[wire.WorkerFrame](f, target, max)
}
