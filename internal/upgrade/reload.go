package upgrade

import (
	"net"

	"github.com/cloudflare/tableflip"

	"github.com/sozu-proxy/control-plane/internal/errs"
)

// HotReloader wraps tableflip.Upgrader for listeners that carry no worker
// state. cmd/sozu binds only the introspection listener through it; the
// admin listener is not bound here. Reload hands off every listener
// obtained through Listen to a re-exec'd binary, but nothing in cmd/sozu
// calls Reload: SIGHUP and UPGRADE_MASTER run the full handoff in
// upgrade.go instead.
//
// Grounded directly on the teacher's
// graceful_restarts/tbflip/main.go tableflip.New/Listen/Ready/Upgrade/Exit
// lifecycle; tableflip's own internal re-exec and fd handoff protocol has
// no hook for carrying the extra worker-channel fds and the UpgradeData
// blob spec.md §4.7 step 2 requires for a full master upgrade, which is
// why that path (Upgrade/Receive in this package) is custom instead.
type HotReloader struct {
	upg *tableflip.Upgrader
}

// NewHotReloader constructs a tableflip-backed reloader. pidFile may be
// empty to disable PID file tracking.
func NewHotReloader(pidFile string) (*HotReloader, error) {
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return nil, errs.Wrap(errs.UpgradeFailed, "constructing tableflip upgrader", err)
	}
	return &HotReloader{upg: upg}, nil
}

// Listen must be called before Ready, per tableflip's contract.
func (h *HotReloader) Listen(network, address string) (net.Listener, error) {
	ln, err := h.upg.Listen(network, address)
	if err != nil {
		return nil, errs.Wrap(errs.UpgradeFailed, "tableflip listen", err)
	}
	return ln, nil
}

// Ready signals that this process has finished starting up and the
// previous generation (if any) may stop accepting.
func (h *HotReloader) Ready() error {
	if err := h.upg.Ready(); err != nil {
		return errs.Wrap(errs.UpgradeFailed, "tableflip ready", err)
	}
	return nil
}

// Reload re-execs the current binary, handing off every listener
// obtained through Listen.
func (h *HotReloader) Reload() error {
	if err := h.upg.Upgrade(); err != nil {
		return errs.Wrap(errs.UpgradeFailed, "tableflip upgrade", err)
	}
	return nil
}

// Exit reports when this generation should shut down: either it lost a
// race to a newer generation, or the process received a terminating
// signal.
func (h *HotReloader) Exit() <-chan struct{} { return h.upg.Exit() }

// Stop releases tableflip's resources (its control socket, PID file).
func (h *HotReloader) Stop() { h.upg.Stop() }
