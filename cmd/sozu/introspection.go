package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/introspect"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/router"
	"github.com/sozu-proxy/control-plane/internal/upgrade"
)

// startIntrospection wires the read-only observability surface
// (internal/introspect) to r's worker lifecycle events and serves it on
// addr, returning a shutdown func the caller should defer. Used
// identically by master mode and by the new master after an upgrade
// handoff, since both need the same read-only surface back up.
//
// The listener itself is obtained through a tableflip HotReloader rather
// than a bare net.Listen. Nothing calls HotReloader.Reload, and the
// worker-fd handoff in internal/upgrade.Upgrade (run on SIGHUP and
// UPGRADE_MASTER) does not pass this listener on; the new master sets up
// its own by calling startIntrospection.
func startIntrospection(addr string, reg *registry.Registry, r *router.Router, log *logrus.Entry) (func(), error) {
	reloader, err := upgrade.NewHotReloader("")
	if err != nil {
		return nil, err
	}

	ln, err := reloader.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	hub := introspect.NewHub(log)
	go hub.Run()
	r.SetEventSink(func(kind, tag string, id uint32, pid int) {
		hub.Publish(introspect.Event{Type: kind, Tag: tag, ID: id, Pid: pid, Timestamp: time.Now()})
	})

	srv := introspect.New(addr, reg, hub, log)
	go func() {
		if err := srv.Serve(ln); err != nil {
			log.WithError(err).Error("introspection server stopped")
		}
	}()

	if err := reloader.Ready(); err != nil {
		log.WithError(err).Warn("tableflip ready signal failed for introspection listener")
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hub.Close()
		reloader.Stop()
	}, nil
}
