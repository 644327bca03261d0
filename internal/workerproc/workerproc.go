// Package workerproc is the worker-side half of spec.md §4.4 step 5: the
// newly exec'd child constructs a blocking channel around its inherited
// fd, reads the handshake, flips to nonblocking, and hands the channel to
// "the kind-specific data-plane engine" — explicitly an external
// collaborator per spec.md §1 ("the HTTP and TLS data-plane engines
// inside each worker... we only specify the control messages they consume
// and emit"). This package is that boundary: it implements the control
// side faithfully (handshake, orders in, replies out, correlation ids
// echoed) and stands in for the data-plane engine with a local
// state.Store mirror that applies every order and acknowledges it, rather
// than shipping a real HTTP/TLS proxy, which is out of this repo's scope.
//
// Grounded on original_source/bin/src/worker.rs's begin_worker_process
// (blocking handshake read, then nonblocking service loop) and the
// reader/writer goroutine-pair idiom already used master-side in
// internal/router/pump.go, simplified here to one connection with no
// other I/O sources to multiplex against.
package workerproc

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/state"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// pollInterval bounds how long Run sleeps between nonblocking read
// attempts when there is nothing to do; there is no epoll/kqueue
// multiplexer in this package since a worker here has exactly one fd to
// watch.
const pollInterval = 20 * time.Millisecond

// Run performs the handshake on ch (blocking), then services orders until
// the channel reports PeerClosed or an unrecoverable IO error. It returns
// the received ListenerSpec and the final error (nil on a clean peer
// close).
func Run(ch *channel.Channel[wire.WorkerFrame], log *logrus.Entry) (wire.ListenerSpec, error) {
	if err := ch.SetBlocking(); err != nil {
		return wire.ListenerSpec{}, err
	}

	ls, err := handshake(ch)
	if err != nil {
		return wire.ListenerSpec{}, err
	}
	log.WithField("kind", ls.Kind).Info("handshake complete")

	if err := ch.SetNonblocking(); err != nil {
		return ls, err
	}

	st := state.New()
	st.Register("local", ls.Kind)

	for {
		if err := ch.Fill(); err != nil {
			if errs.Is(err, errs.PeerClosed) {
				log.Info("master channel closed; exiting")
				return ls, nil
			}
			return ls, err
		}
		drained := false
		for {
			frame, ok, err := ch.ReadMessage()
			if err != nil {
				log.WithError(err).Warn("dropping malformed order frame")
				continue
			}
			if !ok {
				break
			}
			drained = true
			handleFrame(ch, st, frame, log)
		}
		if err := ch.Flush(); err != nil {
			return ls, err
		}
		if !drained {
			time.Sleep(pollInterval)
		}
	}
}

func handshake(ch *channel.Channel[wire.WorkerFrame]) (wire.ListenerSpec, error) {
	if err := ch.Fill(); err != nil {
		return wire.ListenerSpec{}, err
	}
	frame, ok, err := ch.ReadMessage()
	if err != nil {
		return wire.ListenerSpec{}, err
	}
	if !ok || frame.Kind != wire.FrameHandshake || frame.ListenerSpec == nil {
		return wire.ListenerSpec{}, errs.New(errs.Protocol, "expected handshake frame first")
	}
	return *frame.ListenerSpec, nil
}

// handleFrame applies order to the local state mirror and replies Ok,
// standing in for the real data-plane engine's apply-and-acknowledge.
func handleFrame(ch *channel.Channel[wire.WorkerFrame], st *state.Store, frame wire.WorkerFrame, log *logrus.Entry) {
	if frame.Kind != wire.FrameOrder || frame.Order == nil {
		return
	}
	if err := st.Apply("local", *frame.Order); err != nil {
		log.WithError(err).WithField("order", frame.Order.Kind).Warn("order rejected")
		if werr := ch.WriteMessage(wire.ReplyFrame(frame.ID, wire.ErrStatus, err.Error())); werr != nil {
			log.WithError(werr).Error("failed to queue error reply")
		}
		return
	}
	if err := ch.WriteMessage(wire.ReplyFrame(frame.ID, wire.Ok, "")); err != nil {
		log.WithError(err).Error("failed to queue reply")
	}
}
