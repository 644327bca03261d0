package router

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
)

// readerLoop owns the read half of ch exclusively: it blocks in Fill,
// decodes every complete frame, and hands each one (success or decode
// error) to onMessage. It returns once Fill reports PeerClosed/IO, having
// already called onClosed.
//
// This, together with writerLoop, is the per-connection goroutine pair
// that substitutes for spec.md §5's single readiness-polling primitive:
// the blocking Fill/Flush calls themselves are the readiness wait, and
// nothing but these two goroutines ever touches ch, so the central router
// goroutine can treat every decoded message and close notification as a
// plain Go channel send without further synchronization.
func readerLoop[T any](ch *channel.Channel[T], onMessage func(T, error), onClosed func(error)) {
	for {
		if err := ch.Fill(); err != nil {
			onClosed(err)
			return
		}
		for {
			msg, ok, err := ch.ReadMessage()
			if err != nil {
				onMessage(msg, err)
				continue
			}
			if !ok {
				break
			}
			onMessage(msg, nil)
		}
	}
}

// writerLoop owns the write half of ch exclusively. Messages sent on
// outbound are appended to a local FIFO side queue and retried on
// BackPressure, per spec.md §4.6 "Backpressure": the router never blocks
// dispatching an order, it just enqueues and this loop drains as capacity
// allows.
func writerLoop[T any](ch *channel.Channel[T], outbound <-chan T, done <-chan struct{}, log *logrus.Entry) {
	var sideQueue []T
	for {
		if len(sideQueue) > 0 {
			msg := sideQueue[0]
			if err := ch.WriteMessage(msg); err != nil {
				if errs.Is(err, errs.BackPressure) {
					_ = ch.Flush()
					time.Sleep(5 * time.Millisecond)
					continue
				}
				log.WithError(err).Warn("dropping frame after write error")
				sideQueue = sideQueue[1:]
				continue
			}
			sideQueue = sideQueue[1:]
			_ = ch.Flush()
			continue
		}
		select {
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			sideQueue = append(sideQueue, msg)
		case <-done:
			return
		}
	}
}
