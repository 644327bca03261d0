// Package router implements the Command Router / Dispatcher of spec.md
// §4.6: the master's event-loop core, multiplexing the admin listener,
// every admin-client channel and every worker channel, translating admin
// requests into orders, fanning them out to workers, correlating replies,
// and updating the state store.
package router

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sozu-proxy/control-plane/internal/admin"
	"github.com/sozu-proxy/control-plane/internal/channel"
	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/registry"
	"github.com/sozu-proxy/control-plane/internal/signals"
	"github.com/sozu-proxy/control-plane/internal/spawner"
	"github.com/sozu-proxy/control-plane/internal/state"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// RequestTimeout is the default per-request deadline of spec.md §4.6
// ("a bounded deadline per outstanding request (default 30 s)").
const RequestTimeout = 30 * time.Second

type workerKey struct {
	tag string
	id  uint32
}

type adminConnState struct {
	conn     *admin.Conn
	outbound chan wire.AdminFrame
	done     chan struct{}
}

type workerConnState struct {
	tag      string
	id       uint32
	channel  channelHandle
	outbound chan wire.WorkerFrame
	done     chan struct{}
}

// channelHandle narrows spawner.Spawned.Channel to what the router needs,
// avoiding a direct generic-type dependency in this struct's field list.
type channelHandle = interface {
	Close() error
}

type adminInboundMsg struct {
	connID uint64
	frame  wire.AdminFrame
	err    error
}

type workerInboundMsg struct {
	key   workerKey
	frame wire.WorkerFrame
	err   error
}

// pendingRequest tracks one admin request awaiting replies from the
// workers it was fanned out to (spec.md §4.6 "Correlation").
type pendingRequest struct {
	connID    uint64
	remaining int
	status    wire.Status
	timer     *time.Timer
}

// Router is the master's single-threaded cooperative event loop.
type Router struct {
	st    *state.Store
	reg   *registry.Registry
	admin *admin.Listener
	watch *signals.ChildWatcher
	log   *logrus.Entry

	specs map[string]wire.ListenerSpec

	admins  map[uint64]*adminConnState
	workers map[workerKey]*workerConnState
	pending map[string]*pendingRequest

	adminInbox   chan adminInboundMsg
	workerInbox  chan workerInboundMsg
	adminClosed  chan uint64
	workerClosed chan workerKey
	timedOut     chan string
	broadcastReq chan wire.OrderKind
	stop         chan struct{}

	requestTimeout time.Duration

	// spawn is overridable in tests; defaults to spawner.Spawn.
	spawn func(tag string, id uint32, ls wire.ListenerSpec) (*spawner.Spawned, error)

	// upgrader performs the master upgrade handoff (internal/upgrade),
	// wired in by cmd/sozu since internal/router cannot import
	// internal/upgrade without a cycle (upgrade needs Router's accessors).
	upgrader func(*Router) error

	// events, if set, is notified of worker lifecycle transitions so an
	// observer (internal/introspect's Hub) can publish them; kept as a
	// plain func rather than an import so internal/router stays ignorant
	// of internal/introspect entirely.
	events func(kind, tag string, id uint32, pid int)
}

// SetUpgrader wires in the master upgrade coordinator's handoff function,
// called synchronously from handleUpgradeMaster.
func (r *Router) SetUpgrader(fn func(*Router) error) {
	r.upgrader = fn
}

// SetEventSink wires a callback invoked on worker spawn, loss and respawn,
// for internal/introspect's GET /events feed. Safe to call before Run.
func (r *Router) SetEventSink(fn func(kind, tag string, id uint32, pid int)) {
	r.events = fn
}

func (r *Router) emit(kind, tag string, id uint32, pid int) {
	if r.events != nil {
		r.events(kind, tag, id, pid)
	}
}

// New constructs a Router bound to ln and backed by st/reg.
func New(ln *admin.Listener, st *state.Store, reg *registry.Registry, log *logrus.Entry) *Router {
	return &Router{
		st:             st,
		reg:            reg,
		admin:          ln,
		watch:          signals.NewChildWatcher(),
		log:            log,
		specs:          make(map[string]wire.ListenerSpec),
		admins:         make(map[uint64]*adminConnState),
		workers:        make(map[workerKey]*workerConnState),
		pending:        make(map[string]*pendingRequest),
		adminInbox:     make(chan adminInboundMsg, 64),
		workerInbox:    make(chan workerInboundMsg, 64),
		adminClosed:    make(chan uint64, 16),
		workerClosed:   make(chan workerKey, 16),
		timedOut:       make(chan string, 16),
		broadcastReq:   make(chan wire.OrderKind, 1),
		stop:           make(chan struct{}),
		requestTimeout: RequestTimeout,
		spawn:          spawner.Spawn,
	}
}

// Bootstrap registers every listener spec and spawns its configured
// worker count, id 0 last (spec.md §9 open question (a), matching
// original_source/bin/src/worker.rs's start_workers ordering).
func (r *Router) Bootstrap(specs map[string]wire.ListenerSpec) error {
	for tag, ls := range specs {
		r.specs[tag] = ls
		r.st.Register(tag, ls.Kind)
		count := ls.WorkerCount
		if count <= 0 {
			count = 1
		}
		for id := uint32(1); id < uint32(count); id++ {
			if err := r.spawnWorker(tag, id); err != nil {
				return err
			}
		}
		if err := r.spawnWorker(tag, 0); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) spawnWorker(tag string, id uint32) error {
	ls := r.specs[tag]
	sp, err := r.spawn(tag, id, ls)
	if err != nil {
		return errs.Wrap(errs.SpawnFailed, "spawning worker", err)
	}
	r.reg.Insert(&registry.Worker{
		Info:    registry.WorkerInfo{ID: id, Pid: sp.Pid, Tag: tag, ProxyType: ls.Kind, RunState: wire.Running},
		Channel: sp.Channel,
	})
	r.attachWorker(tag, id, sp.Channel)
	// Replay the tag's current orders so a (re)started worker catches up;
	// its answers carry no pending request and are ignored.
	k := workerKey{tag: tag, id: id}
	for _, o := range r.st.Orders(tag) {
		r.sendWorkerOrder(k, "replay-"+tag, o)
	}
	r.emit("worker_spawned", tag, id, sp.Pid)
	return nil
}

// attachWorker wires up the reader/writer goroutine pair for a worker
// channel already present in the registry, whether freshly spawned or
// inherited across a master upgrade (AdoptWorker).
func (r *Router) attachWorker(tag string, id uint32, ch *channel.Channel[wire.WorkerFrame]) {
	if err := ch.SetBlocking(); err != nil {
		r.log.WithError(err).Warn("setting worker channel blocking")
	}
	k := workerKey{tag: tag, id: id}
	st := &workerConnState{
		tag:      tag,
		id:       id,
		channel:  ch,
		outbound: make(chan wire.WorkerFrame, 64),
		done:     make(chan struct{}),
	}
	r.workers[k] = st
	go readerLoop(ch, func(frame wire.WorkerFrame, err error) {
		r.workerInbox <- workerInboundMsg{key: k, frame: frame, err: err}
	}, func(err error) {
		r.workerClosed <- k
	})
	go writerLoop(ch, st.outbound, st.done, r.log)
}

// AdoptWorker registers a worker channel inherited across a master
// upgrade handoff (spec.md §4.7 step 4), wiring it into the event loop
// exactly as a freshly spawned worker would be. The caller has already
// inserted the corresponding entry into Registry.
func (r *Router) AdoptWorker(tag string, id uint32, ch *channel.Channel[wire.WorkerFrame]) {
	r.attachWorker(tag, id, ch)
}

// SetSpec records ls as the desired configuration for tag, used when
// reconstructing a master's listener specs after an upgrade handoff
// (spec.md §4.7 step 4); Bootstrap is not re-run since workers already
// exist.
func (r *Router) SetSpec(tag string, ls wire.ListenerSpec) {
	r.specs[tag] = ls
}

// Run is the event loop. It blocks until Stop is called.
func (r *Router) Run() {
	for {
		select {
		case <-r.stop:
			return
		case conn := <-r.admin.Accepted():
			r.acceptAdmin(conn)
		case err := <-r.admin.Errors():
			r.log.WithError(err).Error("admin listener failed; stopping")
			return
		case msg := <-r.adminInbox:
			r.handleAdminInbound(msg)
		case msg := <-r.workerInbox:
			r.handleWorkerInbound(msg)
		case id := <-r.adminClosed:
			r.removeAdmin(id)
		case k := <-r.workerClosed:
			r.removeWorker(k)
		case reqID := <-r.timedOut:
			r.handleTimeout(reqID)
		case exit := <-r.watch.Exits():
			r.handleChildExit(exit)
		case kind := <-r.broadcastReq:
			r.broadcastOrder(kind)
		}
	}
}

// Stop ends Run and releases the signal watcher.
func (r *Router) Stop() {
	close(r.stop)
	r.watch.Stop()
}

// RequestShutdownBroadcast enqueues a fire-and-forget order (SoftStop or
// HardStop) to every worker, for cmd/sozu's SIGTERM handling (spec.md §5
// "SIGTERM on the master initiates a soft-stop broadcast, waits up to a
// bounded deadline, then a hard-stop"). Unlike admin-originated orders
// this has no admin connection to answer and is not tracked in the
// pending-request table; safe to call from any goroutine.
func (r *Router) RequestShutdownBroadcast(kind wire.OrderKind) {
	select {
	case r.broadcastReq <- kind:
	default:
	}
}

func (r *Router) broadcastOrder(kind wire.OrderKind) {
	order := wire.Order{Kind: kind}
	for k := range r.workers {
		r.sendWorkerOrder(k, "shutdown-"+string(kind), order)
	}
}

func (r *Router) acceptAdmin(conn *admin.Conn) {
	st := &adminConnState{conn: conn, outbound: make(chan wire.AdminFrame, 16), done: make(chan struct{})}
	r.admins[conn.ID] = st
	go readerLoop(conn.Channel, func(frame wire.AdminFrame, err error) {
		r.adminInbox <- adminInboundMsg{connID: conn.ID, frame: frame, err: err}
	}, func(err error) {
		r.adminClosed <- conn.ID
	})
	go writerLoop(conn.Channel, st.outbound, st.done, r.log)
}

func (r *Router) removeAdmin(id uint64) {
	st, ok := r.admins[id]
	if !ok {
		return
	}
	close(st.done)
	delete(r.admins, id)
	r.admin.Remove(id)
}

// removeWorker handles PeerClosed on a worker channel: it deregisters the
// worker and, if the listener's worker count has dropped below desired,
// triggers a respawn (spec.md §7, §8 invariant 6).
func (r *Router) removeWorker(k workerKey) {
	st, ok := r.workers[k]
	if !ok {
		return
	}
	close(st.done)
	_ = st.channel.Close()
	delete(r.workers, k)
	removed := r.reg.Remove(k.tag, k.id)
	pid := 0
	if removed != nil {
		pid = removed.Info.Pid
	}
	r.emit("worker_lost", k.tag, k.id, pid)

	ls, ok := r.specs[k.tag]
	if !ok {
		return
	}
	want := ls.WorkerCount
	if want <= 0 {
		want = 1
	}
	if r.reg.CountByTag(k.tag) < want {
		newID := r.reg.NextID(k.tag)
		if err := r.spawnWorker(k.tag, newID); err != nil {
			r.log.WithError(err).WithField("tag", k.tag).Error("respawn after worker loss failed")
		}
	}
}

func (r *Router) handleChildExit(exit signals.Exit) {
	w := r.reg.ByPid(exit.Pid)
	if w == nil {
		return
	}
	r.reg.SetRunState(w.Info.Tag, w.Info.ID, wire.Stopped)
}

func (r *Router) sendAdminAnswer(connID uint64, ans wire.ConfigMessageAnswer) {
	st, ok := r.admins[connID]
	if !ok {
		return
	}
	select {
	case st.outbound <- wire.AnswerFrame(ans):
	default:
		r.log.WithField("conn", connID).Warn("admin outbound queue full; dropping answer")
	}
}

func (r *Router) sendWorkerOrder(k workerKey, id string, order wire.Order) bool {
	st, ok := r.workers[k]
	if !ok {
		return false
	}
	select {
	case st.outbound <- wire.OrderFrame(id, order):
		return true
	default:
		r.log.WithField("worker", k).Warn("worker outbound queue full; dropping order")
		return false
	}
}

func (r *Router) handleAdminInbound(msg adminInboundMsg) {
	if msg.err != nil {
		if msg.frame.Request != nil && msg.frame.Request.ID != "" {
			r.sendAdminAnswer(msg.connID, wire.NewAnswer(msg.frame.Request.ID, wire.ErrStatus, msg.err.Error()))
		} else {
			r.log.WithError(msg.err).Warn("dropping malformed admin frame without a recoverable id")
		}
		return
	}
	if msg.frame.Request == nil {
		return
	}
	r.dispatch(msg.connID, *msg.frame.Request)
}

func (r *Router) dispatch(connID uint64, req wire.ConfigMessage) {
	switch req.Command.Type {
	case wire.CommandProxy:
		r.handleProxy(connID, req)
	case wire.CommandSaveState:
		r.handleSaveState(connID, req)
	case wire.CommandLoadState:
		r.handleLoadState(connID, req)
	case wire.CommandDumpState:
		r.handleDumpState(connID, req)
	case wire.CommandListWorkers:
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, "").WithWorkers(r.reg.List()))
	case wire.CommandLaunchWorker:
		r.handleLaunchWorker(connID, req)
	case wire.CommandUpgradeMaster:
		r.handleUpgradeMaster(connID, req)
	case wire.CommandStatus:
		r.handleStatus(connID, req)
	default:
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, "unrecognized command"))
	}
}

func (r *Router) handleProxy(connID uint64, req wire.ConfigMessage) {
	if req.Proxy == nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, "missing field proxy"))
		return
	}
	tag := *req.Proxy
	if err := r.st.Apply(tag, req.Command.Order); err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}
	r.fanOutOrder(connID, req.ID, tag, req.ProxyID, req.Command.Order)
}

func (r *Router) handleStatus(connID uint64, req wire.ConfigMessage) {
	order := wire.Order{Kind: wire.StatusCheck}
	if req.Proxy != nil {
		r.fanOutOrder(connID, req.ID, *req.Proxy, req.ProxyID, order)
		return
	}
	var keys []workerKey
	for k := range r.workers {
		if req.ProxyID != nil && k.id != *req.ProxyID {
			continue
		}
		keys = append(keys, k)
	}
	r.fanOutTo(connID, req.ID, keys, order)
}

// fanOutOrder sends order to every worker of tag (optionally filtered by
// a single worker id), tracking replies via a pendingRequest.
func (r *Router) fanOutOrder(connID uint64, reqID, tag string, idFilter *uint32, order wire.Order) {
	var keys []workerKey
	for k := range r.workers {
		if k.tag != tag {
			continue
		}
		if idFilter != nil && k.id != *idFilter {
			continue
		}
		keys = append(keys, k)
	}
	r.fanOutTo(connID, reqID, keys, order)
}

func (r *Router) fanOutTo(connID uint64, reqID string, keys []workerKey, order wire.Order) {
	if len(keys) == 0 {
		r.sendAdminAnswer(connID, wire.NewAnswer(reqID, wire.Ok, ""))
		return
	}
	sent := 0
	for _, k := range keys {
		if r.sendWorkerOrder(k, reqID, order) {
			sent++
		}
	}
	if sent == 0 {
		r.sendAdminAnswer(connID, wire.NewAnswer(reqID, wire.ErrStatus, "no workers reachable"))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(reqID, wire.Processing, ""))
	r.beginPending(connID, reqID, sent)
}

func (r *Router) beginPending(connID uint64, reqID string, remaining int) {
	pr := &pendingRequest{connID: connID, remaining: remaining, status: wire.Ok}
	pr.timer = time.AfterFunc(r.requestTimeout, func() {
		r.timedOut <- reqID
	})
	r.pending[reqID] = pr
}

func (r *Router) handleWorkerInbound(msg workerInboundMsg) {
	if msg.err != nil {
		r.log.WithError(msg.err).WithField("worker", msg.key).Warn("malformed worker frame")
		return
	}
	if msg.frame.Kind != wire.FrameReply {
		return
	}
	pr, ok := r.pending[msg.frame.ID]
	if !ok {
		return
	}
	if msg.frame.Status == wire.ErrStatus {
		pr.status = wire.ErrStatus
	}
	pr.remaining--
	if pr.remaining <= 0 {
		r.finalizePending(msg.frame.ID, pr)
	}
}

func (r *Router) finalizePending(reqID string, pr *pendingRequest) {
	pr.timer.Stop()
	delete(r.pending, reqID)
	r.sendAdminAnswer(pr.connID, wire.NewAnswer(reqID, pr.status, ""))
}

func (r *Router) handleTimeout(reqID string) {
	pr, ok := r.pending[reqID]
	if !ok {
		return
	}
	delete(r.pending, reqID)
	r.sendAdminAnswer(pr.connID, wire.NewAnswer(reqID, wire.ErrStatus, "timeout"))
	// Unresponsive workers are left registered; only a later PeerClosed on
	// their channel drives the respawn path (SIGCHLD just marks them
	// Stopped).
}

func (r *Router) handleSaveState(connID uint64, req wire.ConfigMessage) {
	if err := r.st.Save(req.Command.Path); err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, ""))
}

func (r *Router) handleLoadState(connID uint64, req wire.ConfigMessage) {
	if err := r.st.Load(req.Command.Path); err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}

	type send struct {
		key   workerKey
		order wire.Order
	}
	var sends []send
	for _, tag := range r.st.Tags() {
		orders := r.st.Orders(tag)
		for k := range r.workers {
			if k.tag != tag {
				continue
			}
			for _, o := range orders {
				sends = append(sends, send{key: k, order: o})
			}
		}
	}
	if len(sends) == 0 {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, ""))
		return
	}
	sent := 0
	for _, s := range sends {
		if r.sendWorkerOrder(s.key, req.ID, s.order) {
			sent++
		}
	}
	if sent == 0 {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, ""))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Processing, ""))
	r.beginPending(connID, req.ID, sent)
}

func (r *Router) handleDumpState(connID uint64, req wire.ConfigMessage) {
	encoded, err := wire.Marshal(r.st.Dump())
	if err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, string(encoded)))
}

func (r *Router) handleLaunchWorker(connID uint64, req wire.ConfigMessage) {
	tag := req.Command.WorkerTag
	if _, ok := r.specs[tag]; !ok {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, "unknown tag "+tag))
		return
	}
	id := r.reg.NextID(tag)
	if err := r.spawnWorker(tag, id); err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, ""))
}

// handleUpgradeMaster answers Error until cmd/sozu wires in upgrade.Upgrade
// through SetUpgrader (spec.md §4.7).
func (r *Router) handleUpgradeMaster(connID uint64, req wire.ConfigMessage) {
	if r.upgrader == nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, "upgrade not configured"))
		return
	}
	if err := r.upgrader(r); err != nil {
		r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.ErrStatus, err.Error()))
		return
	}
	r.sendAdminAnswer(connID, wire.NewAnswer(req.ID, wire.Ok, ""))
	r.log.Info("master upgrade handoff complete; exiting")
	go func() {
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()
}

// State exposes the state store for the upgrade coordinator to serialize.
func (r *Router) State() *state.Store { return r.st }

// Registry exposes the worker registry for the upgrade coordinator.
func (r *Router) Registry() *registry.Registry { return r.reg }

// Specs exposes the registered listener specs for the upgrade coordinator.
func (r *Router) Specs() map[string]wire.ListenerSpec { return r.specs }

// AdminListener exposes the bound admin listener for the upgrade
// coordinator to hand off.
func (r *Router) AdminListener() *admin.Listener { return r.admin }
