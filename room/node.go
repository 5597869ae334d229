// Package room coordinates peers into a star-shaped relay with one leader.
//
// A Node owns every piece of protocol state. All of it is touched from a
// single goroutine draining one event queue; transport callbacks, timer
// ticks and user intents are posted to that queue as closures.
package room

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aranachat/room/store"
	"github.com/aranachat/room/transport"
)

// Protocol holds the timing and sizing parameters. Zero fields take the
// value from DefaultProtocol, except SendInterval where zero disables the
// send throttle.
type Protocol struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	ProbeInterval     time.Duration `json:"probe_interval" yaml:"probe_interval" mapstructure:"probe_interval"`
	SyncInterval      time.Duration `json:"sync_interval" yaml:"sync_interval" mapstructure:"sync_interval"`
	ExpiryInterval    time.Duration `json:"expiry_interval" yaml:"expiry_interval" mapstructure:"expiry_interval"`
	CleanupInterval   time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	OfflineAfter      time.Duration `json:"offline_after" yaml:"offline_after" mapstructure:"offline_after"`

	ProbeTimeout   time.Duration `json:"probe_timeout" yaml:"probe_timeout" mapstructure:"probe_timeout"`
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay" mapstructure:"retry_delay"`
	HandoffGrace   time.Duration `json:"handoff_grace" yaml:"handoff_grace" mapstructure:"handoff_grace"`
	SendInterval   time.Duration `json:"send_interval" yaml:"send_interval" mapstructure:"send_interval"`

	// PersistDelay coalesces history writes made while leading.
	PersistDelay time.Duration `json:"persist_delay" yaml:"persist_delay" mapstructure:"persist_delay"`

	// TransferTimeout drops chunked transfers that stay incomplete.
	TransferTimeout time.Duration `json:"transfer_timeout" yaml:"transfer_timeout" mapstructure:"transfer_timeout"`

	HistoryLimit  int `json:"history_limit" yaml:"history_limit" mapstructure:"history_limit"`
	ReplayLimit   int `json:"replay_limit" yaml:"replay_limit" mapstructure:"replay_limit"`
	TransferLimit int `json:"transfer_limit" yaml:"transfer_limit" mapstructure:"transfer_limit"`
	MaxChunks     int `json:"max_chunks" yaml:"max_chunks" mapstructure:"max_chunks"`
	ChunkSize     int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxContent    int `json:"max_content" yaml:"max_content" mapstructure:"max_content"`
	ErrorLogSize  int `json:"error_log_size" yaml:"error_log_size" mapstructure:"error_log_size"`
	ImageCache    int `json:"image_cache" yaml:"image_cache" mapstructure:"image_cache"`

	// FrameBytes bounds the encoded size of history frames. Keep it below
	// the transport read limit.
	FrameBytes int `json:"frame_bytes" yaml:"frame_bytes" mapstructure:"frame_bytes"`

	ImageTTL          time.Duration `json:"image_ttl" yaml:"image_ttl" mapstructure:"image_ttl"`
	ExpirationMinutes int           `json:"expiration_minutes" yaml:"expiration_minutes" mapstructure:"expiration_minutes"`
}

// DefaultProtocol returns the standard parameters.
func DefaultProtocol() Protocol {
	return Protocol{
		HeartbeatInterval: 10 * time.Second,
		ProbeInterval:     10 * time.Second,
		SyncInterval:      60 * time.Second,
		ExpiryInterval:    60 * time.Second,
		CleanupInterval:   60 * time.Second,
		OfflineAfter:      30 * time.Second,
		ProbeTimeout:      2 * time.Second,
		ConnectTimeout:    10 * time.Second,
		RetryDelay:        2 * time.Second,
		HandoffGrace:      2 * time.Second,
		SendInterval:      time.Second,
		PersistDelay:      500 * time.Millisecond,
		TransferTimeout:   2 * time.Minute,
		HistoryLimit:      500,
		ReplayLimit:       50,
		TransferLimit:     100,
		MaxChunks:         100,
		ChunkSize:         16 * 1024,
		MaxContent:        5000,
		ErrorLogSize:      50,
		ImageCache:        20,
		ImageTTL:          5 * time.Minute,
		FrameBytes:        48 * 1024,
	}
}

func (p Protocol) withDefaults() Protocol {
	d := DefaultProtocol()
	durs := []struct{ v, def *time.Duration }{
		{&p.HeartbeatInterval, &d.HeartbeatInterval},
		{&p.ProbeInterval, &d.ProbeInterval},
		{&p.SyncInterval, &d.SyncInterval},
		{&p.ExpiryInterval, &d.ExpiryInterval},
		{&p.CleanupInterval, &d.CleanupInterval},
		{&p.ProbeTimeout, &d.ProbeTimeout},
		{&p.ConnectTimeout, &d.ConnectTimeout},
		{&p.RetryDelay, &d.RetryDelay},
		{&p.ImageTTL, &d.ImageTTL},
		{&p.PersistDelay, &d.PersistDelay},
		{&p.TransferTimeout, &d.TransferTimeout},
	}
	for _, x := range durs {
		if *x.v <= 0 {
			*x.v = *x.def
		}
	}
	if p.OfflineAfter <= 0 {
		p.OfflineAfter = 3 * p.HeartbeatInterval
	}
	if p.HandoffGrace < 0 {
		p.HandoffGrace = 0
	}
	ints := []struct{ v, def *int }{
		{&p.HistoryLimit, &d.HistoryLimit},
		{&p.ReplayLimit, &d.ReplayLimit},
		{&p.TransferLimit, &d.TransferLimit},
		{&p.MaxChunks, &d.MaxChunks},
		{&p.ChunkSize, &d.ChunkSize},
		{&p.MaxContent, &d.MaxContent},
		{&p.ErrorLogSize, &d.ErrorLogSize},
		{&p.ImageCache, &d.ImageCache},
		{&p.FrameBytes, &d.FrameBytes},
	}
	for _, x := range ints {
		if *x.v <= 0 {
			*x.v = *x.def
		}
	}
	return p
}

// Options configures a Node.
type Options struct {
	Room string
	Name string
	// Self is the member identity; generated when empty.
	Self string

	Transport transport.Transport
	// Store receives history while this process leads. Nil disables
	// persistence.
	Store     store.Store
	Presenter Presenter
	Log       *zap.SugaredLogger
	Now       func() time.Time
	Protocol  Protocol
}

// Node is the coordinator of one process.
type Node struct {
	room      string
	name      string
	self      string
	primary   string
	backup    string
	proto     Protocol
	tr        transport.Transport
	store     store.Store
	presenter Presenter
	log       *zap.SugaredLogger
	now       func() time.Time

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Everything below is owned by the event loop.
	role       Role
	identity   string
	leaderID   string
	leaderName string
	leaderSeen time.Time
	endpoint   transport.Endpoint
	gen        uint64
	resolving  bool
	mode       Mode
	pending    []func()
	transfer   []Message
	expiration int

	// dirty is set while a coalesced history write is scheduled.
	dirty bool

	// stopResolve abandons the resolution in flight.
	stopResolve context.CancelFunc

	registry    *Registry
	router      *Router
	history     *History
	ledger      *Ledger
	reassembler *Reassembler
	images      *ImageCache
	users       map[string]*User
	errs        *ErrorLog
	sched       *Scheduler
	validator   *Validator
	resolver    *Resolver
	handlers    map[Kind]handlerFunc

	limiter *rate.Limiter
}

// New builds a Node. Call Run to start it.
func New(opts Options) (*Node, error) {
	if opts.Transport == nil {
		return nil, errors.New("room: transport required")
	}
	if opts.Room == "" {
		return nil, errors.New("room: room name required")
	}
	if opts.Log == nil {
		opts.Log = zap.S()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Presenter == nil {
		opts.Presenter = NopPresenter{}
	}
	if opts.Self == "" {
		opts.Self = NewMemberIdentity(opts.Room, opts.Now())
	}
	if opts.Name == "" {
		opts.Name = opts.Self
	}
	proto := opts.Protocol.withDefaults()

	validator, err := NewValidator(proto.MaxContent, opts.Now)
	if err != nil {
		return nil, err
	}

	n := &Node{
		room:        opts.Room,
		name:        opts.Name,
		self:        opts.Self,
		primary:     PrimaryIdentity(opts.Room),
		backup:      BackupIdentity(opts.Room),
		proto:       proto,
		tr:          opts.Transport,
		store:       opts.Store,
		presenter:   opts.Presenter,
		log:         opts.Log.With("self", opts.Self),
		now:         opts.Now,
		events:      make(chan func(), 1024),
		done:        make(chan struct{}),
		identity:    opts.Self,
		expiration:  proto.ExpirationMinutes,
		registry:    NewRegistry(),
		history:     NewHistory(proto.HistoryLimit),
		reassembler: NewReassembler(proto.MaxChunks, proto.TransferTimeout, opts.Now),
		images:      NewImageCache(proto.ImageCache, proto.ImageTTL),
		users:       make(map[string]*User),
		errs:        NewErrorLog(proto.ErrorLogSize),
		validator:   validator,
		limiter:     rate.NewLimiter(rate.Inf, 1),
	}
	if proto.SendInterval > 0 {
		n.limiter = rate.NewLimiter(rate.Every(proto.SendInterval), 1)
	}
	n.ledger = NewLedger(n.history)
	n.router = NewRouter(n.registry, n.log, n.report)
	n.sched = NewScheduler(n.post)
	n.resolver = &Resolver{
		tr:             n.tr,
		primary:        n.primary,
		backup:         n.backup,
		self:           n.self,
		probeTimeout:   proto.ProbeTimeout,
		connectTimeout: proto.ConnectTimeout,
		retryDelay:     proto.RetryDelay,
		log:            n.log.With("method", "resolve"),
		report: func(c string, err error) {
			n.post(func() { n.report(c, err) })
		},
	}
	n.handlers = n.handlerTable()
	return n, nil
}

// Self returns the generated member identity of this process.
func (n *Node) Self() string { return n.self }

// Run resolves a role and processes events until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	defer n.cancel()
	n.log.Info("starting")
	n.startResolve(ModeFull)
	for {
		select {
		case <-n.ctx.Done():
			n.shutdown()
			close(n.done)
			return nil
		case fn := <-n.events:
			n.runEvent(fn)
		}
	}
}

// Done is closed once Run has returned.
func (n *Node) Done() <-chan struct{} { return n.done }

func (n *Node) runEvent(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.report("event", fmt.Errorf("%w: panic: %v", ErrHandler, r))
		}
	}()
	fn()
}

// post queues fn for the event loop. It reports false once the loop is gone.
func (n *Node) post(fn func()) bool {
	select {
	case <-n.done:
		return false
	default:
	}
	select {
	case n.events <- fn:
		return true
	case <-n.done:
		return false
	}
}

// call runs fn on the event loop and waits for it.
func (n *Node) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !n.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
}

func (n *Node) report(context string, err error) {
	n.errs.Add(n.now(), context, err)
	n.log.Errorw(context, "err", err, "role", n.role)
}

func (n *Node) shutdown() {
	n.log.Info("stopping")
	n.teardown()
}

// teardown leaves the current role: tasks of the role are cancelled, the
// endpoint and every channel are closed.
func (n *Node) teardown() {
	n.sched.CancelAll()
	n.dirty = false
	if n.role.IsLeader() {
		n.persist()
		if u, ok := n.users[n.identity]; ok {
			u.Online = false
		}
	}
	n.registry.CloseAll()
	if n.endpoint != nil {
		n.endpoint.Close()
		n.endpoint = nil
	}
	n.role = Unresolved
	n.identity = n.self
	n.leaderID = ""
	roleGauge.Set(float64(Unresolved))
}

// startResolve drops the current role and resolves a new one in the
// background. Events for channels of the new resolution that arrive before
// it is applied are held and replayed in order.
func (n *Node) startResolve(mode Mode) {
	n.teardown()
	n.gen++
	gen := n.gen
	n.resolving = true
	n.mode = mode
	n.pending = nil
	if n.stopResolve != nil {
		n.stopResolve()
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.stopResolve = cancel
	h := &peerEvents{n: n, gen: gen}
	n.log.Infow("resolving", "mode", mode)
	go func() {
		res, err := n.resolver.Resolve(ctx, mode, h)
		if err != nil {
			return
		}
		if !n.post(func() { n.applyResolution(gen, res) }) {
			res.release()
		}
	}()
}

func (n *Node) applyResolution(gen uint64, res *Resolution) {
	if gen != n.gen {
		res.release()
		return
	}
	n.resolving = false
	n.role = res.Role
	n.identity = res.Identity
	n.leaderID = res.Leader
	roleGauge.Set(float64(n.role))

	if res.Role.IsLeader() {
		n.endpoint = res.Endpoint
		n.becomeLeader()
	} else {
		n.registry.Add(res.Leader, res.Channel)
		n.becomeMember()
	}

	pending := n.pending
	n.pending = nil
	for _, fn := range pending {
		n.runEvent(fn)
	}
}

func (n *Node) becomeLeader() {
	if n.store != nil {
		ctx, cancel := context.WithTimeout(n.ctx, 5*time.Second)
		if added, err := n.history.Restore(ctx, n.store); err != nil {
			n.report("restore history", err)
		} else if added > 0 {
			n.log.Infow("history restored", "messages", added)
		}
		n.restoreExpiration(ctx)
		cancel()
		n.persist()
	}
	historyGauge.Set(float64(n.history.Len()))
	n.leaderName = n.name
	n.upsertUser(User{Identity: n.identity, Name: n.name, IsLeader: true, Online: true, LastSeen: millis(n.now())})

	n.sched.Every("heartbeat", n.proto.HeartbeatInterval, n.heartbeat)
	n.sched.Every("sync", n.proto.SyncInterval, n.syncTick)
	n.sched.Every("expiry", n.proto.ExpiryInterval, n.expiryTick)
	n.sched.Every("cleanup", n.proto.CleanupInterval, n.cleanupTick)
	if n.role == BackupLeader {
		n.sched.Every("probe", n.proto.ProbeInterval, n.probeTick)
		n.presenter.OnNotify(NoticeWarning, "acting as backup leader")
	} else {
		n.presenter.OnNotify(NoticeSuccess, "acting as primary leader")
	}
	n.log.Infow("leading", "role", n.role, "identity", n.identity)
}

func (n *Node) becomeMember() {
	n.leaderSeen = n.now()
	n.sched.Every("probe", n.proto.ProbeInterval, n.probeTick)
	n.sched.Every("sync", n.proto.SyncInterval, n.syncTick)
	n.sched.Every("cleanup", n.proto.CleanupInterval, n.cleanupTick)
	if len(n.transfer) > 0 {
		batches := batchMessages(n.transfer, n.proto.FrameBytes)
		for i, b := range batches {
			f := n.stamp(KindHistoryTransfer)
			f.Messages = b
			f.ChunkIndex = i
			f.TotalChunks = len(batches)
			if err := n.router.SendTo(n.leaderID, f); err != nil {
				n.report("history transfer", err)
				break
			}
		}
		n.transfer = nil
	}
	n.presenter.OnNotify(NoticeSuccess, "connected to "+n.leaderID)
	n.log.Infow("joined", "leader", n.leaderID)
}

// persistSoon schedules one history write for everything changed within
// PersistDelay.
func (n *Node) persistSoon() {
	historyGauge.Set(float64(n.history.Len()))
	if n.store == nil || !n.role.IsLeader() || n.dirty {
		return
	}
	n.dirty = true
	n.sched.After("persist", n.proto.PersistDelay, n.persist)
}

// persist writes history while leading. Failures are recorded, not returned.
func (n *Node) persist() {
	historyGauge.Set(float64(n.history.Len()))
	if n.dirty {
		n.dirty = false
		n.sched.Cancel("persist")
	}
	if n.store == nil || !n.role.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.history.Persist(ctx, n.store); err != nil {
		n.report("persist", err)
	}
}

func (n *Node) persistExpiration() {
	if n.store == nil || !n.role.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.store.Put(ctx, ExpirationKey, []byte(strconv.Itoa(n.expiration))); err != nil {
		n.report("persist expiration", err)
	}
}

func (n *Node) restoreExpiration(ctx context.Context) {
	data, err := n.store.Get(ctx, ExpirationKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			n.report("restore expiration", err)
		}
		n.persistExpiration()
		return
	}
	v, err := strconv.Atoi(string(data))
	if err != nil {
		n.report("restore expiration", err)
		return
	}
	n.expiration = v
}

func (n *Node) upsertUser(u User) bool {
	cur, ok := n.users[u.Identity]
	if !ok {
		c := u
		n.users[u.Identity] = &c
		return true
	}
	changed := *cur != u
	*cur = u
	return changed
}

func (n *Node) roster() []User {
	users := make([]User, 0, len(n.users))
	for _, id := range slices.Sorted(maps.Keys(n.users)) {
		users = append(users, *n.users[id])
	}
	return users
}

func (n *Node) onlineUsers() []User {
	var users []User
	for _, u := range n.roster() {
		if u.Online {
			users = append(users, u)
		}
	}
	return users
}

// peerEvents feeds transport callbacks of one resolution into the loop.
type peerEvents struct {
	n   *Node
	gen uint64
}

func (p *peerEvents) OnOpen(ch transport.Channel) {
	p.n.postGen(p.gen, func() { p.n.onIncoming(ch) }, func() { ch.Close() })
}

func (p *peerEvents) OnData(ch transport.Channel, data []byte) {
	p.n.postGen(p.gen, func() { p.n.dispatch(ch, data) }, nil)
}

func (p *peerEvents) OnClose(ch transport.Channel, err error) {
	p.n.postGen(p.gen, func() { p.n.onChannelClosed(ch, err) }, nil)
}

func (n *Node) postGen(gen uint64, fn, stale func()) {
	n.post(func() {
		switch {
		case gen != n.gen:
			if stale != nil {
				stale()
			}
		case n.resolving:
			n.pending = append(n.pending, fn)
		default:
			fn()
		}
	})
}

// onIncoming registers a channel accepted while leading and greets it.
func (n *Node) onIncoming(ch transport.Channel) {
	if !n.role.IsLeader() {
		ch.Close()
		return
	}
	id := ch.Remote()
	if old := n.registry.Add(id, ch); old != nil {
		old.Close()
	}
	now := millis(n.now())
	greet := []*Frame{
		{
			Kind:           KindAdminInfo,
			SenderIdentity: n.identity,
			CreatedAt:      now,
			AdminID:        n.identity,
			AdminName:      n.name,
			AdminRole:      n.role.String(),
			IsEmergency:    n.role == BackupLeader,
		},
		{
			Kind:           KindRequestRegistration,
			SenderIdentity: n.identity,
			CreatedAt:      now,
			AdminIdentity:  n.identity,
			AdminName:      n.name,
		},
	}
	for _, f := range greet {
		if err := n.router.SendTo(id, f); err != nil {
			n.report("greet", err)
		}
	}
	n.log.Infow("peer connected", "peer", id)
}

func (n *Node) onChannelClosed(ch transport.Channel, err error) {
	id := ch.Remote()
	if err != nil {
		n.report("channel "+id, err)
	}
	if n.registry.Remove(id, ch) {
		n.log.Infow("peer disconnected", "peer", id)
	}
	if n.role != Member || id != n.leaderID {
		return
	}
	if _, ok := n.registry.Get(id); !ok {
		n.presenter.OnNotify(NoticeWarning, "lost connection to "+id)
		n.sched.After("leader-lost", n.proto.RetryDelay, n.checkLeader)
	}
}
