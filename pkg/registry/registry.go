// pkg/registry/registry.go
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type record struct {
	mu          sync.Mutex
	key         string
	status      Status
	message     string
	instance    Instance
	lastErr     *BootError
	updated     time.Time
	generation  uint64
	started     uint64
	cooldown    *backoff.ExponentialBackOff
	nextAttempt time.Time
}

type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCooldown bounds how often Trigger may retry a key whose last boot failed.
func WithCooldown(initial, max time.Duration) Option {
	return func(r *Registry) {
		r.coolInitial, r.coolMax = initial, max
	}
}

// WithBootTimeout caps a single boot attempt. Zero means no limit.
func WithBootTimeout(d time.Duration) Option {
	return func(r *Registry) { r.bootTimeout = d }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry owns the lifecycle of every tenant instance in this process.
// Mutations of one record are serialized by that record's lock; distinct keys
// never contend beyond map insertion.
type Registry struct {
	booter Booter
	log    *zap.Logger
	now    func() time.Time

	coolInitial time.Duration
	coolMax     time.Duration
	bootTimeout time.Duration

	mu      sync.RWMutex
	records map[string]*record
	closed  bool

	flight singleflight.Group

	subMu  sync.RWMutex
	subs   map[uint64]func(Event)
	nextID uint64
	events *eventQueue
}

func New(b Booter, opts ...Option) *Registry {
	r := &Registry{
		booter:      b,
		log:         zap.NewNop(),
		now:         time.Now,
		coolInitial: time.Second,
		coolMax:     30 * time.Second,
		records:     make(map[string]*record),
		subs:        make(map[uint64]func(Event)),
	}
	for _, o := range opts {
		o(r)
	}
	r.events = newEventQueue(r.deliver, r.log)
	return r
}

func (r *Registry) lookup(key string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[key]
	return rec, ok
}

func (r *Registry) getOrCreate(key string) *record {
	if rec, ok := r.lookup(key); ok {
		return rec
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec
	}
	rec := &record{key: key, status: NotFound, updated: r.now()}
	r.records[key] = rec
	return rec
}

// Status returns the key's status, or def when the key was never referenced.
func (r *Registry) Status(key string, def Status) Status {
	rec, ok := r.lookup(key)
	if !ok {
		return def
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status
}

// Has reports whether key was ever referenced.
func (r *Registry) Has(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// Get returns a snapshot of key's record.
func (r *Registry) Get(key string) (Record, bool) {
	rec, ok := r.lookup(key)
	if !ok {
		return Record{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.snapshot(), true
}

// Instance returns the running instance for key.
func (r *Registry) Instance(key string) (Instance, bool) {
	rec, ok := r.lookup(key)
	if !ok {
		return nil, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.status != Running {
		return nil, false
	}
	return rec.instance, true
}

// Keys lists every referenced key in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.records))
	for k := range r.records {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (rec *record) outcome(gen uint64) (Instance, error) {
	if rec.generation != gen {
		return nil, ErrStopped
	}
	switch rec.status {
	case Running:
		return rec.instance, nil
	case Error, NotFound:
		if rec.lastErr != nil {
			return nil, rec.lastErr
		}
	}
	return nil, ErrStopped
}

func (rec *record) snapshot() Record {
	return Record{
		Key:            rec.key,
		Status:         rec.status,
		WorkingMessage: rec.message,
		LastError:      rec.lastErr,
		UpdatedAt:      rec.updated,
	}
}

// EnsureBooted returns the running instance for key, booting it if needed.
// Concurrent callers share one boot attempt. ctx only bounds the wait: the
// boot itself keeps running and installs its result.
func (r *Registry) EnsureBooted(ctx context.Context, key string) (Instance, error) {
	ch, inst, err := r.begin(key, false)
	if inst != nil || err != nil {
		return inst, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Instance), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Trigger starts a background boot for key unless one is running, the key is
// already running, or the key is cooling down after a failed attempt.
func (r *Registry) Trigger(key string) bool {
	ch, inst, err := r.begin(key, true)
	if ch == nil || inst != nil || err != nil {
		return false
	}
	go func() { <-ch }()
	return true
}

// begin moves key to Initializing when needed and attaches to its boot flight.
func (r *Registry) begin(key string, respectCooldown bool) (<-chan singleflight.Result, Instance, error) {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, nil, ErrStopped
	}

	rec := r.getOrCreate(key)
	rec.mu.Lock()
	switch rec.status {
	case Running:
		inst := rec.instance
		rec.mu.Unlock()
		return nil, inst, nil
	case Initializing:
		gen := rec.generation
		rec.mu.Unlock()
		if respectCooldown {
			return nil, nil, nil
		}
		return r.attach(rec, gen), nil, nil
	}

	if respectCooldown && r.now().Before(rec.nextAttempt) {
		rec.mu.Unlock()
		r.log.Debug("boot suppressed during cooldown", zap.String("app", key), zap.Time("next", rec.nextAttempt))
		return nil, nil, nil
	}
	prev := rec.status
	rec.generation++
	gen := rec.generation
	rec.status = Initializing
	rec.message = ""
	rec.updated = r.now()
	r.events.push(Event{Key: key, Status: Initializing, Previous: prev})
	rec.mu.Unlock()

	return r.attach(rec, gen), nil, nil
}

func flightKey(key string, gen uint64) string {
	return key + "\x00" + uintString(gen)
}

func (r *Registry) attach(rec *record, gen uint64) <-chan singleflight.Result {
	return r.flight.DoChan(flightKey(rec.key, gen), func() (any, error) {
		return r.boot(rec, gen)
	})
}

// boot runs the collaborator once per generation and installs the outcome.
func (r *Registry) boot(rec *record, gen uint64) (Instance, error) {
	rec.mu.Lock()
	if rec.started >= gen {
		// a late waiter re-opened a flight that already finished
		inst, err := rec.outcome(gen)
		rec.mu.Unlock()
		return inst, err
	}
	rec.started = gen
	rec.mu.Unlock()

	ctx := context.Background()
	if r.bootTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.bootTimeout)
		defer cancel()
	}
	start := r.now()
	r.log.Info("app boot started", zap.String("app", rec.key))

	progress := func(msg string) { r.setMessage(rec, gen, msg) }
	inst, err := r.safeBoot(ctx, rec.key, progress)
	dur := r.now().Sub(start)

	rec.mu.Lock()
	if rec.generation != gen || rec.status != Initializing {
		// superseded by Shutdown while booting
		rec.mu.Unlock()
		if inst != nil {
			_ = inst.Close(context.Background())
		}
		return nil, ErrStopped
	}
	prev := rec.status
	rec.updated = r.now()
	var ev Event
	switch {
	case err == nil:
		rec.status = Running
		rec.instance = inst
		rec.lastErr = nil
		rec.message = ""
		rec.nextAttempt = time.Time{}
		if rec.cooldown != nil {
			rec.cooldown.Reset()
		}
		ev = Event{Key: rec.key, Status: Running, Previous: prev, Duration: dur}
	case errors.Is(err, ErrAppNotFound):
		rec.status = NotFound
		rec.lastErr = toBootError(err)
		rec.nextAttempt = r.now().Add(r.nextCooldown(rec))
		ev = Event{Key: rec.key, Status: NotFound, Previous: prev, Err: rec.lastErr, Duration: dur}
	default:
		rec.status = Error
		rec.lastErr = toBootError(err)
		rec.nextAttempt = r.now().Add(r.nextCooldown(rec))
		ev = Event{Key: rec.key, Status: Error, Previous: prev, Err: rec.lastErr, Duration: dur}
	}
	ev.WorkingMessage = rec.message
	r.events.push(ev)
	rec.mu.Unlock()

	if err != nil {
		r.log.Warn("app boot failed", zap.String("app", rec.key), zap.Duration("took", dur), zap.Error(err))
	} else {
		r.log.Info("app boot finished", zap.String("app", rec.key), zap.Duration("took", dur))
	}
	if err != nil {
		return nil, ev.Err
	}
	return inst, nil
}

func (r *Registry) safeBoot(ctx context.Context, key string, p Progress) (inst Instance, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			inst = nil
			err = &BootError{Code: "APP_BOOT_PANIC", Message: panicMessage(rec)}
		}
	}()
	if r.booter == nil {
		return nil, ErrAppNotFound
	}
	inst, err = r.booter.Boot(ctx, key, p)
	if err == nil && inst == nil {
		err = &BootError{Code: "APP_ERROR", Message: "boot returned no instance"}
	}
	return inst, err
}

func (r *Registry) nextCooldown(rec *record) time.Duration {
	if rec.cooldown == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.coolInitial
		b.MaxInterval = r.coolMax
		b.MaxElapsedTime = 0
		b.Reset()
		rec.cooldown = b
	}
	d := rec.cooldown.NextBackOff()
	if d == backoff.Stop {
		return r.coolMax
	}
	return d
}

func (r *Registry) setMessage(rec *record, gen uint64, msg string) {
	rec.mu.Lock()
	if rec.generation != gen || rec.status != Initializing || rec.message == msg {
		rec.mu.Unlock()
		return
	}
	rec.message = msg
	rec.updated = r.now()
	r.events.push(Event{Key: rec.key, Status: rec.status, Previous: rec.status, WorkingMessage: msg})
	rec.mu.Unlock()
}

// SetWorkingMessage updates the progress note of an initializing key.
func (r *Registry) SetWorkingMessage(key, msg string) {
	rec, ok := r.lookup(key)
	if !ok {
		return
	}
	rec.mu.Lock()
	gen := rec.generation
	rec.mu.Unlock()
	r.setMessage(rec, gen, msg)
}

// MarkFailed moves key to Error, e.g. when a running instance crashes.
func (r *Registry) MarkFailed(key, code, message string) {
	rec := r.getOrCreate(key)
	rec.mu.Lock()
	prev := rec.status
	inst := rec.instance
	rec.instance = nil
	rec.generation++
	rec.status = Error
	rec.lastErr = &BootError{Code: code, Message: message}
	rec.updated = r.now()
	r.events.push(Event{Key: key, Status: Error, Previous: prev, Err: rec.lastErr})
	rec.mu.Unlock()

	if inst != nil {
		r.closeInstance(key, inst)
	}
	r.log.Warn("app marked failed", zap.String("app", key), zap.String("code", code), zap.String("message", message))
}

// Shutdown stops key and releases its instance. Stopping a stopped or unknown
// key is a no-op.
func (r *Registry) Shutdown(ctx context.Context, key string) error {
	rec, ok := r.lookup(key)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	if rec.status == Stopped {
		rec.mu.Unlock()
		return nil
	}
	prev := rec.status
	inst := rec.instance
	rec.instance = nil
	rec.generation++
	rec.status = Stopped
	rec.message = ""
	rec.updated = r.now()
	r.events.push(Event{Key: key, Status: Stopped, Previous: prev})
	rec.mu.Unlock()

	var err error
	if inst != nil {
		err = inst.Close(ctx)
	}
	r.log.Info("app stopped", zap.String("app", key), zap.Error(err))
	return err
}

// Close stops every key and refuses further boots.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, k := range r.Keys() {
		if err := r.Shutdown(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.events.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Registry) closeInstance(key string, inst Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := inst.Close(ctx); err != nil {
		r.log.Warn("app close failed", zap.String("app", key), zap.Error(err))
	}
}

// Subscribe registers fn for every Event. Events are delivered on one
// goroutine owned by the registry, in the order transitions happened, so a
// slow subscriber delays other subscribers but never a request or a boot.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.subMu.Lock()
	r.nextID++
	id := r.nextID
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) deliver(ev Event) {
	r.subMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
