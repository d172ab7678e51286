package view

import (
	"log"
	"sync"

	"livetable/internal/query"
	"livetable/internal/sub"
	"livetable/internal/table"
)

// Phase is the lifecycle phase of a view. It moves from Loading to Ready
// exactly once and never reverses.
type Phase int

const (
	Loading Phase = iota
	Ready
)

func (p Phase) String() string {
	if p == Ready {
		return "ready"
	}
	return "loading"
}

// Callbacks are the consumer-facing lifecycle notifications. Any field
// may be nil. OnReady fires exactly once, with the initial filtered
// snapshot; the row callbacks fire for every derived change thereafter.
type Callbacks struct {
	OnReady  func(rows []table.Row)
	OnInsert func(row table.Row)
	OnUpdate func(old, new table.Row)
	OnDelete func(row table.Row)
}

// View maintains the set of rows currently present upstream AND matching
// its predicate. It subscribes upstream with the rendered query exactly
// once, derives per-view lifecycle events from the raw change feed of the
// shared table cache, and keeps a materialized row set that is replaced
// atomically on every recompute.
type View struct {
	table     table.Table
	tableName string
	pred      query.Expr
	queryText string
	local     *localFilter
	conn      sub.Conn
	cb        Callbacks

	mu           sync.Mutex
	phase        Phase
	rows         []table.Row
	lastTx       table.TxID
	haveLastTx   bool
	subscribed   bool
	readySent    bool
	closed       bool
	sub          sub.Subscription
	cancelStatus func()
	cancels      []func()
}

// Option configures a View at construction.
type Option func(*View) error

// New creates a view over tableName with an optional predicate. The
// rendered query is derived once here and never changes. The view starts
// watching the status signal immediately and subscribes upstream on the
// first Connected transition (or right away if already connected).
func New(tbl table.Table, tableName string, pred query.Expr, status *sub.StatusSignal, conn sub.Conn, cb Callbacks, opts ...Option) (*View, error) {
	v := &View{
		table:     tbl,
		tableName: tableName,
		pred:      pred,
		queryText: query.SelectSQL(tableName, pred),
		conn:      conn,
		cb:        cb,
	}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}

	cancelWatch := status.Watch(func(st sub.Status) {
		v.apply(viewEvent{kind: evStatus, status: st})
	})
	v.mu.Lock()
	v.cancelStatus = cancelWatch
	v.mu.Unlock()

	if status.Get() == sub.Connected {
		v.apply(viewEvent{kind: evStatus, status: sub.Connected})
	}
	return v, nil
}

// Query returns the rendered subscription query text.
func (v *View) Query() string { return v.queryText }

// Phase returns the current lifecycle phase.
func (v *View) Phase() Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.phase
}

// Rows returns the current materialized set. The returned slice is
// replaced wholesale on recompute and must not be mutated by the caller.
func (v *View) Rows() []table.Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rows
}

// Close tears the view down: every listener registered over the view's
// lifetime is deregistered and the upstream subscription is cancelled.
// Idempotent; no callback fires after Close returns.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	cancelStatus := v.cancelStatus
	v.cancelStatus = nil
	cancels := v.cancels
	v.cancels = nil
	s := v.sub
	v.sub = nil
	v.mu.Unlock()

	if cancelStatus != nil {
		cancelStatus()
	}
	for _, cancel := range cancels {
		cancel()
	}
	if s != nil {
		s.Unsubscribe()
	}
}

// matches reports whether a row belongs in this view: it must satisfy
// the upstream predicate and any local refinement filter.
func (v *View) matches(row table.Row) bool {
	if !query.Evaluate(v.pred, row) {
		return false
	}
	if v.local != nil && !v.local.matches(row) {
		return false
	}
	return true
}

// unfiltered reports whether the view passes every row through.
func (v *View) unfiltered() bool {
	return v.pred == nil && v.local == nil
}

type eventKind int

const (
	evStatus eventKind = iota
	evApplied
	evInsert
	evUpdate
	evDelete
)

// viewEvent is one external occurrence translated into the view's state
// machine. Collaborator callbacks do nothing but build one of these and
// hand it to apply, so every transition lives in one place.
type viewEvent struct {
	kind   eventKind
	status sub.Status
	tx     table.TxID
	row    table.Row
	old    table.Row
}

// apply is the single entry point for all state transitions.
func (v *View) apply(ev viewEvent) {
	switch ev.kind {
	case evStatus:
		v.applyStatus(ev.status)
	case evApplied:
		v.applyApplied()
	case evInsert:
		v.applyInsert(ev.tx, ev.row)
	case evUpdate:
		v.applyUpdate(ev.tx, ev.old, ev.row)
	case evDelete:
		v.applyDelete(ev.tx, ev.row)
	}
}

// applyStatus subscribes upstream on the first Connected transition.
// The subscription happens at most once per view instance, even across
// reconnects; the status watcher is dropped once it has done its job.
func (v *View) applyStatus(status sub.Status) {
	if status != sub.Connected {
		return
	}
	v.mu.Lock()
	if v.closed || v.subscribed {
		v.mu.Unlock()
		return
	}
	v.subscribed = true
	cancelStatus := v.cancelStatus
	v.cancelStatus = nil
	v.mu.Unlock()

	// The status watcher has done its one job; drop it.
	if cancelStatus != nil {
		cancelStatus()
	}

	s, err := v.conn.Subscribe(v.queryText)
	if err != nil {
		log.Printf("ERROR: subscribe %q: %v", v.queryText, err)
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		s.Unsubscribe()
		return
	}
	v.sub = s
	v.mu.Unlock()

	s.OnApplied(func() {
		v.apply(viewEvent{kind: evApplied})
	})
}

// applyApplied handles the subscription's applied signal: the first one
// moves the view to Ready, materializes the initial snapshot, fires
// OnReady exactly once and hooks up the raw change listeners. Later
// applied signals only refresh the materialized set.
func (v *View) applyApplied() {
	snapshot := v.filterSnapshot()

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.readySent {
		v.rows = snapshot
		v.mu.Unlock()
		return
	}
	v.readySent = true
	v.phase = Ready
	v.rows = snapshot
	v.mu.Unlock()

	cancelInsert := v.table.OnInsert(func(tx table.TxID, row table.Row) {
		v.apply(viewEvent{kind: evInsert, tx: tx, row: row})
	})
	cancelUpdate := v.table.OnUpdate(func(tx table.TxID, old, new table.Row) {
		v.apply(viewEvent{kind: evUpdate, tx: tx, old: old, row: new})
	})
	cancelDelete := v.table.OnDelete(func(tx table.TxID, row table.Row) {
		v.apply(viewEvent{kind: evDelete, tx: tx, row: row})
	})

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		cancelInsert()
		cancelUpdate()
		cancelDelete()
		return
	}
	v.cancels = append(v.cancels, cancelInsert, cancelUpdate, cancelDelete)
	v.mu.Unlock()

	if v.cb.OnReady != nil {
		v.cb.OnReady(snapshot)
	}
}

func (v *View) applyInsert(tx table.TxID, row table.Row) {
	if !v.ready() {
		return
	}
	if !v.matches(row) {
		return
	}
	v.recompute(tx)
	if v.cb.OnInsert != nil && !v.isClosed() {
		v.cb.OnInsert(row)
	}
}

func (v *View) applyDelete(tx table.TxID, row table.Row) {
	if !v.ready() {
		return
	}
	if !v.matches(row) {
		return
	}
	v.recompute(tx)
	if v.cb.OnDelete != nil && !v.isClosed() {
		v.cb.OnDelete(row)
	}
}

// applyUpdate converts a raw update into the derived event for this view:
// a row entering the filtered set is an insert, a row leaving it is a
// delete, a row staying in is an update, and a row staying out is nothing.
func (v *View) applyUpdate(tx table.TxID, old, new table.Row) {
	if !v.ready() {
		return
	}
	t := StayIn
	if !v.unfiltered() {
		t = transitionOf(v.matches(old), v.matches(new))
	}
	if t == StayOut {
		return
	}
	v.recompute(tx)
	if v.isClosed() {
		return
	}
	switch t {
	case Enter:
		if v.cb.OnInsert != nil {
			v.cb.OnInsert(new)
		}
	case Leave:
		if v.cb.OnDelete != nil {
			v.cb.OnDelete(old)
		}
	case StayIn:
		if v.cb.OnUpdate != nil {
			v.cb.OnUpdate(old, new)
		}
	}
}

// recompute re-derives the materialized set from the full table unless
// this transaction already triggered one. Many row events within one
// upstream transaction therefore cause a single rescan.
func (v *View) recompute(tx table.TxID) {
	v.mu.Lock()
	if v.closed || (v.haveLastTx && v.lastTx == tx) {
		v.mu.Unlock()
		return
	}
	v.lastTx = tx
	v.haveLastTx = true
	v.mu.Unlock()

	snapshot := v.filterSnapshot()

	v.mu.Lock()
	if !v.closed {
		v.rows = snapshot
	}
	v.mu.Unlock()
}

// filterSnapshot scans the full table and keeps the matching rows.
func (v *View) filterSnapshot() []table.Row {
	all := v.table.Snapshot()
	if v.unfiltered() {
		return all
	}
	out := make([]table.Row, 0, len(all))
	for _, row := range all {
		if v.matches(row) {
			out = append(out, row)
		}
	}
	return out
}

func (v *View) ready() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readySent && !v.closed
}

func (v *View) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}
