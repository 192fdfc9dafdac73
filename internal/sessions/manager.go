package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/stratumlabs/stratum/internal/config"
	"github.com/stratumlabs/stratum/internal/observability"
	"github.com/stratumlabs/stratum/pkg/models"
)

// Handle is a caller's reference to an open session. Handles are cheap and
// may be held for the duration of one agent run.
type Handle struct {
	UserID string
	entry  *entry
}

type entry struct {
	mu      sync.Mutex
	session *models.Session

	refs         int
	dirty        int // appends since last successful flush
	flushing     bool
	flushPending bool
	lastFlush    time.Time
}

// Manager owns all resident sessions. Appends for one user are serialized by
// the session's lock; flushes are write-behind and coalesced so at most one
// flush per session is in flight.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	store   Store
	cfg     config.SessionConfig
	logger  *observability.Logger
	metrics *observability.Metrics

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewManager(store Store, cfg config.SessionConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	m := &Manager{
		entries: make(map[string]*entry),
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		stop:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

// Open returns a handle for the user's session, loading it from the store on
// first reference and creating it when absent. A loaded transcript is
// repaired if a crash left tool calls unresolved.
func (m *Manager) Open(ctx context.Context, userID string, channel models.ChannelType) (*Handle, error) {
	m.mu.Lock()
	e, ok := m.entries[userID]
	if !ok {
		e = &entry{lastFlush: time.Now()}
		m.entries[userID] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		session, err := m.load(ctx, userID, channel)
		if err != nil {
			m.release(userID, e)
			return nil, err
		}
		e.session = session
		if m.metrics != nil {
			m.metrics.ActiveSessions.WithLabelValues(string(channel)).Inc()
		}
	}
	return &Handle{UserID: userID, entry: e}, nil
}

func (m *Manager) load(ctx context.Context, userID string, channel models.ChannelType) (*models.Session, error) {
	rec, err := m.store.Get(ctx, userID)
	if err == ErrNotFound {
		now := time.Now().UTC()
		return &models.Session{
			UserID:       userID,
			Channel:      channel,
			CreatedAt:    now,
			LastActivity: now,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	session, err := models.DecodeSession(rec)
	if err != nil {
		// A corrupt record is quarantined, not silently reused.
		m.logger.Error(ctx, "stored session corrupt, starting fresh",
			"user_id", userID, "error", err)
		now := time.Now().UTC()
		return &models.Session{
			UserID:       userID,
			Channel:      channel,
			CreatedAt:    now,
			LastActivity: now,
			Quarantined:  true,
		}, nil
	}

	if report := repairTranscript(session); len(report.Synthesized) > 0 || report.DroppedOrphans > 0 {
		m.logger.Warn(ctx, "repaired session transcript",
			"user_id", userID,
			"synthesized", len(report.Synthesized),
			"dropped_orphans", report.DroppedOrphans)
	}
	return session, nil
}

// Append adds a turn under the session's exclusive lock and schedules a
// write-behind flush once enough appends accumulate.
func (m *Manager) Append(ctx context.Context, h *Handle, turn models.Turn) error {
	e := h.entry
	e.mu.Lock()
	e.session.Turns = append(e.session.Turns, *turn.Clone())
	e.session.LastActivity = time.Now().UTC()
	e.dirty++
	needsFlush := m.cfg.FlushThresholdMessages > 0 && e.dirty >= m.cfg.FlushThresholdMessages
	e.mu.Unlock()

	if needsFlush {
		m.scheduleFlush(h.UserID, e, "threshold")
	}
	return nil
}

// History returns a snapshot copy of the session's turns.
func (m *Manager) History(h *Handle) []models.Turn {
	e := h.entry
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Turn, 0, len(e.session.Turns))
	for i := range e.session.Turns {
		out = append(out, *e.session.Turns[i].Clone())
	}
	return out
}

// TrimmedHistory returns the most recent turns within the configured turn cap
// and token budget, for building a completion request.
func (m *Manager) TrimmedHistory(h *Handle) []models.Turn {
	full := m.History(h)
	return trimTurns(full, m.cfg.HistoryCap, m.cfg.HistoryTokenBudget)
}

// Close releases the handle. The session stays resident until idle eviction.
func (m *Manager) Close(h *Handle) {
	m.release(h.UserID, h.entry)
}

// RecordInvocation appends to the durable tool invocation log.
func (m *Manager) RecordInvocation(ctx context.Context, inv *models.ToolInvocation) {
	if err := m.store.AppendInvocation(ctx, inv); err != nil {
		m.logger.Warn(ctx, "invocation log append failed", "tool", inv.ToolName, "error", err)
	}
}

// Flush forces a synchronous flush, used by tests and shutdown.
func (m *Manager) Flush(ctx context.Context, h *Handle) error {
	return m.flush(ctx, h.UserID, h.entry, "threshold")
}

// Shutdown flushes every dirty session and closes the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.once.Do(func() { close(m.stop) })
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	ents := make([]*entry, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		ents = append(ents, e)
	}
	m.mu.Unlock()

	for i, e := range ents {
		if err := m.flush(ctx, ids[i], e, "shutdown"); err != nil {
			m.logger.Error(ctx, "shutdown flush failed", "user_id", ids[i], "error", err)
		}
	}
	return m.store.Close()
}

func (m *Manager) release(userID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.refs > 0 {
		e.refs--
	}
}

// scheduleFlush starts an async flush unless one is already in flight, in
// which case the current one is marked to rerun.
func (m *Manager) scheduleFlush(userID string, e *entry, trigger string) {
	e.mu.Lock()
	if e.flushing {
		e.flushPending = true
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if err := m.writeOut(context.Background(), userID, e, trigger); err != nil {
				m.logger.Error(context.Background(), "session flush failed",
					"user_id", userID, "error", err)
			}
			e.mu.Lock()
			if !e.flushPending {
				e.flushing = false
				e.mu.Unlock()
				return
			}
			e.flushPending = false
			e.mu.Unlock()
		}
	}()
}

// flush writes synchronously, waiting out any in-flight async flush.
func (m *Manager) flush(ctx context.Context, userID string, e *entry, trigger string) error {
	for {
		e.mu.Lock()
		if !e.flushing {
			e.flushing = true
			e.mu.Unlock()
			break
		}
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	err := m.writeOut(ctx, userID, e, trigger)
	e.mu.Lock()
	e.flushing = false
	e.flushPending = false
	e.mu.Unlock()
	return err
}

// writeOut encodes and persists the session. Callers own the flushing flag.
func (m *Manager) writeOut(ctx context.Context, userID string, e *entry, trigger string) error {
	e.mu.Lock()
	if e.session == nil || e.dirty == 0 {
		e.mu.Unlock()
		return nil
	}
	snapshot := e.session.Clone()
	dirtyAtSnapshot := e.dirty
	e.mu.Unlock()

	rec, err := models.EncodeSession(snapshot)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, userID, rec); err != nil {
		return err
	}

	e.mu.Lock()
	e.dirty -= dirtyAtSnapshot
	if e.dirty < 0 {
		e.dirty = 0
	}
	e.lastFlush = time.Now()
	e.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionFlushes.WithLabelValues(trigger).Inc()
	}
	return nil
}

// sweep periodically flushes idle dirty sessions and evicts sessions idle
// beyond max-age.
func (m *Manager) sweep() {
	defer m.wg.Done()
	interval := m.cfg.IdleFlush
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()

	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	ents := make([]*entry, 0, len(m.entries))
	refCounts := make([]int, 0, len(m.entries))
	for id, e := range m.entries {
		ids = append(ids, id)
		ents = append(ents, e)
		refCounts = append(refCounts, e.refs)
	}
	m.mu.Unlock()

	for i, e := range ents {
		e.mu.Lock()
		if e.session == nil {
			e.mu.Unlock()
			continue
		}
		idle := now.Sub(e.session.LastActivity)
		dirty := e.dirty > 0
		channel := e.session.Channel
		e.mu.Unlock()
		refs := refCounts[i]

		evict := m.cfg.MaxAge > 0 && idle > m.cfg.MaxAge && refs == 0
		switch {
		case evict:
			if err := m.flush(context.Background(), ids[i], e, "evict"); err != nil {
				m.logger.Error(context.Background(), "evict flush failed", "user_id", ids[i], "error", err)
				continue
			}
			m.mu.Lock()
			if e.refs == 0 {
				delete(m.entries, ids[i])
				if m.metrics != nil {
					m.metrics.ActiveSessions.WithLabelValues(string(channel)).Dec()
				}
			}
			m.mu.Unlock()
		case dirty && idle >= m.cfg.IdleFlush && m.cfg.IdleFlush > 0:
			m.scheduleFlush(ids[i], e, "idle")
		}
	}
}

// StoredSessions lists user ids present in the durable store.
func (m *Manager) StoredSessions(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}
