package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// managed is one entry in the interest set: a logical subscription keyed by
// what the client needs, independent of the connection-scoped frame ids
// that come and go with reconnects.
type managed struct {
	key         string
	operation   string
	args        map[string]any
	fingerprint string
	merge       MergeFunc

	frameID  string // current live frame id, "" while disconnected
	gen      int    // bumped on every argument swap; stale merges are discarded
	failures int
}

// Manager tracks the client's interest set and keeps exactly one live
// subscription per key. Changing a key's arguments atomically replaces the
// old subscription: once the swap begins, events for the old argument set
// are no longer merged.
type Manager struct {
	conn   *Conn
	cache  *Cache
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]*managed

	unregister func()

	// maxFailures bounds silent re-subscription attempts per key before the
	// failure is surfaced through onDegraded.
	maxFailures int
	onDegraded  func(key string, message string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDegradedFunc installs a callback for subscriptions that keep failing
// after silent re-establishment attempts.
func WithDegradedFunc(fn func(key, message string)) ManagerOption {
	return func(m *Manager) { m.onDegraded = fn }
}

// NewManager creates a Manager bound to conn. It registers a reconnect hook
// that re-issues every tracked subscription with fresh connection-scoped
// ids.
func NewManager(conn *Conn, cache *Cache, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		conn:        conn,
		cache:       cache,
		logger:      logger.With("component", "submanager"),
		subs:        make(map[string]*managed),
		maxFailures: 3,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unregister = conn.OnReconnect(m.resubscribeAll)
	return m
}

// Ensure opens a subscription for key if none exists, or replaces the
// existing one when the argument set changed. A same-fingerprint call is a
// no-op. The fingerprint is membership-sensitive, not length-sensitive: a
// group set of the same size but different members still triggers the swap.
func (m *Manager) Ensure(key, operation string, args map[string]any, merge MergeFunc) error {
	fp, err := fingerprint(args)
	if err != nil {
		return fmt.Errorf("fingerprint args for %q: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.subs[key]
	if existing != nil && existing.fingerprint == fp {
		return nil
	}

	gen := 1
	if existing != nil {
		gen = existing.gen + 1
		// Tear down the old subscription before the new one goes live. The
		// generation bump above means a late data frame for the old frame id
		// is discarded even if it is already in flight.
		if existing.frameID != "" {
			if err := m.conn.Stop(existing.frameID); err != nil && !errors.Is(err, ErrNotConnected) {
				m.logger.Warn("failed to stop stale subscription", "key", key, "error", err)
			}
		}
	}

	entry := &managed{
		key:         key,
		operation:   operation,
		args:        args,
		fingerprint: fp,
		merge:       merge,
		gen:         gen,
	}
	m.subs[key] = entry
	m.startLocked(entry)
	return nil
}

// Drop closes and forgets the subscription for key. No-op for unknown keys.
func (m *Manager) Drop(key string) {
	m.mu.Lock()
	entry := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()

	if entry != nil && entry.frameID != "" {
		if err := m.conn.Stop(entry.frameID); err != nil && !errors.Is(err, ErrNotConnected) {
			m.logger.Warn("failed to stop subscription", "key", key, "error", err)
		}
	}
}

// Teardown closes every subscription owned by this manager and detaches it
// from the connection. Connection-level cleanup is not enough when other
// subscriptions share the connection, so each one is stopped explicitly.
func (m *Manager) Teardown() {
	m.mu.Lock()
	entries := make([]*managed, 0, len(m.subs))
	for _, entry := range m.subs {
		entries = append(entries, entry)
	}
	m.subs = make(map[string]*managed)
	m.mu.Unlock()

	for _, entry := range entries {
		if entry.frameID != "" {
			if err := m.conn.Stop(entry.frameID); err != nil && !errors.Is(err, ErrNotConnected) {
				m.logger.Warn("failed to stop subscription", "key", entry.key, "error", err)
			}
		}
	}
	if m.unregister != nil {
		m.unregister()
		m.unregister = nil
	}
}

// Live reports whether key currently has a live subscription on the wire.
func (m *Manager) Live(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.subs[key]
	return entry != nil && entry.frameID != ""
}

// resubscribeAll re-issues every tracked subscription. Runs as a reconnect
// hook: frame ids are connection-scoped, so nothing from the previous
// connection is resumable.
func (m *Manager) resubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, entry := range m.subs {
		entry.frameID = ""
		entry.failures = 0
		m.startLocked(entry)
	}
}

// startLocked issues the start frame for entry. Callers hold m.mu.
func (m *Manager) startLocked(entry *managed) {
	key, gen := entry.key, entry.gen

	handler := FrameHandler{
		OnData: func(payload json.RawMessage) {
			m.applyData(key, gen, payload)
		},
		OnError: func(message string) {
			m.handleSubError(key, gen, message)
		},
	}

	id, err := m.conn.Start(entry.operation, entry.args, handler)
	if err != nil {
		if errors.Is(err, ErrNotConnected) {
			// The reconnect hook re-issues it once the connection is back.
			return
		}
		m.logger.Warn("failed to start subscription", "key", key, "error", err)
		return
	}
	entry.frameID = id
}

func (m *Manager) applyData(key string, gen int, payload json.RawMessage) {
	m.mu.Lock()
	entry := m.subs[key]
	if entry == nil || entry.gen != gen {
		// A swap or teardown won the race; this event belongs to the old
		// argument set and must not be merged.
		m.mu.Unlock()
		return
	}
	merge := entry.merge
	m.mu.Unlock()

	if err := m.cache.Apply(merge, payload); err != nil {
		m.logger.Error("merge failed", "key", key, "error", err)
	}
}

// handleSubError silently re-establishes a server-terminated subscription,
// surfacing the failure only after repeated attempts.
func (m *Manager) handleSubError(key string, gen int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.subs[key]
	if entry == nil || entry.gen != gen {
		return
	}
	entry.frameID = ""
	entry.failures++

	if entry.failures > m.maxFailures {
		m.logger.Error("subscription failing repeatedly", "key", key, "failures", entry.failures, "message", message)
		if m.onDegraded != nil {
			m.onDegraded(key, message)
		}
		return
	}

	m.logger.Warn("subscription terminated by server, re-establishing", "key", key, "message", message)
	m.startLocked(entry)
}

// fingerprint produces a stable identity for an argument set. Map keys are
// sorted by the JSON encoder; numeric lists are sorted here so membership,
// not order, defines the interest key.
func fingerprint(args map[string]any) (string, error) {
	normalized := make(map[string]any, len(args))
	for k, v := range args {
		normalized[k] = normalizeValue(v)
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalizeValue(v any) any {
	switch list := v.(type) {
	case []int64:
		sorted := make([]int64, len(list))
		copy(sorted, list)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		return sorted
	case []int:
		sorted := make([]int, len(list))
		copy(sorted, list)
		sort.Ints(sorted)
		return sorted
	case []float64:
		sorted := make([]float64, len(list))
		copy(sorted, list)
		sort.Float64s(sorted)
		return sorted
	case []any:
		allNumbers := true
		for _, item := range list {
			if _, ok := item.(float64); !ok {
				allNumbers = false
				break
			}
		}
		if !allNumbers {
			return list
		}
		sorted := make([]float64, len(list))
		for i, item := range list {
			sorted[i] = item.(float64)
		}
		sort.Float64s(sorted)
		return sorted
	default:
		return v
	}
}
