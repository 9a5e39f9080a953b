package client

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Refetcher loads the authoritative state the client's subscriptions are
// derived from. Used after a reconnect: events published while disconnected
// are recovered by refetching everything, never by replay. That is a
// deliberate simplicity/consistency trade-off, not a gap.
type Refetcher interface {
	Fetch(ctx context.Context) (State, error)
}

// Supervisor listens for reconnection and reconciles cached state with a
// full refetch, superseding whatever partial merges happened around the
// drop.
type Supervisor struct {
	conn    *Conn
	cache   *Cache
	fetcher Refetcher
	logger  *slog.Logger
	timeout time.Duration

	mu         sync.Mutex
	unregister func()
}

// NewSupervisor creates a Supervisor. Call Start to arm it.
func NewSupervisor(conn *Conn, cache *Cache, fetcher Refetcher, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		conn:    conn,
		cache:   cache,
		fetcher: fetcher,
		logger:  logger.With("component", "supervisor"),
		timeout: 15 * time.Second,
	}
}

// Start registers the reconnect hook. Idempotent: a second Start without an
// intervening Stop does not double-register, so one reconnect event never
// triggers two refetches.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregister != nil {
		return
	}
	s.unregister = s.conn.OnReconnect(s.refetch)
}

// Stop unregisters the hook.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
}

func (s *Supervisor) refetch() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	state, err := s.fetcher.Fetch(ctx)
	if err != nil {
		// Keep the stale cache; pushed events still merge on top of it and
		// the next reconnect retries the refetch.
		s.logger.Error("state refetch failed", "error", err)
		return
	}

	s.cache.Replace(state)
	s.logger.Info("state refetched after reconnect",
		"groups", len(state.Groups), "messageGroups", len(state.Messages))
}
