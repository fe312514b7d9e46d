// ABOUTME: Per-agent read-only copies of the resource tree, fetched over RPC
// ABOUTME: A sync walks getManagersCollection, getCollection and getComponentInfo, then swaps the copy in

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/2389/gami/internal/builtins"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/rpc"
)

const (
	managerConcurrency = 4
	callAttempts       = 3
)

// Agent procedures the mirror walk calls.
const (
	methodGetManagers      = "getManagersCollection"
	methodGetCollection    = "getCollection"
	methodGetComponentInfo = "getComponentInfo"
)

// ErrSyncSuperseded is returned by a sync whose mirror was dropped while it ran.
var ErrSyncSuperseded = errors.New("mirror dropped during sync")

// AgentCaller calls procedures on an agent by id.
type AgentCaller interface {
	Call(ctx context.Context, agentID, method string, params, result any) error
}

// Mirror is the core's copy of one agent's tree.
type Mirror struct {
	AgentID string
	Store   *resource.Store
	Synced  time.Time
	// Stale is set when the agent reported a change or went silent after the last sync.
	Stale bool
}

// Mirrors keeps one Mirror per agent and runs syncs in the background.
type Mirrors struct {
	caller AgentCaller
	logger *slog.Logger
	// backoff shapes retries of calls that failed at the transport.
	newBackOff func() backoff.BackOff

	mu       sync.RWMutex
	mirrors  map[string]*Mirror
	// epochs advance on Drop; a sync started in an older epoch is discarded.
	epochs   map[string]uint64
	inflight map[string]bool
	again    map[string]bool
	ctx      context.Context
	wg       sync.WaitGroup
}

// NewMirrors creates an empty set of mirrors. Pass nil logger for default.
func NewMirrors(caller AgentCaller, logger *slog.Logger) *Mirrors {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirrors{
		caller: caller,
		logger: logger.With("component", "mirrors"),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			return bo
		},
		mirrors:  make(map[string]*Mirror),
		epochs:   make(map[string]uint64),
		inflight: make(map[string]bool),
		again:    make(map[string]bool),
		ctx:      context.Background(),
	}
}

// Start sets the context background syncs run under.
func (m *Mirrors) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()
}

// Request schedules a sync for agentID. Requests arriving while a sync runs
// coalesce into one more pass.
func (m *Mirrors) Request(agentID string) {
	m.mu.Lock()
	if m.inflight[agentID] {
		m.again[agentID] = true
		m.mu.Unlock()
		return
	}
	m.inflight[agentID] = true
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		for {
			_, err := m.Sync(ctx, agentID)
			switch {
			case errors.Is(err, ErrSyncSuperseded):
				m.logger.Debug("discarded mirror sync", "agent_id", agentID)
			case err != nil:
				m.logger.Warn("mirror sync failed", "agent_id", agentID, "error", err)
			}

			m.mu.Lock()
			if m.again[agentID] && ctx.Err() == nil {
				delete(m.again, agentID)
				m.mu.Unlock()
				continue
			}
			delete(m.again, agentID)
			delete(m.inflight, agentID)
			m.mu.Unlock()
			return
		}
	}()
}

// Wait blocks until every scheduled sync finished.
func (m *Mirrors) Wait() {
	m.wg.Wait()
}

// Sync fetches the agent's whole tree and replaces its mirror.
// On failure the previous mirror stays in place, marked stale. A Drop while
// the sync runs discards its result.
func (m *Mirrors) Sync(ctx context.Context, agentID string) (int, error) {
	start := time.Now()
	m.mu.RLock()
	epoch := m.epochs[agentID]
	m.mu.RUnlock()

	var managers []builtins.ManagerEntry
	if err := m.call(ctx, agentID, methodGetManagers, nil, &managers); err != nil {
		m.MarkStale(agentID)
		return 0, fmt.Errorf("listing managers: %w", err)
	}

	subtrees := make([][]resource.Resource, len(managers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(managerConcurrency)
	for i, mgr := range managers {
		g.Go(func() error {
			out, err := m.walk(gctx, agentID, mgr.Manager, nil)
			subtrees[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		m.MarkStale(agentID)
		return 0, err
	}

	fresh := resource.New(m.logger)
	err := fresh.Atomic(func(tx *resource.Tx) error {
		for _, subtree := range subtrees {
			for _, r := range subtree {
				if err := tx.Add(r); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		m.MarkStale(agentID)
		return 0, fmt.Errorf("assembling mirror: %w", err)
	}

	m.mu.Lock()
	if m.epochs[agentID] != epoch {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrSyncSuperseded, agentID)
	}
	m.mirrors[agentID] = &Mirror{AgentID: agentID, Store: fresh, Synced: time.Now()}
	m.mu.Unlock()

	m.logger.Info("=== MIRROR SYNCED ===",
		"agent_id", agentID,
		"managers", len(managers),
		"resources", fresh.Len(),
		"elapsed", time.Since(start))
	return fresh.Len(), nil
}

// walk collects id and its descendants parent-first.
func (m *Mirrors) walk(ctx context.Context, agentID, id string, out []resource.Resource) ([]resource.Resource, error) {
	var r resource.Resource
	if err := m.call(ctx, agentID, methodGetComponentInfo, map[string]string{"component": id}, &r); err != nil {
		return out, fmt.Errorf("fetching %s: %w", id, err)
	}
	out = append(out, r)

	var children []builtins.SubcomponentEntry
	if err := m.call(ctx, agentID, methodGetCollection, map[string]string{"component": id}, &children); err != nil {
		return out, fmt.Errorf("listing children of %s: %w", id, err)
	}
	for _, c := range children {
		var err error
		if out, err = m.walk(ctx, agentID, c.Subcomponent, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

// call retries transport failures; agent and communication errors end the walk.
func (m *Mirrors) call(ctx context.Context, agentID, method string, params, result any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := m.caller.Call(ctx, agentID, method, params, result)
		var cerr *rpc.ConnectorError
		if err != nil && !errors.As(err, &cerr) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxTries(callAttempts),
	)
	return err
}

// Get returns the mirror of agentID.
func (m *Mirrors) Get(agentID string) (*Mirror, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mir, ok := m.mirrors[agentID]
	if !ok {
		return nil, false
	}
	cp := *mir
	return &cp, true
}

// MarkStale flags the mirror of agentID as out of date.
func (m *Mirrors) MarkStale(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mir, ok := m.mirrors[agentID]; ok {
		mir.Stale = true
	}
}

// Drop discards the mirror of agentID.
func (m *Mirrors) Drop(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mirrors, agentID)
	m.epochs[agentID]++
}

// Counts returns the number of mirrored resources per agent.
func (m *Mirrors) Counts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int, len(m.mirrors))
	for id, mir := range m.mirrors {
		out[id] = mir.Store.Len()
	}
	return out
}
