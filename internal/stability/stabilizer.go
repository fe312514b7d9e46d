// ABOUTME: Identity stabilizer: turns ephemeral resource ids into ids derived from hardware facts.
// ABOUTME: Rekey, relation rewrites and the unique key commit together or not at all.

package stability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/gami/internal/keygen"
	"github.com/2389/gami/internal/metrics"
	"github.com/2389/gami/internal/resource"
	"github.com/2389/gami/internal/store"
)

// ErrStabilizationFailed wraps every error that left a resource on its previous id.
var ErrStabilizationFailed = errors.New("stabilization failed")

// Outcome is how a single stabilization attempt ended.
type Outcome string

const (
	// OutcomeStabilized means the resource moved to a new stable id.
	OutcomeStabilized Outcome = "stabilized"
	// OutcomeAlreadyStable means the resource already carried the id its key derives.
	OutcomeAlreadyStable Outcome = "already_stable"
	// OutcomeSkipped means no unique key could be derived; the ephemeral id stays.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the attempt was rolled back and the previous id stays.
	OutcomeFailed Outcome = "failed"
)

// Result describes one stabilization attempt.
type Result struct {
	// PreviousID is the id the resource had when the attempt started.
	PreviousID string
	// ID is the resource's current id after the attempt. It equals PreviousID
	// unless the outcome is OutcomeStabilized.
	ID        string
	Component resource.Component
	UniqueKey string
	Outcome   Outcome
	// Rewrites counts the relation fields that were pointed at the new id.
	Rewrites int
	Err      error
}

// Ledger records which unique key produced which stable id.
type Ledger interface {
	RecordIdentity(ctx context.Context, id store.Identity) error
}

// Config configures a Stabilizer.
type Config struct {
	// Namespace is the service-wide namespace stable ids are derived in.
	Namespace uuid.UUID
	// ConfiguredParentID is the location id of the manager this agent runs under.
	ConfiguredParentID string
	// AgentID tags ledger entries.
	AgentID string
	// Sites overrides the relation sites; nil means DefaultSites.
	Sites []RelationSite
	// Ledger is optional.
	Ledger Ledger
}

// Stabilizer assigns stable ids to resources in a Store.
type Stabilizer struct {
	store  *resource.Store
	cfg    Config
	sites  []RelationSite
	logger *slog.Logger
}

// New creates a Stabilizer. Pass nil logger for default.
func New(s *resource.Store, cfg Config, logger *slog.Logger) *Stabilizer {
	if logger == nil {
		logger = slog.Default()
	}
	sites := cfg.Sites
	if sites == nil {
		sites = DefaultSites()
	}
	return &Stabilizer{
		store:  s,
		cfg:    cfg,
		sites:  sites,
		logger: logger.With("component", "stabilizer"),
	}
}

// StableID derives the stable id for a unique key in the given namespace.
func StableID(namespace uuid.UUID, key string) string {
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// Stabilize stabilizes a single resource. On any failure the resource keeps the id
// it had before the call and the returned error wraps ErrStabilizationFailed.
func (s *Stabilizer) Stabilize(ctx context.Context, id string) (Result, error) {
	res := Result{PreviousID: id, ID: id}

	err := s.store.Atomic(func(tx *resource.Tx) error {
		r, ok := tx.Get(id)
		if !ok {
			return fmt.Errorf("%w: %s", resource.ErrNotFound, id)
		}
		res.Component = r.Component

		var parent *resource.Resource
		if !r.Parent.IsZero() {
			if p, ok := tx.Get(r.Parent.ID); ok {
				parent = &p
			}
		}

		key, ok := keygen.UniqueKey(r, keygen.Context{Parent: parent, ConfiguredParentID: s.cfg.ConfiguredParentID})
		if !ok {
			res.Outcome = OutcomeSkipped
			return nil
		}
		res.UniqueKey = key

		stable := StableID(s.cfg.Namespace, key)
		if stable == id {
			res.Outcome = OutcomeAlreadyStable
			if r.UniqueKey != key {
				return tx.SetUniqueKey(id, key)
			}
			return nil
		}

		if err := tx.Rekey(id, stable); err != nil {
			return err
		}
		for _, site := range s.sites {
			if !site.Applies(r.Component) {
				continue
			}
			n, err := site.Rewrite(tx, id, stable)
			if err != nil {
				return fmt.Errorf("relation site %s: %w", site.Name(), err)
			}
			res.Rewrites += n
		}
		if err := tx.SetUniqueKey(stable, key); err != nil {
			return err
		}

		res.ID = stable
		res.Outcome = OutcomeStabilized
		return nil
	})

	if err != nil {
		res.ID = id
		res.Outcome = OutcomeFailed
		res.Rewrites = 0
		res.Err = fmt.Errorf("%w: %s: %w", ErrStabilizationFailed, id, err)
	}

	s.report(ctx, res)
	return res, res.Err
}

func (s *Stabilizer) report(ctx context.Context, res Result) {
	metrics.ObserveStabilization(string(res.Component), string(res.Outcome))

	switch res.Outcome {
	case OutcomeSkipped:
		s.logger.Info("stabilization skipped, keeping ephemeral id",
			"id", res.PreviousID,
			"component", res.Component)
	case OutcomeFailed:
		s.logger.Error("stabilization failed, keeping previous id",
			"id", res.PreviousID,
			"component", res.Component,
			"unique_key", res.UniqueKey,
			"error", res.Err)
	case OutcomeStabilized:
		s.logger.Debug("resource stabilized",
			"previous_id", res.PreviousID,
			"id", res.ID,
			"component", res.Component,
			"rewrites", res.Rewrites)
		s.record(ctx, res)
	case OutcomeAlreadyStable:
		s.record(ctx, res)
	}
}

func (s *Stabilizer) record(ctx context.Context, res Result) {
	if s.cfg.Ledger == nil {
		return
	}
	err := s.cfg.Ledger.RecordIdentity(ctx, store.Identity{
		StableID:  res.ID,
		UniqueKey: res.UniqueKey,
		Component: string(res.Component),
		AgentID:   s.cfg.AgentID,
		LastSeen:  time.Now(),
	})
	if err != nil {
		s.logger.Warn("failed to record identity", "id", res.ID, "error", err)
	}
}
