// ABOUTME: Top-down stabilization passes over the resource tree.
// ABOUTME: Parents finish before their children start; sibling subtrees run concurrently.

package stability

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2389/gami/internal/resource"
)

const siblingConcurrency = 8

// Summary counts results by outcome.
type Summary map[Outcome]int

// Summarize tallies a pass's results.
func Summarize(results []Result) Summary {
	out := make(Summary)
	for _, r := range results {
		out[r.Outcome]++
	}
	return out
}

// StabilizeTree stabilizes rootID and then, recursively, each of its children.
// A failed resource keeps its id and its subtree is still visited.
func (s *Stabilizer) StabilizeTree(ctx context.Context, rootID string) []Result {
	var (
		mu      sync.Mutex
		results []Result
	)
	s.walk(ctx, rootID, func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	})
	return results
}

func (s *Stabilizer) walk(ctx context.Context, id string, collect func(Result)) {
	res, _ := s.Stabilize(ctx, id)
	collect(res)

	children := s.store.GetChildren(res.ID, "")
	if len(children) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(siblingConcurrency)
	for _, child := range children {
		g.Go(func() error {
			s.walk(ctx, child, collect)
			return nil
		})
	}
	_ = g.Wait()
}

// StabilizeAll runs a full pass: metric definitions first, since metric keys
// embed their definition's id, then every root tree.
func (s *Stabilizer) StabilizeAll(ctx context.Context) []Result {
	var results []Result
	done := make(map[string]bool)
	for _, id := range s.store.List(resource.ComponentMetricDefinition) {
		res, _ := s.Stabilize(ctx, id)
		results = append(results, res)
		done[res.ID] = true
	}
	for _, root := range s.store.Roots() {
		if !done[root] {
			results = append(results, s.StabilizeTree(ctx, root)...)
			continue
		}
		for _, child := range s.store.GetChildren(root, "") {
			results = append(results, s.StabilizeTree(ctx, child)...)
		}
	}

	sum := Summarize(results)
	s.logger.Info("=== STABILIZATION PASS COMPLETE ===",
		"resources", len(results),
		"stabilized", sum[OutcomeStabilized],
		"already_stable", sum[OutcomeAlreadyStable],
		"skipped", sum[OutcomeSkipped],
		"failed", sum[OutcomeFailed])
	return results
}
