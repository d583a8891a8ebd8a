package filter

import (
	"context"
	"log/slog"
	"sync/atomic"

	"island/internal/model"
)

// RuleSet holds the latest compiled snapshot of the block rules.
// Snapshots are replaced whole, so readers never see a partial update.
type RuleSet struct {
	current atomic.Pointer[[]Matcher]
	log     *slog.Logger
}

// NewRuleSet creates an empty RuleSet.
func NewRuleSet(log *slog.Logger) *RuleSet {
	rs := &RuleSet{log: log}
	empty := []Matcher{}
	rs.current.Store(&empty)
	return rs
}

// Snapshot returns the matchers of the latest rule list.
func (rs *RuleSet) Snapshot() []Matcher {
	return *rs.current.Load()
}

// Replace compiles rules and swaps them in as the current snapshot.
func (rs *RuleSet) Replace(rules []model.BlockRule) {
	matchers := CompileAll(rules)
	for _, m := range matchers {
		if m.Fallback && m.Rule.Enabled {
			rs.log.Warn("block rule pattern does not compile, matching literally",
				"index", m.Rule.Index, "pattern", m.Rule.Pattern)
		}
	}
	rs.current.Store(&matchers)
}

// Listen replaces the snapshot on every rule list received from updates,
// blocking until updates is closed or ctx is cancelled.
func (rs *RuleSet) Listen(ctx context.Context, updates <-chan []model.BlockRule) {
	for {
		select {
		case <-ctx.Done():
			return
		case rules, ok := <-updates:
			if !ok {
				return
			}
			rs.Replace(rules)
			rs.log.Debug("block rules reloaded", "count", len(rules))
		}
	}
}
