package storage

import (
	"context"
	"fmt"

	"island/internal/model"
)

const ruleColumns = `idx, name, pattern, is_regex, case_insensitive, match_entire, enabled, target, created_at`

// CreateRule inserts a new block rule and populates its Index and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.BlockRule) error {
	created := now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO block_rules (name, pattern, is_regex, case_insensitive, match_entire, enabled, target, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, r.Pattern, boolToInt(r.IsRegex), boolToInt(r.CaseInsensitive),
		boolToInt(r.MatchEntire), boolToInt(r.Enabled), string(r.Target), created,
	)
	if err != nil {
		return fmt.Errorf("insert block rule: %w", err)
	}
	idx, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.Index = idx
	r.CreatedAt = parseTime(created)
	s.changes.Bump(topicRules)
	return nil
}

// UpdateRule replaces every mutable field of the rule stored at r.Index.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.BlockRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE block_rules SET name = ?, pattern = ?, is_regex = ?, case_insensitive = ?,
		        match_entire = ?, enabled = ?, target = ?
		 WHERE idx = ?`,
		r.Name, r.Pattern, boolToInt(r.IsRegex), boolToInt(r.CaseInsensitive),
		boolToInt(r.MatchEntire), boolToInt(r.Enabled), string(r.Target), r.Index,
	)
	if err != nil {
		return fmt.Errorf("update block rule: %w", err)
	}
	if err := mustAffect(res, fmt.Sprintf("block rule %d", r.Index)); err != nil {
		return err
	}
	s.changes.Bump(topicRules)
	return nil
}

// GetRule returns a single block rule by its index.
func (s *SQLite) GetRule(ctx context.Context, index int64) (*model.BlockRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM block_rules WHERE idx = ?`, index)
	r, err := scanRule(row)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRules returns all block rules in insertion order.
func (s *SQLite) ListRules(ctx context.Context) ([]model.BlockRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM block_rules ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("query block rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []model.BlockRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// DeleteRule removes a block rule by its index.
func (s *SQLite) DeleteRule(ctx context.Context, index int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM block_rules WHERE idx = ?`, index)
	if err != nil {
		return fmt.Errorf("delete block rule: %w", err)
	}
	if err := mustAffect(res, fmt.Sprintf("block rule %d", index)); err != nil {
		return err
	}
	s.changes.Bump(topicRules)
	return nil
}

// WatchRules emits the full rule list now and again after every change,
// until ctx is cancelled. A failed reload is logged and skipped.
func (s *SQLite) WatchRules(ctx context.Context) <-chan []model.BlockRule {
	out := make(chan []model.BlockRule, 1)
	changes := s.changes.Subscribe(ctx, topicRules)

	go func() {
		defer close(out)

		emit := func() bool {
			rules, err := s.ListRules(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error("reload block rules", "error", err)
				}
				return ctx.Err() == nil
			}
			select {
			case out <- rules:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit() {
			return
		}
		for range changes {
			if !emit() {
				return
			}
		}
	}()

	return out
}

func scanRule(row scannable) (model.BlockRule, error) {
	var r model.BlockRule
	var isRegex, caseInsensitive, matchEntire, enabled int
	var target, created string
	err := row.Scan(&r.Index, &r.Name, &r.Pattern, &isRegex, &caseInsensitive,
		&matchEntire, &enabled, &target, &created)
	if err != nil {
		return r, notFound(err, "block rule")
	}
	r.IsRegex = isRegex == 1
	r.CaseInsensitive = caseInsensitive == 1
	r.MatchEntire = matchEntire == 1
	r.Enabled = enabled == 1
	r.Target = model.BlockTarget(target)
	r.CreatedAt = parseTime(created)
	return r, nil
}
