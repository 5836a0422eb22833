package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long audit rows and idle cursors are kept.
// A zero duration disables that cleanup.
type RetentionPolicy struct {
	HookStates time.Duration
	Executions time.Duration
}

// RetentionResult reports what a retention pass removed.
type RetentionResult struct {
	HookStates    int64
	Executions    int64
	AccountTokens int
}

// RunRetention cleans up old data according to retention policies
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) (RetentionResult, error) {
	var res RetentionResult

	s.mu.RLock()
	now := s.now()
	s.mu.RUnlock()

	// Idle cursors of inactive or deleted areas
	if p.HookStates > 0 {
		n, err := s.PruneStaleHookStates(ctx, now.Add(-p.HookStates))
		if err != nil {
			return res, err
		}
		res.HookStates = n
	}

	// Finished executions past the audit window; pending rows are never pruned
	if p.Executions > 0 {
		s.mu.Lock()
		result, err := s.db.ExecContext(ctx,
			"DELETE FROM area_executions WHERE status != 'pending' AND triggered_at < ?",
			now.Add(-p.Executions).UnixMilli(),
		)
		s.mu.Unlock()
		if err != nil {
			return res, fmt.Errorf("failed to delete old executions: %w", err)
		}
		res.Executions, _ = result.RowsAffected()
	}

	// Expired linked account tokens
	n, err := s.AccountTokens().Cleanup(ctx)
	if err != nil {
		return res, err
	}
	res.AccountTokens = n

	return res, nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	// Get page count
	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	// Get page size
	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
