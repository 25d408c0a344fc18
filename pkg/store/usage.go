package store

import (
	"context"
	"fmt"
	"time"
)

// UsageEvent is one metered upstream call.
type UsageEvent struct {
	Username         string
	APIType          string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CreatedAt        time.Time
}

// UsageRow is an aggregate over usage events, grouped by user, API type
// and model.
type UsageRow struct {
	Username         string
	APIType          string
	Model            string
	Requests         int64
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// InsertUsageEvents persists a batch of usage events in one transaction.
func (s *Store) InsertUsageEvents(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("insert usage events", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (username, api_type, model, prompt_tokens, completion_tokens, total_tokens, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.usageEvents)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return wrapErr("insert usage events", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		created := ev.CreatedAt
		if created.IsZero() {
			created = time.Now().UTC()
		}
		_, err := stmt.ExecContext(ctx,
			ev.Username,
			ev.APIType,
			ev.Model,
			ev.PromptTokens,
			ev.CompletionTokens,
			ev.TotalTokens,
			created.UTC(),
		)
		if err != nil {
			return wrapErr("insert usage events", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("insert usage events", err)
	}
	return nil
}

// UsageSummary aggregates usage events recorded at or after since,
// grouped by user, API type and model, heaviest consumers first.
func (s *Store) UsageSummary(ctx context.Context, since time.Time) ([]UsageRow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT username, api_type, model,
			COUNT(*), SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens)
		FROM %s
		WHERE created_at >= $1
		GROUP BY username, api_type, model
		ORDER BY SUM(total_tokens) DESC, username ASC
	`, s.usageEvents)

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, wrapErr("usage summary", err)
	}
	defer rows.Close()

	var summary []UsageRow
	for rows.Next() {
		var row UsageRow
		err := rows.Scan(
			&row.Username,
			&row.APIType,
			&row.Model,
			&row.Requests,
			&row.PromptTokens,
			&row.CompletionTokens,
			&row.TotalTokens,
		)
		if err != nil {
			return nil, wrapErr("usage summary", err)
		}
		summary = append(summary, row)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("usage summary", err)
	}
	return summary, nil
}

// DeleteUsageEventsBefore drops usage events older than the cutoff.
func (s *Store) DeleteUsageEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE created_at < $1", s.usageEvents)
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, wrapErr("delete usage events", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
