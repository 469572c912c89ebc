package memory

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
)

// LoadProviderUsage returns the persisted used_today counters for day.
func (s *SQLiteStore) LoadProviderUsage(ctx context.Context, day string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, used FROM provider_usage WHERE day = ?`, day)
	if err != nil {
		return nil, goerr.Wrap(err, "load provider usage", goerr.V("day", day))
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			name string
			used int
		)
		if err := rows.Scan(&name, &used); err != nil {
			return nil, goerr.Wrap(err, "scan provider usage")
		}
		out[name] = used
	}
	return out, rows.Err()
}

// SaveProviderUsage upserts counters for day and prunes days older than a
// week.
func (s *SQLiteStore) SaveProviderUsage(ctx context.Context, day string, usage map[string]int) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin usage tx")
	}
	defer func() { _ = tx.Rollback() }()
	for name, used := range usage {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_usage (name, day, used) VALUES (?, ?, ?)
			 ON CONFLICT(name, day) DO UPDATE SET used = excluded.used`, name, day, used); err != nil {
			return goerr.Wrap(err, "save provider usage", goerr.V("provider", name), goerr.V("day", day))
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM provider_usage WHERE day < date(?, '-7 days')`, day); err != nil {
		return goerr.Wrap(err, "prune provider usage")
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "commit provider usage")
	}
	return nil
}
