package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sender/internal/broadcast"
	logx "sender/pkg/logx"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql for both sqlite and postgres.
// Queries are written with "?" placeholders and rebound per dialect.
type sqlStore struct {
	db      *sql.DB
	log     logx.Logger
	dialect dialect
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const jobColumns = `id, user_id, name, account_id, platform, template_ids, recipient_ids, status,
	scheduled_at, started_at, completed_at, total, successful, failed, created_at`

func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) CreateJob(ctx context.Context, job broadcast.Job) error {
	j, err := prepareNew(job, time.Now())
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		tids, _ := json.Marshal(j.TemplateIDs)
		rids, _ := json.Marshal(j.RecipientIDs)
		_, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO jobs(`+jobColumns+`)
			VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			j.ID, j.UserID, j.Name, j.AccountID, string(j.Platform), string(tids), string(rids), string(j.Status),
			nanos(j.ScheduledAt), nanos(j.StartedAt), nanos(j.CompletedAt),
			j.Total, j.Successful, j.Failed, j.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
		return s.insertLogs(ctx, tx, j.ID, j.Logs)
	})
}

func (s *sqlStore) FindJob(ctx context.Context, id string) (broadcast.Job, error) {
	return s.load(ctx, s.db, id, false)
}

func (s *sqlStore) UpdateJob(ctx context.Context, id string, u broadcast.JobUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		j, err := s.load(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := applyUpdate(&j, u); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE jobs SET status=?, started_at=?, completed_at=?,
			total=?, successful=?, failed=? WHERE id=?`),
			string(j.Status), nanos(j.StartedAt), nanos(j.CompletedAt), j.Total, j.Successful, j.Failed, id,
		)
		if err != nil {
			return fmt.Errorf("update job %s: %w", id, err)
		}
		if u.Logs == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM job_logs WHERE job_id=?`), id); err != nil {
			return err
		}
		return s.insertLogs(ctx, tx, id, u.Logs)
	})
}

func (s *sqlStore) AppendJobLog(ctx context.Context, id, line string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO job_logs(job_id, line) SELECT id, CAST(? AS TEXT) FROM jobs WHERE id = ?`), line, id)
	if err != nil {
		return fmt.Errorf("append log %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", broadcast.ErrJobNotFound, id)
	}
	return nil
}

func (s *sqlStore) ListJobs(ctx context.Context, status broadcast.Status, limit int) ([]broadcast.Job, error) {
	q := `SELECT id FROM jobs WHERE (? = '' OR status = ?) ORDER BY created_at DESC, id ASC`
	args := []any{string(status), string(status)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]broadcast.Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.load(ctx, s.db, id, false)
		if errors.Is(err, broadcast.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (s *sqlStore) load(ctx context.Context, q querier, id string, forUpdate bool) (broadcast.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	if forUpdate && s.dialect == dialectPostgres {
		query += ` FOR UPDATE`
	}
	var (
		j                   broadcast.Job
		platform, status    string
		tids, rids          string
		sched, start, compl sql.NullInt64
		created             int64
	)
	err := q.QueryRowContext(ctx, s.rebind(query), id).Scan(
		&j.ID, &j.UserID, &j.Name, &j.AccountID, &platform, &tids, &rids, &status,
		&sched, &start, &compl, &j.Total, &j.Successful, &j.Failed, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return broadcast.Job{}, fmt.Errorf("%w: %s", broadcast.ErrJobNotFound, id)
	}
	if err != nil {
		return broadcast.Job{}, err
	}
	j.Platform = broadcast.Platform(platform)
	j.Status = broadcast.Status(status)
	_ = json.Unmarshal([]byte(tids), &j.TemplateIDs)
	_ = json.Unmarshal([]byte(rids), &j.RecipientIDs)
	j.ScheduledAt = fromNanos(sched)
	j.StartedAt = fromNanos(start)
	j.CompletedAt = fromNanos(compl)
	j.CreatedAt = time.Unix(0, created)

	rows, err := q.QueryContext(ctx, s.rebind(`SELECT line FROM job_logs WHERE job_id = ? ORDER BY seq`), id)
	if err != nil {
		return broadcast.Job{}, err
	}
	defer rows.Close()
	j.Logs = []string{}
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return broadcast.Job{}, err
		}
		j.Logs = append(j.Logs, line)
	}
	return j, rows.Err()
}

func (s *sqlStore) insertLogs(ctx context.Context, q querier, id string, lines []string) error {
	for _, line := range lines {
		if _, err := q.ExecContext(ctx, s.rebind(`INSERT INTO job_logs(job_id, line) VALUES(?, ?)`), id, line); err != nil {
			return fmt.Errorf("insert log %s: %w", id, err)
		}
	}
	return nil
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}
