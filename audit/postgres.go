package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgxpool.Pool used by PostgresStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps the chain in the audit_entries table. The table carries
// a trigger rejecting UPDATE and DELETE, and seq is the primary key, so two
// writers can never fork the chain.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `seq, ts, actor, action, entity_ref, payload, payload_hash, previous_hash, hash`

func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	const insertSQL = `
INSERT INTO audit_entries (` + entryColumns + `)
SELECT $1::bigint, $2::timestamptz, $3::text, $4::text, $5::text, $6::bytea, $7::text, $8::text, $9::text
WHERE COALESCE((SELECT MAX(seq) FROM audit_entries), 0) = $1::bigint - 1
`
	tag, err := s.db.Exec(ctx, insertSQL,
		int64(e.Sequence), e.Timestamp, e.Actor, e.Action, e.EntityRef,
		[]byte(e.Payload), e.PayloadHash, e.PreviousHash, e.Hash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: seq %d already stored", ErrSequenceConflict, e.Sequence)
		}
		return fmt.Errorf("audit: insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: seq %d does not extend the tail", ErrSequenceConflict, e.Sequence)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context) (Entry, bool, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("audit: load tail: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE seq BETWEEN $1 AND $2 ORDER BY seq`,
		int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("audit: range: %w", err)
	}
	return collect(rows)
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.EntityRef != "" {
		add("entity_ref = $%d", f.EntityRef)
	}
	if f.EntityPrefix != "" {
		add("starts_with(entity_ref, $%d)", f.EntityPrefix)
	}
	if f.Actor != "" {
		add("actor = $%d", f.Actor)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.From != nil {
		add("ts >= $%d", *f.From)
	}
	if f.To != nil {
		add("ts <= $%d", *f.To)
	}
	if f.FromSeq > 0 {
		add("seq >= $%d", int64(f.FromSeq))
	}
	if f.ToSeq > 0 {
		add("seq <= $%d", int64(f.ToSeq))
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	out := make([]Entry, 0, 16)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e       Entry
		seq     int64
		payload []byte
	)
	if err := row.Scan(&seq, &e.Timestamp, &e.Actor, &e.Action, &e.EntityRef, &payload, &e.PayloadHash, &e.PreviousHash, &e.Hash); err != nil {
		return Entry{}, err
	}
	e.Sequence = uint64(seq)
	e.Timestamp = e.Timestamp.UTC()
	e.Payload = payload
	return e, nil
}
