package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/consentgate/internal/platform/db"
)

// Pool is the subset of *pgxpool.Pool the store needs.
type Pool interface {
	db.Querier
	db.Beginner
}

type eventRepoPG struct {
	pool    Pool
	lockKey int64
}

func NewRepo(pool Pool) Repository {
	h := fnv.New64a()
	_, _ = h.Write([]byte("consent_audit_event:append"))
	return &eventRepoPG{pool: pool, lockKey: int64(h.Sum64())}
}

func (r *eventRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const eventCols = `id, seq, subject_id, grantee_id, action, resource_type, resource_id, grant_id,
	purpose, outcome, outcome_reason, requester_ip, user_agent, metadata, recorded,
	mirror_id, prev_hash, hash`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var outcome string
	var metadata []byte
	err := row.Scan(&e.ID, &e.Seq, &e.SubjectID, &e.GranteeID, &e.Action, &e.ResourceType,
		&e.ResourceID, &e.GrantID, &e.Purpose, &outcome, &e.OutcomeReason, &e.RequesterIP,
		&e.UserAgent, &metadata, &e.Recorded, &e.MirrorID, &e.PrevHash, &e.Hash)
	if err != nil {
		return nil, err
	}
	e.Outcome = Outcome(outcome)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode audit metadata: %w", err)
		}
	}
	return &e, nil
}

func (r *eventRepoPG) Append(ctx context.Context, e *Event) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = raw
	}

	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		conn := r.conn(ctx)
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", r.lockKey); err != nil {
			return fmt.Errorf("acquire audit append lock: %w", err)
		}

		var prev *Event
		var last Event
		err := conn.QueryRow(ctx,
			`SELECT seq, hash FROM consent_audit_event ORDER BY seq DESC LIMIT 1`,
		).Scan(&last.Seq, &last.Hash)
		switch {
		case err == nil:
			prev = &last
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("read audit chain head: %w", err)
		}

		if err := seal(e, prev); err != nil {
			return err
		}

		_, err = conn.Exec(ctx, `
			INSERT INTO consent_audit_event (`+eventCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			e.ID, e.Seq, e.SubjectID, e.GranteeID, e.Action, e.ResourceType, e.ResourceID, e.GrantID,
			e.Purpose, string(e.Outcome), e.OutcomeReason, e.RequesterIP, e.UserAgent, metadata, e.Recorded,
			e.MirrorID, e.PrevHash, e.Hash,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func (r *eventRepoPG) SetMirrorID(ctx context.Context, id uuid.UUID, mirrorID string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consent_audit_event SET mirror_id = $2 WHERE id = $1`, id, mirrorID)
	if err != nil {
		return fmt.Errorf("set audit mirror id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	e, err := scanEvent(r.conn(ctx).QueryRow(ctx,
		`SELECT `+eventCols+` FROM consent_audit_event WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return e, nil
}

func filterClause(f Filter) (string, []any) {
	var where []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("subject_id", f.SubjectID)
	add("grantee_id", f.GranteeID)
	add("outcome", string(f.Outcome))
	if len(where) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (r *eventRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Event, int, error) {
	clause, args := filterClause(f)

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consent_audit_event`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	q := fmt.Sprintf(`SELECT %s FROM consent_audit_event%s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		eventCols, clause, len(args)+1, len(args)+2)
	rows, err := r.conn(ctx).Query(ctx, q, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var items []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *eventRepoPG) Walk(ctx context.Context, fn func(*Event) error) error {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+eventCols+` FROM consent_audit_event ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("walk audit events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}
