package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/skyrem/backoffice/internal/platform/db"
	"github.com/skyrem/backoffice/internal/shared"
)

// Repository reads the activity log.
type Repository interface {
	ListEntries(ctx context.Context, f Filters, page shared.Pagination, sort shared.Sort) ([]Entry, error)
	CountEntries(ctx context.Context, f Filters) (int, error)
	GetEntry(ctx context.Context, id int64) (Entry, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db db.DBTX
}

// NewRepository constructs a PGRepository.
func NewRepository(conn db.DBTX) *PGRepository {
	return &PGRepository{db: conn}
}

const entryColumns = `a.id, a.log_name, a.description, a.subject_type, a.subject_id, a.event,
	a.causer_id, COALESCE(u.name, ''), a.properties, a.created_at`

func whereClause(f Filters) (string, []any) {
	where := []string{"1=1"}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Event != "" {
		add("a.event = $%d", f.Event)
	}
	if f.SubjectType != "" {
		add("a.subject_type = $%d", f.SubjectType)
	}
	if f.CauserID > 0 {
		add("a.causer_id = $%d", f.CauserID)
	}
	if f.Search != "" {
		add("a.description ILIKE $%d", "%"+f.Search+"%")
	}
	if !f.From.IsZero() {
		add("a.created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("a.created_at < $%d", f.To)
	}
	return strings.Join(where, " AND "), args
}

func (r *PGRepository) CountEntries(ctx context.Context, f Filters) (int, error) {
	cond, args := whereClause(f)
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM activity_log a WHERE `+cond, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("audit: count: %w", err)
	}
	return total, nil
}

func (r *PGRepository) ListEntries(ctx context.Context, f Filters, page shared.Pagination, sort shared.Sort) ([]Entry, error) {
	cond, args := whereClause(f)
	args = append(args, page.PerPage, page.Offset())
	query := fmt.Sprintf(`SELECT %s FROM activity_log a LEFT JOIN users u ON u.id = a.causer_id
		WHERE %s ORDER BY a.%s %s, a.id DESC LIMIT $%d OFFSET $%d`,
		entryColumns, cond, sort.Column, sort.Direction(), len(args)-1, len(args))
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate: %w", err)
	}
	return out, nil
}

func (r *PGRepository) GetEntry(ctx context.Context, id int64) (Entry, error) {
	row := r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM activity_log a LEFT JOIN users u ON u.id = a.causer_id WHERE a.id = $1`, id)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, shared.ErrNotFound
	}
	return e, err
}

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var props []byte
	if err := row.Scan(&e.ID, &e.LogName, &e.Description, &e.SubjectType, &e.SubjectID, &e.Event,
		&e.CauserID, &e.CauserName, &props, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("audit: scan: %w", err)
	}
	if len(props) > 0 {
		if err := json.Unmarshal(props, &e.Properties); err != nil {
			return Entry{}, fmt.Errorf("audit: decode properties: %w", err)
		}
	}
	return e, nil
}

var _ Repository = (*PGRepository)(nil)
