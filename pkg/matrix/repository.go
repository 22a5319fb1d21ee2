package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/db"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new matrix repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "matrix_repository")),
	}
}

const selectColumnSQL = `
	SELECT id, key, name, type, field, position, width, formula, action_id, built_in, created_at
	FROM matrix_columns`

func scanColumn(row pgx.Row) (*Column, error) {
	c := &Column{}
	var typ string
	err := row.Scan(&c.ID, &c.Key, &c.Name, &typ, &c.Field, &c.Position, &c.Width,
		&c.Formula, &c.ActionID, &c.BuiltIn, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.Type = ColumnType(typ)
	return c, nil
}

// ListColumns returns every column in display order.
func (r *Repository) ListColumns(ctx context.Context) ([]Column, error) {
	rows, err := r.pool.Query(ctx, selectColumnSQL+` ORDER BY position, key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		c, err := scanColumn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, *c)
	}
	return cols, rows.Err()
}

// GetColumn looks a column up by id or key.
func (r *Repository) GetColumn(ctx context.Context, idOrKey string) (*Column, error) {
	var row pgx.Row
	if id, err := uuid.Parse(idOrKey); err == nil {
		row = r.pool.QueryRow(ctx, selectColumnSQL+` WHERE id = $1`, id)
	} else {
		row = r.pool.QueryRow(ctx, selectColumnSQL+` WHERE key = $1`, idOrKey)
	}
	c, err := scanColumn(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("column %s: %w", idOrKey, vcerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get column: %w", err)
	}
	return c, nil
}

// CreateColumn inserts col, placing it last when Position is zero.
func (r *Repository) CreateColumn(ctx context.Context, col *Column) error {
	if col.ID == uuid.Nil {
		col.ID = uuid.New()
	}
	query := `
		INSERT INTO matrix_columns (id, key, name, type, field, position, width, formula, action_id, built_in)
		VALUES ($1, $2, $3, $4, $5,
			CASE WHEN $6 > 0 THEN $6 ELSE (SELECT COALESCE(MAX(position), -1) + 1 FROM matrix_columns) END,
			$7, $8, $9, FALSE)
		RETURNING position, created_at
	`
	err := r.pool.QueryRow(ctx, query,
		col.ID, col.Key, col.Name, string(col.Type), col.Field, col.Position,
		col.Width, col.Formula, col.ActionID,
	).Scan(&col.Position, &col.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("column %q already exists: %w", col.Key, vcerrors.ErrConflict)
		}
		return fmt.Errorf("failed to create column: %w", err)
	}
	r.logger.Info("Column created", logging.F("key", col.Key), logging.F("type", string(col.Type)))
	return nil
}

// UpdateColumn changes name, position or width.
func (r *Repository) UpdateColumn(ctx context.Context, id string, upd ColumnUpdate) (*Column, error) {
	col, err := r.GetColumn(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		col.Name = *upd.Name
	}
	if upd.Position != nil {
		col.Position = *upd.Position
	}
	if upd.Width != nil {
		col.Width = *upd.Width
	}
	_, err = r.pool.Exec(ctx,
		`UPDATE matrix_columns SET name = $2, position = $3, width = $4 WHERE id = $1`,
		col.ID, col.Name, col.Position, col.Width)
	if err != nil {
		return nil, fmt.Errorf("failed to update column: %w", err)
	}
	return col, nil
}

// DeleteColumn removes a custom column.
func (r *Repository) DeleteColumn(ctx context.Context, id string) error {
	col, err := r.GetColumn(ctx, id)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM matrix_columns WHERE id = $1`, col.ID); err != nil {
		return fmt.Errorf("failed to delete column: %w", err)
	}
	r.logger.Info("Column deleted", logging.F("key", col.Key))
	return nil
}

// SetPositions assigns positions by column key in one transaction.
func (r *Repository) SetPositions(ctx context.Context, positions map[string]int) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for key, pos := range positions {
			batch.Queue(`UPDATE matrix_columns SET position = $2 WHERE key = $1`, key, pos)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to reorder columns: %w", err)
		}
		return nil
	})
}

// ApplyCellEdit locks the company row, applies the patch and records the
// edit in one transaction.
func (r *Repository) ApplyCellEdit(ctx context.Context, w CellWrite) (*CellResult, error) {
	var result *CellResult
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := companies.LockForUpdate(ctx, tx, w.CompanyID)
		if err != nil {
			return err
		}
		oldValue := CellValue(current, w.Column)

		next, err := companies.ApplyPatch(ctx, tx, current, w.Patch)
		if err != nil {
			return err
		}
		edit := Edit{
			CompanyID: next.ID,
			ColumnKey: w.Column.Key,
			OldValue:  oldValue,
			NewValue:  CellValue(next, w.Column),
			Source:    w.Source,
			EditedBy:  w.EditedBy,
		}
		if err := insertEdit(ctx, tx, &edit); err != nil {
			return err
		}
		result = &CellResult{Company: next, Edit: edit}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertEdit(ctx context.Context, q db.DBTX, e *Edit) error {
	oldJSON, err := jsonValue(e.OldValue)
	if err != nil {
		return err
	}
	newJSON, err := jsonValue(e.NewValue)
	if err != nil {
		return err
	}
	err = q.QueryRow(ctx, `
		INSERT INTO matrix_edits (company_id, column_key, old_value, new_value, source, edited_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		e.CompanyID, e.ColumnKey, oldJSON, newJSON, e.Source, e.EditedBy,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record edit: %w", err)
	}
	return nil
}

// jsonValue encodes v for a jsonb parameter; nil stays SQL NULL.
func jsonValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cell value: %w", err)
	}
	return b, nil
}

const selectEditSQL = `
	SELECT id, company_id, column_key, old_value, new_value, source, edited_by, created_at
	FROM matrix_edits`

func scanEdit(row pgx.Row) (*Edit, error) {
	e := &Edit{}
	var oldJSON, newJSON []byte
	if err := row.Scan(&e.ID, &e.CompanyID, &e.ColumnKey, &oldJSON, &newJSON,
		&e.Source, &e.EditedBy, &e.CreatedAt); err != nil {
		return nil, err
	}
	if len(oldJSON) > 0 {
		if err := json.Unmarshal(oldJSON, &e.OldValue); err != nil {
			return nil, fmt.Errorf("failed to decode old value: %w", err)
		}
	}
	if len(newJSON) > 0 {
		if err := json.Unmarshal(newJSON, &e.NewValue); err != nil {
			return nil, fmt.Errorf("failed to decode new value: %w", err)
		}
	}
	return e, nil
}

// ListEdits returns edits newest first.
func (r *Repository) ListEdits(ctx context.Context, f EditFilter) ([]Edit, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.CompanyID != "" {
		id, err := companies.ParseID(f.CompanyID)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf("company_id = $%d", argIdx))
		args = append(args, id)
		argIdx++
	}
	if f.ColumnKey != "" {
		conditions = append(conditions, fmt.Sprintf("column_key = $%d", argIdx))
		args = append(args, f.ColumnKey)
	}

	query := selectEditSQL
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT %d", f.limit())

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edits: %w", err)
	}
	defer rows.Close()

	var edits []Edit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan edit: %w", err)
		}
		edits = append(edits, *e)
	}
	return edits, rows.Err()
}

// GetEdit returns one edit.
func (r *Repository) GetEdit(ctx context.Context, id string) (*Edit, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid edit id %q: %w", id, vcerrors.ErrValidation)
	}
	e, err := scanEdit(r.pool.QueryRow(ctx, selectEditSQL+` WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("edit %s: %w", id, vcerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get edit: %w", err)
	}
	return e, nil
}
