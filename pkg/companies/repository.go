package companies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/vcmatrix/pkg/db"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Repository provides database operations for companies.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a new company repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "company_repository")),
	}
}

// Pool returns the underlying database pool.
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

const selectCompanySQL = `
	SELECT
		id, name, COALESCE(sector, ''), COALESCE(stage, ''), status,
		COALESCE(website, ''), COALESCE(description, ''), COALESCE(hq_country, ''),
		currency, fund_id,
		current_arr, revenue_growth_pct, burn_rate_monthly, cash_in_bank, runway_months,
		headcount, gross_margin_pct, total_invested, ownership_pct, current_valuation,
		last_round_date, last_round_amount, extra_data,
		created_at, updated_at
	FROM companies`

func scanCompany(row pgx.Row) (*Company, error) {
	c := &Company{}
	var stage, status string
	err := row.Scan(
		&c.ID, &c.Name, &c.Sector, &stage, &status,
		&c.Website, &c.Description, &c.HQCountry,
		&c.Currency, &c.FundID,
		&c.CurrentARR, &c.RevenueGrowthPct, &c.BurnRateMonthly, &c.CashInBank, &c.RunwayMonths,
		&c.Headcount, &c.GrossMarginPct, &c.TotalInvested, &c.OwnershipPct, &c.CurrentValuation,
		&c.LastRoundDate, &c.LastRoundAmount, &c.ExtraData,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Stage = Stage(stage)
	c.Status = Status(status)
	c.Currency = strings.TrimSpace(c.Currency)
	if c.ExtraData == nil {
		c.ExtraData = map[string]any{}
	}
	return c, nil
}

// Create inserts a new company. A duplicate normalised name is ErrConflict.
func (r *Repository) Create(ctx context.Context, c *Company) error {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	query := `
		INSERT INTO companies (
			id, name, name_key, sector, stage, status,
			website, description, hq_country, currency, fund_id,
			current_arr, revenue_growth_pct, burn_rate_monthly, cash_in_bank, runway_months,
			headcount, gross_margin_pct, total_invested, ownership_pct, current_valuation,
			last_round_date, last_round_amount, extra_data,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24,
			NOW(), NOW()
		)
		RETURNING created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		c.ID, c.Name, NormalizeName(c.Name), c.Sector, string(c.Stage), string(c.Status),
		c.Website, c.Description, c.HQCountry, c.Currency, c.FundID,
		c.CurrentARR, c.RevenueGrowthPct, c.BurnRateMonthly, c.CashInBank, c.RunwayMonths,
		c.Headcount, c.GrossMarginPct, c.TotalInvested, c.OwnershipPct, c.CurrentValuation,
		c.LastRoundDate, c.LastRoundAmount, c.ExtraData,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return mapWriteError("create company", c.Name, err)
	}

	r.logger.Debug("Company created",
		logging.F("id", c.ID.String()),
		logging.F("name", c.Name))
	return nil
}

// Get returns a company by id.
func (r *Repository) Get(ctx context.Context, id string) (*Company, error) {
	uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	c, err := scanCompany(r.pool.QueryRow(ctx, selectCompanySQL+` WHERE id = $1`, uid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return c, nil
}

// GetByName returns the company whose normalised name matches name.
func (r *Repository) GetByName(ctx context.Context, name string) (*Company, error) {
	c, err := scanCompany(r.pool.QueryRow(ctx, selectCompanySQL+` WHERE name_key = $1`, NormalizeName(name)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("company %q: %w", name, vcerrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get company by name: %w", err)
	}
	return c, nil
}

// List returns companies matching filter.
func (r *Repository) List(ctx context.Context, filter Filter) ([]*Company, error) {
	where, args := buildWhere(filter)
	query := selectCompanySQL + where + buildOrder(filter) +
		fmt.Sprintf(" LIMIT %d", filter.EffectiveLimit())
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var out []*Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Count returns the number of companies matching filter, ignoring paging.
func (r *Repository) Count(ctx context.Context, filter Filter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM companies`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count companies: %w", err)
	}
	return n, nil
}

// ListNames returns every company id and name, used for entity matching.
func (r *Repository) ListNames(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id::text, name FROM companies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list company names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan company name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

// Update applies a UI patch to a company inside a row-locking transaction.
func (r *Repository) Update(ctx context.Context, id string, raw map[string]any) (*Company, error) {
	patch, err := BuildPatch(raw)
	if err != nil {
		return nil, err
	}

	var updated *Company
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := LockForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		updated, err = ApplyPatch(ctx, tx, current, patch)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debug("Company updated",
		logging.F("id", id),
		logging.F("columns", patch.Columns()))
	return updated, nil
}

// Delete removes a company and, by cascade, its edits.
func (r *Repository) Delete(ctx context.Context, id string) error {
	uid, err := ParseID(id)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM companies WHERE id = $1`, uid)
	if err != nil {
		return fmt.Errorf("failed to delete company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company %s: %w", id, vcerrors.ErrNotFound)
	}
	r.logger.Info("Company deleted", logging.F("id", id))
	return nil
}

func saveCompany(ctx context.Context, q db.DBTX, c *Company) error {
	query := `
		UPDATE companies SET
			name = $2, name_key = $3, sector = NULLIF($4, ''), stage = NULLIF($5, ''), status = $6,
			website = NULLIF($7, ''), description = NULLIF($8, ''), hq_country = NULLIF($9, ''),
			currency = $10, fund_id = $11,
			current_arr = $12, revenue_growth_pct = $13, burn_rate_monthly = $14,
			cash_in_bank = $15, runway_months = $16, headcount = $17, gross_margin_pct = $18,
			total_invested = $19, ownership_pct = $20, current_valuation = $21,
			last_round_date = $22, last_round_amount = $23, extra_data = $24,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := q.QueryRow(ctx, query,
		c.ID, c.Name, NormalizeName(c.Name), c.Sector, string(c.Stage), string(c.Status),
		c.Website, c.Description, c.HQCountry, c.Currency, c.FundID,
		c.CurrentARR, c.RevenueGrowthPct, c.BurnRateMonthly,
		c.CashInBank, c.RunwayMonths, c.Headcount, c.GrossMarginPct,
		c.TotalInvested, c.OwnershipPct, c.CurrentValuation,
		c.LastRoundDate, c.LastRoundAmount, c.ExtraData,
	).Scan(&c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("company %s: %w", c.ID, vcerrors.ErrNotFound)
		}
		return mapWriteError("update company", c.Name, err)
	}
	return nil
}

func mapWriteError(op, name string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("company %q already exists: %w", name, vcerrors.ErrConflict)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// buildWhere renders the filter as a WHERE clause. Column names only come
// from the field whitelist, so user input never reaches the SQL text.
func buildWhere(f Filter) (string, []any) {
	var conditions []string
	var args []any
	argIdx := 1

	add := func(format string, arg any) {
		conditions = append(conditions, fmt.Sprintf(format, argIdx))
		args = append(args, arg)
		argIdx++
	}

	if len(f.Sectors) > 0 {
		add("LOWER(sector) = ANY($%d)", lowerAll(f.Sectors))
	}
	if len(f.ExcludeSectors) > 0 {
		add("(sector IS NULL OR NOT LOWER(sector) = ANY($%d))", lowerAll(f.ExcludeSectors))
	}
	if len(f.Stages) > 0 {
		add("stage = ANY($%d)", stageStrings(f.Stages))
	}
	if len(f.ExcludeStages) > 0 {
		add("(stage IS NULL OR NOT stage = ANY($%d))", stageStrings(f.ExcludeStages))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	if f.FundID != nil {
		add("fund_id = $%d", *f.FundID)
	}
	if f.NameSearch != "" {
		add("name ILIKE '%%' || $%d || '%%'", escapeLike(f.NameSearch))
	}
	for _, m := range f.Metrics {
		field, ok := ResolveField(m.Field)
		if !ok || !field.Kind.Numeric() || !validOp(m.Op) {
			continue
		}
		conditions = append(conditions, fmt.Sprintf("%s %s $%d", field.Column, m.Op, argIdx))
		args = append(args, m.Value)
		argIdx++
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func buildOrder(f Filter) string {
	if f.SortBy == "" {
		return " ORDER BY name ASC"
	}
	field, ok := ResolveField(f.SortBy)
	if !ok || field.Column == "extra_data" {
		return " ORDER BY name ASC"
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	if field.Column == "name" {
		return " ORDER BY name " + dir
	}
	return fmt.Sprintf(" ORDER BY %s %s NULLS LAST, name ASC", field.Column, dir)
}

func validOp(op CompareOp) bool {
	switch op {
	case OpGT, OpGE, OpLT, OpLE, OpEQ:
		return true
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func stageStrings(in []Stage) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
