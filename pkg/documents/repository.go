package documents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ Store = (*Repository)(nil)

// NewRepository creates a document repository.
func NewRepository(pool *pgxpool.Pool, logger logging.Logger) *Repository {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Repository{
		pool:   pool,
		logger: logger.With(logging.F("component", "document_repository")),
	}
}

const documentColumns = `
	id, company_id, filename, content_type, size_bytes, storage_key, sha256, document_type,
	status, apply_metrics, text_extracted, extracted_text, extracted_data, error, created_at, processed_at`

func scanDocument(row pgx.Row) (*Document, error) {
	d := &Document{}
	var docType, status string
	var data []byte
	err := row.Scan(&d.ID, &d.CompanyID, &d.Filename, &d.ContentType, &d.SizeBytes, &d.StorageKey,
		&d.SHA256, &docType, &status, &d.ApplyMetrics, &d.TextExtracted, &d.ExtractedText, &data,
		&d.Error, &d.CreatedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}
	d.DocumentType = DocumentType(docType)
	d.Status = Status(status)
	if len(data) > 0 && string(data) != "{}" {
		d.ExtractedData = &ExtractedData{}
		if err := json.Unmarshal(data, d.ExtractedData); err != nil {
			return nil, fmt.Errorf("failed to decode extracted data: %w", err)
		}
	}
	return d, nil
}

// Create inserts a pending document and fills in its timestamps.
func (r *Repository) Create(ctx context.Context, d *Document) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = StatusPending
	}
	if d.DocumentType == "" {
		d.DocumentType = TypeOther
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO processed_documents
			(id, company_id, filename, content_type, size_bytes, storage_key, sha256, document_type, status, apply_metrics)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`,
		d.ID, d.CompanyID, d.Filename, d.ContentType, d.SizeBytes, d.StorageKey, d.SHA256,
		string(d.DocumentType), string(d.Status), d.ApplyMetrics)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	r.logger.Debug("Document created", logging.F("document_id", d.ID.String()), logging.F("filename", d.Filename))
	return nil
}

// Get returns a document by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM processed_documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return d, nil
}

// FindDuplicate returns the oldest document with the same hash and company.
func (r *Repository) FindDuplicate(ctx context.Context, sha string, companyID *uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.pool.QueryRow(ctx, `
		SELECT `+documentColumns+` FROM processed_documents
		WHERE sha256 = $1 AND company_id IS NOT DISTINCT FROM $2
		ORDER BY created_at
		LIMIT 1`, sha, companyID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document with sha256 %s: %w", sha, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up duplicate document: %w", err)
	}
	return d, nil
}

// List returns documents newest first. The extracted text is omitted.
func (r *Repository) List(ctx context.Context, f DocumentFilter) ([]Document, error) {
	var (
		where []string
		args  []any
	)
	if f.CompanyID != "" {
		args = append(args, f.CompanyID)
		where = append(where, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + strings.Replace(documentColumns, "extracted_text", "''", 1) + ` FROM processed_documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// MarkProcessing moves a document to processing.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.pool.QueryRow(ctx, `
		UPDATE processed_documents SET status = 'processing', error = ''
		WHERE id = $1
		RETURNING `+documentColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to start document processing: %w", err)
	}
	return d, nil
}

// Finish records the processing outcome.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, o Outcome) (*Document, error) {
	data := []byte("{}")
	if o.Data != nil {
		var err error
		if data, err = json.Marshal(o.Data); err != nil {
			return nil, fmt.Errorf("failed to encode extracted data: %w", err)
		}
	}
	docType := o.DocumentType
	if docType == "" {
		docType = TypeOther
	}
	d, err := scanDocument(r.pool.QueryRow(ctx, `
		UPDATE processed_documents
		SET status = $2, document_type = $3, text_extracted = $4, extracted_text = $5,
		    extracted_data = $6, error = $7, processed_at = NOW()
		WHERE id = $1
		RETURNING `+documentColumns,
		id, string(o.Status), string(docType), o.TextExtracted, o.Text, data, o.Error))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, vcerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish document: %w", err)
	}
	return d, nil
}

// Requeue resets a document that is not being processed to pending.
func (r *Repository) Requeue(ctx context.Context, id uuid.UUID) (*Document, error) {
	d, err := scanDocument(r.pool.QueryRow(ctx, `
		UPDATE processed_documents SET status = 'pending', error = ''
		WHERE id = $1 AND status <> 'processing'
		RETURNING `+documentColumns, id))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to requeue document: %w", err)
	}
	if _, gerr := r.Get(ctx, id); gerr != nil {
		return nil, gerr
	}
	return nil, fmt.Errorf("document %s is already processing: %w", id, vcerrors.ErrInvalidState)
}
