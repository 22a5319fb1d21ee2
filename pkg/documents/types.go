// Package documents stores uploaded portfolio documents, classifies them and
// extracts the metrics they mention so they can be written back to the matrix.
package documents

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

// DocumentType is the detected kind of document.
type DocumentType string

const (
	TypePitchDeck          DocumentType = "pitch_deck"
	TypeFinancialStatement DocumentType = "financial_statement"
	TypeCapTable           DocumentType = "cap_table"
	TypeTermSheet          DocumentType = "term_sheet"
	TypeInvestorUpdate     DocumentType = "investor_update"
	TypeBoardDeck          DocumentType = "board_deck"
	TypeOther              DocumentType = "other"
)

// Status is the processing state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Limits.
const (
	MaxUploadBytes   = 25 << 20
	MaxExtractedText = 100_000
	MaxCSVRows       = 200
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Metric is one value found in a document.
type Metric struct {
	Key        string  `json:"key"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit,omitempty"`
	Column     string  `json:"column,omitempty"`
	Snippet    string  `json:"snippet"`
	Confidence float64 `json:"confidence"`
}

// Classification is the classifier's verdict.
type Classification struct {
	Type       DocumentType `json:"type"`
	Confidence float64      `json:"confidence"`
	Signals    []string     `json:"signals,omitempty"`
}

// ExtractedData is stored in processed_documents.extracted_data.
type ExtractedData struct {
	Classification Classification `json:"classification"`
	TextExtracted  bool           `json:"text_extracted"`
	Encoding       string         `json:"encoding,omitempty"`
	Metrics        []Metric       `json:"metrics,omitempty"`
	Rows           [][]string     `json:"rows,omitempty"`
	RowCount       int            `json:"row_count,omitempty"`
	Truncated      bool           `json:"truncated,omitempty"`
	AppliedMetrics []string       `json:"applied_metrics,omitempty"`
}

// Metric returns the first metric with key.
func (d *ExtractedData) Metric(key string) (Metric, bool) {
	if d == nil {
		return Metric{}, false
	}
	for _, m := range d.Metrics {
		if m.Key == key {
			return m, true
		}
	}
	return Metric{}, false
}

// Document is one row of processed_documents.
type Document struct {
	ID            uuid.UUID      `json:"id"`
	CompanyID     *uuid.UUID     `json:"company_id,omitempty"`
	Filename      string         `json:"filename"`
	ContentType   string         `json:"content_type"`
	SizeBytes     int64          `json:"size_bytes"`
	StorageKey    string         `json:"storage_key"`
	SHA256        string         `json:"sha256"`
	DocumentType  DocumentType   `json:"document_type"`
	Status        Status         `json:"status"`
	ApplyMetrics  bool           `json:"apply_metrics"`
	TextExtracted bool           `json:"text_extracted"`
	ExtractedText string         `json:"extracted_text,omitempty"`
	ExtractedData *ExtractedData `json:"extracted_data,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`

	// Duplicate is set by Upload when an identical file already existed.
	Duplicate bool `json:"duplicate,omitempty"`
}

// UploadRequest describes a new upload. CompanyID is optional.
type UploadRequest struct {
	CompanyID    string
	Filename     string
	ContentType  string
	Body         io.Reader
	Process      bool
	ApplyMetrics bool
}

// DocumentFilter narrows List.
type DocumentFilter struct {
	CompanyID string
	Status    Status
	Limit     int
}

// Normalize validates the filter and clamps its limit.
func (f DocumentFilter) Normalize() (DocumentFilter, error) {
	f.CompanyID = strings.TrimSpace(f.CompanyID)
	if f.CompanyID != "" {
		if _, err := uuid.Parse(f.CompanyID); err != nil {
			return f, fmt.Errorf("invalid company id %q: %w", f.CompanyID, vcerrors.ErrValidation)
		}
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown document status %q: %w", f.Status, vcerrors.ErrValidation)
	}
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	return f, nil
}

// Outcome is what processing records on a document.
type Outcome struct {
	Status        Status
	DocumentType  DocumentType
	TextExtracted bool
	Text          string
	Data          *ExtractedData
	Error         string
}

// Store is the persistence contract for documents.
type Store interface {
	Create(ctx context.Context, d *Document) error
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	// FindDuplicate returns the document with the same hash for the same
	// company (or with no company), or ErrNotFound.
	FindDuplicate(ctx context.Context, sha256 string, companyID *uuid.UUID) (*Document, error)
	List(ctx context.Context, f DocumentFilter) ([]Document, error)
	// MarkProcessing moves a document to processing from any state.
	MarkProcessing(ctx context.Context, id uuid.UUID) (*Document, error)
	Finish(ctx context.Context, id uuid.UUID, o Outcome) (*Document, error)
	// Requeue resets a document to pending. A document being processed
	// yields ErrInvalidState.
	Requeue(ctx context.Context, id uuid.UUID) (*Document, error)
}

// ParseID parses a document id.
func ParseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q: %w", id, vcerrors.ErrValidation)
	}
	return u, nil
}

func truncateText(s string) (string, bool) {
	if len(s) <= MaxExtractedText {
		return s, false
	}
	cut := MaxExtractedText
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut], true
}
