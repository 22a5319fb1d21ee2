// Package batch runs valuations over many companies as durable background
// jobs, tracked in batch_valuation_jobs and driven through the jobs queue.
package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/valuation"
)

// Status is the lifecycle state of a batch job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Limits on a submission.
const (
	MaxCompanies     = 500
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// CompanyResult is the outcome for one company in a job.
type CompanyResult struct {
	CompanyID   string    `json:"company_id"`
	CompanyName string    `json:"company_name,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Applied     bool      `json:"applied,omitempty"`
	Error       string    `json:"error,omitempty"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Succeeded reports whether the company was valued.
func (r CompanyResult) Succeeded() bool { return r.Error == "" }

// Job is one batch valuation job.
type Job struct {
	ID          uuid.UUID        `json:"id"`
	Status      Status           `json:"status"`
	Method      valuation.Method `json:"method"`
	Apply       bool             `json:"apply"`
	CompanyIDs  []string         `json:"company_ids"`
	Total       int              `json:"total"`
	Processed   int              `json:"processed"`
	Succeeded   int              `json:"succeeded"`
	Failed      int              `json:"failed"`
	Results     []CompanyResult  `json:"results"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Progress returns the processed fraction in [0, 1].
func (j *Job) Progress() float64 {
	if j.Total == 0 {
		return 0
	}
	return float64(j.Processed) / float64(j.Total)
}

// Done returns the set of companies that already have a result.
func (j *Job) Done() map[string]bool {
	done := make(map[string]bool, len(j.Results))
	for _, r := range j.Results {
		done[r.CompanyID] = true
	}
	return done
}

// SubmitRequest asks for a batch valuation.
type SubmitRequest struct {
	CompanyIDs []string `json:"company_ids"`
	Method     string   `json:"method"`
	Apply      bool     `json:"apply"`
}

// Validate checks the request and returns the canonical, de-duplicated ids
// and the parsed method.
func (r SubmitRequest) Validate() ([]string, valuation.Method, error) {
	method, err := valuation.ParseMethod(r.Method)
	if err != nil {
		return nil, "", err
	}
	if len(r.CompanyIDs) == 0 {
		return nil, "", fmt.Errorf("at least one company id is required: %w", vcerrors.ErrValidation)
	}
	if len(r.CompanyIDs) > MaxCompanies {
		return nil, "", fmt.Errorf("at most %d companies per job, got %d: %w", MaxCompanies, len(r.CompanyIDs), vcerrors.ErrValidation)
	}
	seen := make(map[string]bool, len(r.CompanyIDs))
	ids := make([]string, 0, len(r.CompanyIDs))
	for _, raw := range r.CompanyIDs {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return nil, "", fmt.Errorf("invalid company id %q: %w", raw, vcerrors.ErrValidation)
		}
		if seen[id.String()] {
			continue
		}
		seen[id.String()] = true
		ids = append(ids, id.String())
	}
	return ids, method, nil
}

// Store persists batch jobs. Transitions are conditional: MarkRunning only
// from queued or running, RecordResult only while running, Finish and Cancel
// only from queued or running. A refused transition is ErrInvalidState.
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, limit int) ([]Job, error)
	MarkRunning(ctx context.Context, id uuid.UUID) (*Job, error)
	RecordResult(ctx context.Context, id uuid.UUID, r CompanyResult) (*Job, error)
	Finish(ctx context.Context, id uuid.UUID, status Status, errMsg string) (*Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*Job, error)
}

func parseJobID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", id, vcerrors.ErrValidation)
	}
	return u, nil
}
