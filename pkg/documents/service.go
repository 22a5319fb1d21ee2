package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/vcmatrix/pkg/blob"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

// CellWriter writes one matrix cell.
type CellWriter interface {
	UpdateCell(ctx context.Context, req matrix.CellUpdate) (*matrix.Cell, error)
}

// Config configures a Service. A nil Queue processes uploads inline.
type Config struct {
	Queue      jobs.Queue
	Cells      CellWriter
	Classifier *Classifier
	Extractor  *Extractor
	Publisher  observability.Publisher
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
	Logger     logging.Logger
}

// Service uploads, stores and processes documents.
type Service struct {
	store      Store
	blobs      blob.Store
	companies  companies.Store
	queue      jobs.Queue
	cells      CellWriter
	classifier *Classifier
	extractor  *Extractor
	publisher  observability.Publisher
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     logging.Logger
}

// NewService creates a document service.
func NewService(store Store, blobs blob.Store, cs companies.Store, cfg Config) *Service {
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(nil)
	}
	if cfg.Extractor == nil {
		cfg.Extractor = NewExtractor()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = observability.NopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNopLogger()
	}
	return &Service{
		store:      store,
		blobs:      blobs,
		companies:  cs,
		queue:      cfg.Queue,
		cells:      cfg.Cells,
		classifier: cfg.Classifier,
		extractor:  cfg.Extractor,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger.With(logging.F("component", "document_service")),
	}
}

// Source is the edit source recorded for metrics applied from document id.
func Source(id string) string { return "document:" + id }

// ==================== Upload ====================

// Upload stores a new document. An identical file already uploaded for the
// same company is returned instead, with Duplicate set.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*Document, error) {
	filename := SafeFilename(req.Filename)
	if filename == "" {
		return nil, fmt.Errorf("filename is required: %w", vcerrors.ErrValidation)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("document body is required: %w", vcerrors.ErrValidation)
	}

	var companyID *uuid.UUID
	if strings.TrimSpace(req.CompanyID) != "" {
		id, err := companies.ParseID(req.CompanyID)
		if err != nil {
			return nil, err
		}
		if _, err := s.companies.Get(ctx, id.String()); err != nil {
			return nil, err
		}
		companyID = &id
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("document is empty: %w", vcerrors.ErrValidation)
	}
	if len(data) > MaxUploadBytes {
		return nil, fmt.Errorf("document exceeds %d MiB: %w", MaxUploadBytes>>20, vcerrors.ErrValidation)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	existing, err := s.store.FindDuplicate(ctx, hash, companyID)
	switch {
	case err == nil:
		existing.Duplicate = true
		s.logger.Info("Duplicate upload returned existing document",
			logging.F("document_id", existing.ID.String()), logging.F("sha256", hash))
		return existing, nil
	case !vcerrors.IsNotFound(err):
		return nil, err
	}

	doc := &Document{
		ID:           uuid.New(),
		CompanyID:    companyID,
		Filename:     filename,
		ContentType:  DetectContentType(filename, req.ContentType, data),
		SizeBytes:    int64(len(data)),
		SHA256:       hash,
		DocumentType: TypeOther,
		Status:       StatusPending,
		ApplyMetrics: req.ApplyMetrics,
	}
	doc.StorageKey = fmt.Sprintf("documents/%s/%s", doc.ID, filename)

	if _, err := s.blobs.Put(ctx, doc.StorageKey, bytes.NewReader(data), blob.PutOptions{
		ContentType: doc.ContentType,
		Metadata:    map[string]string{"document_id": doc.ID.String(), "sha256": hash},
	}); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}
	if err := s.store.Create(ctx, doc); err != nil {
		if _, derr := s.blobs.Delete(ctx, doc.StorageKey); derr != nil {
			s.logger.Warn("Failed to remove orphaned blob", logging.F("key", doc.StorageKey), logging.Err(derr))
		}
		return nil, err
	}
	s.logger.Info("Document uploaded",
		logging.F("document_id", doc.ID.String()),
		logging.F("filename", filename),
		logging.F("size_bytes", doc.SizeBytes))

	if !req.Process {
		return doc, nil
	}
	return s.schedule(ctx, doc, jobs.PriorityHigh)
}

// schedule enqueues processing, or processes inline without a queue. If the
// enqueue fails the document is marked failed and the error returned.
func (s *Service) schedule(ctx context.Context, doc *Document, priority jobs.Priority) (*Document, error) {
	if s.queue == nil {
		return s.Process(ctx, doc.ID.String())
	}
	msg := &jobs.DocumentProcessMessage{
		DocumentID:   doc.ID.String(),
		ApplyMetrics: doc.ApplyMetrics,
		Priority:     priority,
		QueuedAt:     time.Now().UTC(),
		TraceContext: observability.InjectTraceContext(ctx),
	}
	if doc.CompanyID != nil {
		msg.CompanyID = doc.CompanyID.String()
	}
	if _, err := s.queue.Enqueue(ctx, msg); err != nil {
		if _, ferr := s.store.Finish(ctx, doc.ID, Outcome{
			Status:       StatusFailed,
			DocumentType: doc.DocumentType,
			Error:        "enqueue failed: " + err.Error(),
		}); ferr != nil {
			s.logger.Warn("Failed to mark unqueued document failed", logging.F("document_id", doc.ID.String()), logging.Err(ferr))
		}
		return nil, fmt.Errorf("failed to enqueue document processing: %w", err)
	}
	return doc, nil
}

// ==================== Processing ====================

// Process classifies a stored document, extracts its text and metrics and
// records the outcome. Metrics are written to the matrix when the document
// asked for it and is linked to a company.
func (s *Service) Process(ctx context.Context, id string) (doc *Document, err error) {
	uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.StartDocumentSpan(ctx, uid.String())
	defer span.End()
	helper := observability.NewSpanHelper(span)
	start := time.Now()

	doc, err = s.store.MarkProcessing(ctx, uid)
	if err != nil {
		helper.SetError(err, vcerrors.Code(err), false)
		return nil, err
	}
	logger := s.logger.With(logging.F("document_id", doc.ID.String()))

	data, err := s.readBlob(ctx, doc.StorageKey)
	if err != nil {
		return s.fail(ctx, doc, err, helper)
	}

	outcome := Outcome{Status: StatusCompleted}
	extracted := &ExtractedData{}
	if IsBinary(doc.Filename, doc.ContentType) {
		extracted.Classification = s.classifier.Classify(doc.Filename, "")
	} else {
		ex, err := s.extractor.Extract(doc.Filename, doc.ContentType, data)
		if err != nil {
			return s.fail(ctx, doc, fmt.Errorf("extracting text: %w", err), helper)
		}
		extracted.TextExtracted = true
		extracted.Encoding = ex.Encoding
		extracted.Metrics = ex.Metrics
		extracted.Rows = ex.Rows
		extracted.RowCount = ex.RowCount
		extracted.Truncated = ex.Truncated
		extracted.Classification = s.classifier.Classify(doc.Filename, ex.Text)
		outcome.Text = ex.Text
	}
	outcome.DocumentType = extracted.Classification.Type
	outcome.TextExtracted = extracted.TextExtracted
	outcome.Data = extracted

	if doc.ApplyMetrics && doc.CompanyID != nil && len(extracted.Metrics) > 0 {
		extracted.AppliedMetrics = s.applyMetrics(ctx, doc, extracted.Metrics, logger)
	}

	final, err := s.store.Finish(ctx, doc.ID, outcome)
	if err != nil {
		return s.fail(ctx, doc, fmt.Errorf("storing extraction: %w", err), helper)
	}
	s.metrics.RecordDocument(string(final.DocumentType), nil)
	helper.SetSuccess()
	s.publish(ctx, final, "")

	logger.Info("Document processed",
		logging.F("document_type", string(final.DocumentType)),
		logging.F("text_extracted", final.TextExtracted),
		logging.F("metrics_found", len(extracted.Metrics)),
		logging.F("metrics_applied", len(extracted.AppliedMetrics)),
		logging.F("duration_ms", time.Since(start).Milliseconds()))
	return final, nil
}

func (s *Service) readBlob(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := s.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, MaxUploadBytes+1))
}

func (s *Service) fail(ctx context.Context, doc *Document, cause error, helper *observability.SpanHelper) (*Document, error) {
	helper.SetError(cause, vcerrors.Code(cause), vcerrors.IsErrorRetryable(cause))
	s.metrics.RecordDocument(string(doc.DocumentType), cause)
	final, err := s.store.Finish(ctx, doc.ID, Outcome{
		Status:       StatusFailed,
		DocumentType: doc.DocumentType,
		Error:        cause.Error(),
	})
	if err != nil {
		s.logger.Warn("Failed to record document failure", logging.F("document_id", doc.ID.String()), logging.Err(err))
		return nil, cause
	}
	s.publish(ctx, final, cause.Error())
	return nil, cause
}

// applyMetrics writes metrics that map to a matrix column. Money values in
// a currency other than the company's are skipped. Failures are logged and
// the remaining metrics still applied.
func (s *Service) applyMetrics(ctx context.Context, doc *Document, metrics []Metric, logger logging.Logger) []string {
	if s.cells == nil {
		logger.Warn("Metric application requested but no matrix writer is configured")
		return nil
	}
	company, err := s.companies.Get(ctx, doc.CompanyID.String())
	if err != nil {
		logger.Warn("Skipping metric application", logging.Err(err))
		return nil
	}

	var applied []string
	for _, m := range metrics {
		if m.Column == "" {
			continue
		}
		if isCurrencyCode(m.Unit) && !strings.EqualFold(m.Unit, company.Currency) {
			logger.Debug("Skipping metric in foreign currency",
				logging.F("metric", m.Key), logging.F("unit", m.Unit), logging.F("currency", company.Currency))
			continue
		}
		_, err := s.cells.UpdateCell(ctx, matrix.CellUpdate{
			CompanyID: company.ID.String(),
			ColumnID:  m.Column,
			Value:     m.Value,
			Source:    Source(doc.ID.String()),
		})
		if err != nil {
			logger.Warn("Failed to apply document metric", logging.F("metric", m.Key), logging.Err(err))
			continue
		}
		applied = append(applied, m.Column)
	}
	return applied
}

func isCurrencyCode(unit string) bool {
	return len(unit) == 3 && strings.ToUpper(unit) == unit
}

func (s *Service) publish(ctx context.Context, doc *Document, errMsg string) {
	event := observability.DocumentProcessedEvent{
		BaseEvent:     observability.NewBaseEvent(ctx, "document.processed"),
		DocumentID:    doc.ID.String(),
		DocumentType:  string(doc.DocumentType),
		Status:        string(doc.Status),
		TextExtracted: doc.TextExtracted,
		Error:         errMsg,
	}
	if doc.CompanyID != nil {
		event.CompanyID = doc.CompanyID.String()
	}
	if doc.ExtractedData != nil {
		for _, m := range doc.ExtractedData.Metrics {
			event.MetricsFound = append(event.MetricsFound, m.Key)
		}
		event.MetricsApplied = len(doc.ExtractedData.AppliedMetrics)
	}
	observability.PublishBestEffort(ctx, s.publisher, s.logger, observability.ChannelDocumentProcessed, event)
}

// Reprocess resets a document to pending and schedules it again at low
// priority. A document being processed yields ErrInvalidState.
func (s *Service) Reprocess(ctx context.Context, id string) (*Document, error) {
	uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	doc, err := s.store.Requeue(ctx, uid)
	if err != nil {
		return nil, err
	}
	s.logger.Info("Document reprocessing requested", logging.F("document_id", doc.ID.String()))
	return s.schedule(ctx, doc, jobs.PriorityLow)
}

// Handle implements jobs.MessageHandler for document_process messages.
func (s *Service) Handle(ctx context.Context, msg jobs.Message) error {
	m, ok := msg.(*jobs.DocumentProcessMessage)
	if !ok {
		return jobs.NewPermanentError("unexpected_message", fmt.Sprintf("document processor cannot handle %s", msg.GetMessageType()), nil)
	}
	_, err := s.Process(ctx, m.DocumentID)
	return err
}

// ==================== Queries ====================

// Get returns a document by id, including its extracted text.
func (s *Service) Get(ctx context.Context, id string) (*Document, error) {
	uid, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	return s.store.Get(ctx, uid)
}

// List returns documents newest first.
func (s *Service) List(ctx context.Context, f DocumentFilter) ([]Document, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	return s.store.List(ctx, f)
}

// Download is either a presigned URL or an open stream the caller closes.
type Download struct {
	Document *Document
	URL      string
	Body     io.ReadCloser
}

// Download returns a presigned URL when the blob driver supports one and
// streams the bytes otherwise.
func (s *Service) Download(ctx context.Context, id string, expiry time.Duration) (*Download, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	url, err := s.blobs.PresignURL(ctx, doc.StorageKey, expiry)
	if err == nil {
		return &Download{Document: doc, URL: url}, nil
	}
	if !vcerrors.IsUnavailable(err) {
		return nil, err
	}
	_, rc, err := s.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return nil, err
	}
	return &Download{Document: doc, Body: rc}, nil
}

// ==================== Helpers ====================

// Filename limits applied by SafeFilename.
const (
	maxFilenameLen = 200
	maxExtLen      = 16
)

// SafeFilename reduces a client filename to its base name with unsafe
// characters replaced.
func SafeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		default:
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if len(out) > maxFilenameLen {
		ext := filepath.Ext(out)
		if len(ext) > maxExtLen {
			ext = ""
		}
		out = out[:maxFilenameLen-len(ext)] + ext
	}
	// ".meta" is reserved for blob sidecars.
	if strings.HasSuffix(out, ".meta") {
		out += "_"
	}
	return out
}

// DetectContentType prefers the client's type, then the extension, then
// sniffing.
func DetectContentType(filename, declared string, data []byte) string {
	ct := mediaType(declared)
	if ct != "" && ct != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); byExt != "" {
		return byExt
	}
	return http.DetectContentType(data)
}
