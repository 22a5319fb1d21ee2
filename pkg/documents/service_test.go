package documents_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/vcmatrix/pkg/blob"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies"
	"github.com/otherjamesbrown/vcmatrix/pkg/companies/companiestest"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	"github.com/otherjamesbrown/vcmatrix/pkg/documents/documentstest"
	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/jobs"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix"
	"github.com/otherjamesbrown/vcmatrix/pkg/matrix/matrixtest"
	"github.com/otherjamesbrown/vcmatrix/pkg/observability"
)

const update = `Acme Q3 investor update
ARR: $1.2M, growth of 120% YoY.
Monthly burn: $85k. Cash in bank: $2.4M.
Headcount: 42
Gross margin 78%
`

type fixture struct {
	svc       *documents.Service
	store     *documentstest.Store
	blobs     blob.Store
	companies *companiestest.Store
	matrix    *matrix.Service
	publisher *observability.MemoryPublisher
	acme      *companies.Company
}

func newFixture(t *testing.T, queue jobs.Queue, blobs blob.Store) *fixture {
	t.Helper()
	acme := &companies.Company{Name: "Acme", CurrentARR: companiestest.Ptr(1_000_000.0)}
	cs := companiestest.New(acme)
	ms := matrix.NewService(matrixtest.New(cs), cs, nil)
	if blobs == nil {
		blobs = blob.NewMemory()
	}
	store := documentstest.New()
	pub := observability.NewMemoryPublisher()
	return &fixture{
		svc: documents.NewService(store, blobs, cs, documents.Config{
			Queue:     queue,
			Cells:     ms,
			Publisher: pub,
		}),
		store:     store,
		blobs:     blobs,
		companies: cs,
		matrix:    ms,
		publisher: pub,
		acme:      acme,
	}
}

func (f *fixture) upload(t *testing.T, req documents.UploadRequest) *documents.Document {
	t.Helper()
	doc, err := f.svc.Upload(context.Background(), req)
	require.NoError(t, err)
	return doc
}

func TestUpload_ProcessesInlineAndAppliesMetrics(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	doc := f.upload(t, documents.UploadRequest{
		CompanyID:    f.acme.ID.String(),
		Filename:     "Q3 investor update.txt",
		ContentType:  "text/plain",
		Body:         strings.NewReader(update),
		Process:      true,
		ApplyMetrics: true,
	})
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.Equal(t, documents.TypeInvestorUpdate, doc.DocumentType)
	assert.True(t, doc.TextExtracted)
	assert.Equal(t, "documents/"+doc.ID.String()+"/Q3_investor_update.txt", doc.StorageKey)
	assert.Equal(t, int64(len(update)), doc.SizeBytes)
	assert.Len(t, doc.SHA256, 64)
	require.NotNil(t, doc.ExtractedData)
	assert.Equal(t, []string{"arr", "growth", "burn", "cash", "headcount", "gross_margin"}, doc.ExtractedData.AppliedMetrics)

	company, err := f.companies.Get(ctx, f.acme.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 1_200_000, *company.CurrentARR, 0.01)
	assert.InDelta(t, 85_000, *company.BurnRateMonthly, 0.01)
	assert.InDelta(t, 2_400_000, *company.CashInBank, 0.01)
	require.NotNil(t, company.Headcount)
	assert.Equal(t, 42, *company.Headcount)

	edits, err := f.matrix.ListEdits(ctx, matrix.EditFilter{CompanyID: f.acme.ID.String()})
	require.NoError(t, err)
	require.Len(t, edits, 6)
	for _, e := range edits {
		assert.Equal(t, "document:"+doc.ID.String(), e.Source)
	}

	events := f.publisher.Events(observability.ChannelDocumentProcessed)
	require.Len(t, events, 1)
	var ev observability.DocumentProcessedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, doc.ID.String(), ev.DocumentID)
	assert.Equal(t, "completed", ev.Status)
	assert.Equal(t, 6, ev.MetricsApplied)
	assert.Contains(t, ev.MetricsFound, "arr")

	_, rc, err := f.blobs.Get(ctx, doc.StorageKey)
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, update, string(body))
}

func TestUpload_WithoutApplyLeavesMatrixAlone(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := f.upload(t, documents.UploadRequest{
		CompanyID: f.acme.ID.String(),
		Filename:  "update.txt",
		Body:      strings.NewReader(update),
		Process:   true,
	})
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.Empty(t, doc.ExtractedData.AppliedMetrics)

	company, err := f.companies.Get(context.Background(), f.acme.ID.String())
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000, *company.CurrentARR, 0.01)
}

func TestUpload_ForeignCurrencyNotApplied(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := f.upload(t, documents.UploadRequest{
		CompanyID:    f.acme.ID.String(),
		Filename:     "bank.txt",
		Body:         strings.NewReader("Cash: €500k"),
		Process:      true,
		ApplyMetrics: true,
	})
	m, ok := doc.ExtractedData.Metric("cash")
	require.True(t, ok)
	assert.Equal(t, "EUR", m.Unit)
	assert.Empty(t, doc.ExtractedData.AppliedMetrics)
}

func TestUpload_Duplicate(t *testing.T) {
	f := newFixture(t, nil, nil)
	req := func(companyID string) documents.UploadRequest {
		return documents.UploadRequest{CompanyID: companyID, Filename: "deck.txt", Body: strings.NewReader("same bytes")}
	}

	first := f.upload(t, req(f.acme.ID.String()))
	assert.False(t, first.Duplicate)
	assert.Equal(t, documents.StatusPending, first.Status)

	again := f.upload(t, req(f.acme.ID.String()))
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.ID, again.ID)

	unlinked := f.upload(t, req(""))
	assert.False(t, unlinked.Duplicate)
	assert.NotEqual(t, first.ID, unlinked.ID)
}

func TestUpload_Rejections(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, documents.UploadRequest{Filename: "empty.txt", Body: strings.NewReader("")})
	assert.True(t, vcerrors.IsValidation(err))

	big := bytes.NewReader(make([]byte, documents.MaxUploadBytes+1))
	_, err = f.svc.Upload(ctx, documents.UploadRequest{Filename: "big.bin", Body: big})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = f.svc.Upload(ctx, documents.UploadRequest{Filename: "", Body: strings.NewReader("x")})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = f.svc.Upload(ctx, documents.UploadRequest{CompanyID: "acme", Filename: "a.txt", Body: strings.NewReader("x")})
	assert.True(t, vcerrors.IsValidation(err))

	_, err = f.svc.Upload(ctx, documents.UploadRequest{CompanyID: uuid.NewString(), Filename: "a.txt", Body: strings.NewReader("x")})
	assert.True(t, vcerrors.IsNotFound(err))
}

func TestUpload_EnqueuesAndWorkerProcesses(t *testing.T) {
	queue := jobs.NewMemoryQueue(jobs.DefaultQueueConfig(jobs.QueueDocuments, time.Minute))
	f := newFixture(t, queue, nil)
	ctx := context.Background()

	doc := f.upload(t, documents.UploadRequest{
		CompanyID: f.acme.ID.String(),
		Filename:  "update.txt",
		Body:      strings.NewReader(update),
		Process:   true,
	})
	assert.Equal(t, documents.StatusPending, doc.Status)

	msgs, err := queue.Dequeue(ctx, 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	msg, err := msgs[0].ParseMessage()
	require.NoError(t, err)
	dm, ok := msg.(*jobs.DocumentProcessMessage)
	require.True(t, ok)
	assert.Equal(t, doc.ID.String(), dm.DocumentID)
	assert.Equal(t, f.acme.ID.String(), dm.CompanyID)
	assert.Equal(t, jobs.PriorityHigh, dm.Priority)

	require.NoError(t, f.svc.Handle(ctx, msg))
	got, err := f.svc.Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, got.Status)
	assert.Contains(t, got.ExtractedText, "Monthly burn")
}

type brokenQueue struct{ jobs.Queue }

func (brokenQueue) Enqueue(context.Context, jobs.Message) (string, error) {
	return "", errors.New("redis down")
}

func TestUpload_EnqueueFailureMarksFailed(t *testing.T) {
	f := newFixture(t, brokenQueue{}, nil)
	ctx := context.Background()

	_, err := f.svc.Upload(ctx, documents.UploadRequest{Filename: "a.txt", Body: strings.NewReader("x"), Process: true})
	require.Error(t, err)

	docs, err := f.svc.List(ctx, documents.DocumentFilter{Status: documents.StatusFailed})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Contains(t, docs[0].Error, "enqueue failed")
}

func TestProcess_BinaryDocumentClassifiedByName(t *testing.T) {
	f := newFixture(t, nil, nil)
	doc := f.upload(t, documents.UploadRequest{
		Filename:    "Acme Term Sheet.pdf",
		ContentType: "application/pdf",
		Body:        strings.NewReader("%PDF-1.4 binary"),
		Process:     true,
	})
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.Equal(t, documents.TypeTermSheet, doc.DocumentType)
	assert.False(t, doc.TextExtracted)
	assert.Empty(t, doc.ExtractedText)
}

func TestProcess_MissingBlobFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	doc := &documents.Document{Filename: "gone.txt", StorageKey: "documents/x/gone.txt", SHA256: "abc"}
	require.NoError(t, f.store.Create(ctx, doc))

	_, err := f.svc.Process(ctx, doc.ID.String())
	assert.True(t, vcerrors.IsNotFound(err))

	got, err := f.svc.Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)

	events := f.publisher.Events(observability.ChannelDocumentProcessed)
	require.Len(t, events, 1)
	var ev observability.DocumentProcessedEvent
	require.NoError(t, json.Unmarshal(events[0].Payload, &ev))
	assert.Equal(t, "failed", ev.Status)
	assert.NotEmpty(t, ev.Error)

	_, err = f.svc.Process(ctx, uuid.NewString())
	assert.True(t, vcerrors.IsNotFound(err))
	_, err = f.svc.Process(ctx, "nope")
	assert.True(t, vcerrors.IsValidation(err))
}

func TestProcess_StripsNULBytes(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := "Investor update\x00\nARR: $2.4M\x00\x00\n"
	doc := f.upload(t, documents.UploadRequest{
		Filename:    "update.txt",
		ContentType: "application/octet-stream",
		Body:        strings.NewReader(body),
		Process:     true,
	})
	assert.Equal(t, documents.StatusCompleted, doc.Status)
	assert.True(t, doc.TextExtracted)
	assert.NotContains(t, doc.ExtractedText, "\x00")
	assert.Contains(t, doc.ExtractedText, "ARR: $2.4M")
}

func TestProcess_StoreFailureMarksDocumentFailed(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	doc := f.upload(t, documents.UploadRequest{Filename: "update.txt", Body: strings.NewReader(update)})

	f.store.FinishErr = func(o documents.Outcome) error {
		if o.Status == documents.StatusCompleted {
			return errors.New("connection reset")
		}
		return nil
	}
	_, err := f.svc.Process(ctx, doc.ID.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	got, err := f.svc.Get(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "connection reset")

	f.store.FinishErr = nil
	again, err := f.svc.Reprocess(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, again.Status)
}

func TestReprocess(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	doc := f.upload(t, documents.UploadRequest{Filename: "update.txt", Body: strings.NewReader(update)})
	assert.Equal(t, documents.StatusPending, doc.Status)

	again, err := f.svc.Reprocess(ctx, doc.ID.String())
	require.NoError(t, err)
	assert.Equal(t, documents.StatusCompleted, again.Status)

	f.store.SetStatus(doc.ID, documents.StatusProcessing)
	_, err = f.svc.Reprocess(ctx, doc.ID.String())
	assert.True(t, vcerrors.IsInvalidState(err))
}

type presigningStore struct{ blob.Store }

func (presigningStore) PresignURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example.com/" + key + "?sig=1", nil
}

func TestDownload(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, nil, nil)
	doc := f.upload(t, documents.UploadRequest{Filename: "notes.txt", Body: strings.NewReader("hello")})
	dl, err := f.svc.Download(ctx, doc.ID.String(), time.Minute)
	require.NoError(t, err)
	assert.Empty(t, dl.URL)
	require.NotNil(t, dl.Body)
	body, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	require.NoError(t, dl.Body.Close())
	assert.Equal(t, "hello", string(body))

	f = newFixture(t, nil, presigningStore{blob.NewMemory()})
	doc = f.upload(t, documents.UploadRequest{Filename: "notes.txt", Body: strings.NewReader("hello")})
	dl, err = f.svc.Download(ctx, doc.ID.String(), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, dl.Body)
	assert.Equal(t, "https://blobs.example.com/"+doc.StorageKey+"?sig=1", dl.URL)

	_, err = f.svc.Download(ctx, uuid.NewString(), time.Minute)
	assert.True(t, vcerrors.IsNotFound(err))
}

func TestList(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	f.upload(t, documents.UploadRequest{CompanyID: f.acme.ID.String(), Filename: "a.txt", Body: strings.NewReader("a"), Process: true})
	f.upload(t, documents.UploadRequest{Filename: "b.txt", Body: strings.NewReader("b")})

	all, err := f.svc.List(ctx, documents.DocumentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := f.svc.List(ctx, documents.DocumentFilter{CompanyID: f.acme.ID.String()})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "a.txt", mine[0].Filename)

	pending, err := f.svc.List(ctx, documents.DocumentFilter{Status: documents.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b.txt", pending[0].Filename)

	_, err = f.svc.List(ctx, documents.DocumentFilter{Status: "archived"})
	assert.True(t, vcerrors.IsValidation(err))
	_, err = f.svc.List(ctx, documents.DocumentFilter{CompanyID: "acme"})
	assert.True(t, vcerrors.IsValidation(err))
}

func TestSafeFilename(t *testing.T) {
	tests := map[string]string{
		"../../etc/passwd":      "passwd",
		`C:\docs\Q3 Deck.pdf`:   "Q3_Deck.pdf",
		"":                      "",
		"x.meta":                "x.meta_",
		"résumé.txt":            "r-sum-.txt",
		".hidden":               "hidden",
		"Board (final) v2.pptx": "Board_-final-_v2.pptx",
	}
	for in, want := range tests {
		assert.Equal(t, want, documents.SafeFilename(in), in)
	}
}

func TestSafeFilename_Boundaries(t *testing.T) {
	long := strings.Repeat("a", 300)
	tests := []struct {
		name   string
		in     string
		want   string
		prefix string
		suffix string
		length int
	}{
		{name: "extension only", in: ".pdf", want: "pdf"},
		{name: "dots only", in: "...", want: ""},
		{name: "dot prefixed", in: "...env.txt", want: "env.txt"},
		{name: "exactly at cap", in: strings.Repeat("b", 196) + ".pdf", length: 200, suffix: ".pdf"},
		{name: "long base keeps extension", in: long + ".pdf", length: 200, suffix: ".pdf"},
		{name: "long extension is cut", in: "deck." + strings.Repeat("a", 250), length: 200, prefix: "deck.aaa"},
		{name: "long extension only", in: "." + long, length: 200, prefix: "aaa"},
		{name: "cut lands on sidecar suffix", in: strings.Repeat("c", 195) + ".meta" + strings.Repeat("x", 20), length: 201, suffix: ".meta_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			require.NotPanics(t, func() { got = documents.SafeFilename(tt.in) })
			if tt.length == 0 {
				assert.Equal(t, tt.want, got)
				return
			}
			assert.Len(t, got, tt.length)
			assert.True(t, strings.HasPrefix(got, tt.prefix), got)
			assert.True(t, strings.HasSuffix(got, tt.suffix), got)
		})
	}
}

func TestDetectContentType(t *testing.T) {
	assert.Equal(t, "application/pdf", documents.DetectContentType("deck.pdf", "application/pdf", nil))
	assert.Contains(t, documents.DetectContentType("notes.txt", "", []byte("hello")), "text/plain")
	assert.Contains(t, documents.DetectContentType("blob", "application/octet-stream", []byte("hello")), "text/plain")
}
