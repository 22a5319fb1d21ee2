package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/otherjamesbrown/vcmatrix/pkg/documents"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// handleUploadDocument accepts multipart/form-data with a "file" part and
// optional company_id, process (default true) and apply_metrics fields.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorBody(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("document exceeds %d MiB", MaxUploadBytes>>20))
			return
		}
		s.writeError(w, r, badRequest("invalid_multipart", "expected multipart/form-data: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, badRequest("invalid_multipart", "a file part named \"file\" is required"))
		return
	}
	defer file.Close()

	process, err := formBool(r, "process", true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	apply, err := formBool(r, "apply_metrics", false)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc, err := s.deps.Documents.Upload(r.Context(), documents.UploadRequest{
		CompanyID:    r.FormValue("company_id"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Body:         file,
		Process:      process,
		ApplyMetrics: apply,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if doc.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, doc)
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	return parseBool(key, r.FormValue(key), def)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	docs, err := s.deps.Documents.List(r.Context(), documents.DocumentFilter{
		CompanyID: q.Get("company_id"),
		Status:    documents.Status(q.Get("status")),
		Limit:     limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []documents.Document{}
	}
	writeJSONWithMeta(w, http.StatusOK, docs, &Meta{TotalCount: len(docs), Limit: limit})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleDownloadDocument redirects to a presigned URL when the blob driver
// issues one and streams the file otherwise.
func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	dl, err := s.deps.Documents.Download(r.Context(), r.PathValue("id"), s.cfg.DownloadExpiry)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if dl.URL != "" {
		w.Header().Del("Content-Type")
		http.Redirect(w, r, dl.URL, http.StatusFound)
		return
	}
	defer dl.Body.Close()

	contentType := dl.Document.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": dl.Document.Filename}))
	if dl.Document.SizeBytes > 0 {
		w.Header().Set("Content-Length", fmt.Sprint(dl.Document.SizeBytes))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, dl.Body); err != nil {
		s.logger.WithContext(r.Context()).Warn("Document download interrupted", logging.Err(err))
	}
}

func (s *Server) handleProcessDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.deps.Documents.Reprocess(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}
