package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
	"github.com/otherjamesbrown/vcmatrix/pkg/logging"
)

// Body limits.
const (
	MaxJSONBytes   = 1 << 20
	MaxUploadBytes = 25 << 20
	// multipartOverhead covers boundaries and form fields around the file.
	multipartOverhead = 1 << 20
)

// Response wraps all API responses.
type Response struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
	Meta  *Meta     `json:"meta,omitempty"`
}

// APIError is the error member of the envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Meta carries pagination for list responses.
type Meta struct {
	TotalCount int `json:"total_count"`
	Limit      int `json:"limit,omitempty"`
	Offset     int `json:"offset,omitempty"`
}

// requestError is a failure detected while reading the request itself.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(code, format string, args ...any) error {
	return &requestError{status: http.StatusBadRequest, code: code, message: fmt.Sprintf(format, args...)}
}

// writeResponse encodes resp before the status is sent, so an unencodable
// payload becomes a 500 envelope instead of a truncated body.
func writeResponse(w http.ResponseWriter, status int, resp Response) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(resp); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(Response{Error: &APIError{
			Code:    "internal_error",
			Message: "failed to encode response",
		}})
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	writeResponse(w, status, Response{Data: data})
}

func writeJSONWithMeta(w http.ResponseWriter, status int, data any, meta *Meta) {
	writeResponse(w, status, Response{Data: data, Meta: meta})
}

func writeErrorBody(w http.ResponseWriter, status int, code, message string) {
	writeResponse(w, status, Response{Error: &APIError{Code: code, Message: message}})
}

// writeError maps err onto the envelope. Internal errors are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var re *requestError
	if errors.As(err, &re) {
		writeErrorBody(w, re.status, re.code, re.message)
		return
	}
	status := vcerrors.HTTPStatus(err)
	code := vcerrors.Code(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.WithContext(r.Context()).Error("Request failed",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.Err(err))
		if status == http.StatusInternalServerError {
			code, message = "internal_error", "internal server error"
		}
	}
	writeErrorBody(w, status, code, message)
}

// decodeJSON reads a JSON body into dst. Bodies above MaxJSONBytes are
// rejected by the limit middleware before they reach here.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &requestError{
				status:  http.StatusRequestEntityTooLarge,
				code:    "payload_too_large",
				message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		case errors.Is(err, io.EOF):
			return badRequest("invalid_json", "request body is required")
		}
		return badRequest("invalid_json", "invalid JSON body: %v", err)
	}
	if dec.More() {
		return badRequest("invalid_json", "request body must contain a single JSON value")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(r, dst)
	var re *requestError
	if errors.As(err, &re) && re.message == "request body is required" {
		return nil
	}
	return err
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer: %w", key, vcerrors.ErrValidation)
	}
	return n, nil
}

func queryFloat(r *http.Request, key string, def float64) (float64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%s must be a finite number: %w", key, vcerrors.ErrValidation)
	}
	return f, nil
}

func queryBool(r *http.Request, key string, def bool) (bool, error) {
	return parseBool(key, r.URL.Query().Get(key), def)
}

func parseBool(key, v string, def bool) (bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false: %w", key, vcerrors.ErrValidation)
	}
	return b, nil
}
