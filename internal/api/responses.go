package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/pipeline"
	"github.com/snarg/transcript-engine/internal/retry"
)

// ErrorCode is a machine-readable error class returned alongside the
// human-readable message.
type ErrorCode string

const (
	ErrBadRequest   ErrorCode = "bad_request"
	ErrInvalidBody  ErrorCode = "invalid_body"
	ErrValidation   ErrorCode = "validation_failed"
	ErrTooLarge     ErrorCode = "payload_too_large"
	ErrUnauthorized ErrorCode = "unauthorized"
	ErrForbidden    ErrorCode = "forbidden"
	ErrNotFound     ErrorCode = "not_found"
	ErrConflict     ErrorCode = "state_conflict"
	ErrNotReady     ErrorCode = "not_ready"
	ErrQueueFull    ErrorCode = "queue_full"
	ErrUnavailable  ErrorCode = "unavailable"
	ErrUpstream     ErrorCode = "upstream_error"
	ErrInternal     ErrorCode = "internal_error"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string    `json:"error"`
	Code   ErrorCode `json:"code,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteErrorWithCode writes a JSON error response carrying an error code.
func WriteErrorWithCode(w http.ResponseWriter, status int, code ErrorCode, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// WriteErrorDetail writes a JSON error response with detail.
func WriteErrorDetail(w http.ResponseWriter, status int, code ErrorCode, msg, detail string) {
	WriteJSON(w, status, ErrorResponse{Error: msg, Code: code, Detail: detail})
}

// writeJobError maps domain errors to HTTP statuses. Anything unrecognised
// is logged by the caller and reported as a 500.
func writeJobError(w http.ResponseWriter, err error) {
	var se *retry.StatusError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		WriteErrorWithCode(w, http.StatusNotFound, ErrNotFound, "job not found")
	case errors.Is(err, jobs.ErrNotCompleted), errors.Is(err, pipeline.ErrStageNotReady):
		WriteErrorDetail(w, http.StatusConflict, ErrNotReady, "job is not ready for this operation", err.Error())
	case errors.Is(err, jobs.ErrStateConflict), errors.Is(err, jobs.ErrInvalidTransition):
		WriteErrorDetail(w, http.StatusConflict, ErrConflict, "job state changed", err.Error())
	case errors.Is(err, jobs.ErrInvalidEdit):
		WriteErrorDetail(w, http.StatusUnprocessableEntity, ErrValidation, "invalid edit", err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		w.Header().Set("Retry-After", "5")
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrQueueFull, "stage queue is full, retry later")
	case errors.Is(err, pipeline.ErrStopped):
		WriteErrorWithCode(w, http.StatusServiceUnavailable, ErrUnavailable, "server is shutting down")
	case errors.As(err, &se):
		WriteErrorDetail(w, http.StatusBadGateway, ErrUpstream, se.Service+" request failed", err.Error())
	default:
		WriteErrorWithCode(w, http.StatusInternalServerError, ErrInternal, "internal error")
	}
}

// Pagination holds parsed pagination parameters.
type Pagination struct {
	Limit  int
	Offset int
}

const maxPageLimit = 500

// ParsePagination extracts limit and offset from query params with defaults.
// Returns an error if values are present but invalid.
func ParsePagination(r *http.Request) (Pagination, error) {
	p := Pagination{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid limit %q: must be an integer", v)
		}
		if n < 1 || n > maxPageLimit {
			return p, fmt.Errorf("invalid limit %d: must be between 1 and %d", n, maxPageLimit)
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return p, fmt.Errorf("invalid offset %q: must be an integer", v)
		}
		if n < 0 {
			return p, fmt.Errorf("invalid offset %d: must be >= 0", n)
		}
		p.Offset = n
	}
	return p, nil
}

// QueryBool extracts a boolean query parameter.
func QueryBool(r *http.Request, name string) (bool, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// QueryString extracts a non-empty string query parameter.
func QueryString(r *http.Request, name string) (string, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", false
	}
	return v, true
}

// QueryStringList extracts a comma-separated list of strings from a query param.
func QueryStringList(r *http.Request, name string) []string {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil
	}
	var result []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// PathInt extracts an integer from a chi URL parameter.
func PathInt(r *http.Request, name string) (int, error) {
	v := chi.URLParam(r, name)
	if v == "" {
		return 0, fmt.Errorf("missing path parameter: %s", name)
	}
	return strconv.Atoi(v)
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeJSON reads a JSON request body into v and validates its struct
// tags. An empty body is accepted when allowEmpty is set, leaving v zeroed.
func DecodeJSON(r *http.Request, v any, allowEmpty bool) error {
	if r.Body == nil {
		if allowEmpty {
			return validationMessage(validate.Struct(v))
		}
		return errors.New("missing request body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid JSON body: %w", err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return validationMessage(err)
	}
	return nil
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), rule))
	}
	return &requestError{msg: strings.Join(parts, "; ")}
}

// requestError marks a body that parsed but failed validation.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

// writeDecodeError answers a DecodeJSON failure with 400 or 422.
func writeDecodeError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) {
		WriteErrorDetail(w, http.StatusUnprocessableEntity, ErrValidation, "request validation failed", re.msg)
		return
	}
	WriteErrorDetail(w, http.StatusBadRequest, ErrInvalidBody, "invalid request body", err.Error())
}
