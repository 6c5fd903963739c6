package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusHandler(code int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func TestRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	RequestID(statusHandler(http.StatusOK)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 16)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upload-42")
	RequestID(statusHandler(http.StatusOK)).ServeHTTP(rec, req)
	assert.Equal(t, "upload-42", rec.Header().Get("X-Request-ID"))
}

func TestLogger_LevelByStatus(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		level string
	}{
		{"success_is_info", http.StatusAccepted, "info"},
		{"client_error_is_info", http.StatusConflict, "info"},
		{"server_error_is_warn", http.StatusServiceUnavailable, "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := Logger(zerolog.New(&buf))(statusHandler(tt.code))
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/jobs/j1/stages/align", nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, float64(tt.code), entry["status"])
			assert.Equal(t, "/api/v1/jobs/j1/stages/align", entry["path"])
			assert.NotEmpty(t, entry["request_id"])
		})
	}
}

func TestLogger_RequestIDPerRequest(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(zerolog.New(&buf))(statusHandler(http.StatusOK))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	ids := make([]any, 2)
	for i, line := range lines {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(line, &entry))
		ids[i] = entry["request_id"]
	}
	assert.NotEqual(t, ids[0], ids[1])
}

func TestCORSWithOrigins(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantCode    int
		wantAllow   string
		wantVary    string
		wantForward bool
	}{
		{"any_origin_when_unconfigured", nil, http.MethodGet, "https://a.example", http.StatusOK, "*", "", true},
		{"listed_origin_echoed", []string{"https://a.example"}, http.MethodGet, "https://a.example", http.StatusOK, "https://a.example", "Origin", true},
		{"unlisted_origin_served_without_headers", []string{"https://a.example"}, http.MethodGet, "https://b.example", http.StatusOK, "", "", true},
		{"listed_preflight_no_content", []string{"https://a.example"}, http.MethodOptions, "https://a.example", http.StatusNoContent, "https://a.example", "Origin", false},
		{"unlisted_preflight_forbidden", []string{"https://a.example"}, http.MethodOptions, "https://b.example", http.StatusForbidden, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forwarded := false
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				forwarded = true
				w.WriteHeader(http.StatusOK)
			})
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, "/api/v1/jobs", nil)
			req.Header.Set("Origin", tt.origin)
			CORSWithOrigins(tt.origins)(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantAllow, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantVary, rec.Header().Get("Vary"))
			assert.Equal(t, tt.wantForward, forwarded)
			if tt.wantAllow != "" {
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "Last-Event-ID")
				assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{"disabled", "", "", "", http.StatusOK},
		{"header", "s3cret", "Bearer s3cret", "", http.StatusOK},
		{"query_for_event_source", "s3cret", "", "s3cret", http.StatusOK},
		{"wrong_header", "s3cret", "Bearer nope", "", http.StatusUnauthorized},
		{"basic_scheme", "s3cret", "Basic czNjcmV0", "", http.StatusUnauthorized},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/events"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			BearerAuth(tt.token)(statusHandler(http.StatusOK)).ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				var body ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, ErrUnauthorized, body.Code)
			}
		})
	}
}

func TestRecoverer(t *testing.T) {
	t.Run("panic_becomes_internal_error_envelope", func(t *testing.T) {
		var buf bytes.Buffer
		panicker := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("aligner exploded")
		})
		h := Logger(zerolog.New(&buf))(Recoverer(panicker))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, ErrInternal, body.Code)
		assert.Equal(t, "internal server error", body.Error)
		assert.Contains(t, buf.String(), "aligner exploded")
	})

	t.Run("abort_handler_repanics", func(t *testing.T) {
		aborter := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic(http.ErrAbortHandler)
		})
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			Recoverer(aborter).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})

	t.Run("passes_through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		Recoverer(statusHandler(http.StatusNoContent)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}
