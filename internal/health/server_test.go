package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticProbe struct {
	name string
	err  error
}

func (p *staticProbe) Name() string                { return p.name }
func (p *staticProbe) Check(context.Context) error { return p.err }

type hangingProbe struct{}

func (p *hangingProbe) Name() string { return "hanging" }
func (p *hangingProbe) Check(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func doHealth(t *testing.T, s *Server) (int, healthResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return rec.Code, resp
}

func TestHandleHealth(t *testing.T) {
	t.Run("all probes healthy", func(t *testing.T) {
		s := &Server{Probes: []Probe{
			&staticProbe{name: "database"},
			&staticProbe{name: "broker"},
		}}

		code, resp := doHealth(t, s)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "healthy", resp.Components["database"].Status)
		assert.Equal(t, "healthy", resp.Components["broker"].Status)
	})

	t.Run("one unhealthy probe degrades the aggregate", func(t *testing.T) {
		s := &Server{Probes: []Probe{
			&staticProbe{name: "database"},
			&staticProbe{name: "broker", err: errors.New("connection refused")},
		}}

		code, resp := doHealth(t, s)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, "healthy", resp.Components["database"].Status)
		assert.Equal(t, "unhealthy", resp.Components["broker"].Status)
		assert.Equal(t, "connection refused", resp.Components["broker"].Message)
	})

	t.Run("no probes reports healthy", func(t *testing.T) {
		code, resp := doHealth(t, &Server{})
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "healthy", resp.Status)
	})

	t.Run("probe exceeding the deadline is unhealthy", func(t *testing.T) {
		s := &Server{Probes: []Probe{
			&staticProbe{name: "database"},
			&hangingProbe{},
		}}

		code, resp := doHealth(t, s)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Components["hanging"].Status)
		assert.Equal(t, "healthy", resp.Components["database"].Status,
			"a slow probe must not hide the others")
	})
}

func TestHandleCounters(t *testing.T) {
	t.Run("renders the snapshot", func(t *testing.T) {
		s := &Server{
			Counters: func() any {
				return map[string]int{"messages_processed": 12}
			},
		}

		req := httptest.NewRequest(http.MethodGet, "/health/counters", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)

		var body map[string]int
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 12, body["messages_processed"])
	})

	t.Run("absent without a counters source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health/counters", nil)
		rec := httptest.NewRecorder()
		(&Server{}).Router().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
