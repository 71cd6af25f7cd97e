package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterAppearsInExposition(t *testing.T) {
	s := NewSink("mcpd")
	s.IncCounter("sessions_created", map[string]string{"backend": "memory"})
	s.IncCounter("sessions_created", map[string]string{"backend": "memory"})

	body := scrape(t, s)
	require.Contains(t, body, `mcpd_sessions_created{backend="memory"} 2`)
}

func TestHistogramAppearsInExposition(t *testing.T) {
	s := NewSink("mcpd")
	s.ObserveHistogram("session_sweep_seconds", 0.25, nil)

	body := scrape(t, s)
	require.Contains(t, body, "mcpd_session_sweep_seconds_count 1")
}

func TestUnknownTagsAreDropped(t *testing.T) {
	s := NewSink("")
	s.IncCounter("requests", map[string]string{"method": "ping"})
	// The schema is fixed at first use; a novel tag cannot widen it.
	s.IncCounter("requests", map[string]string{"method": "ping", "extra": "x"})

	body := scrape(t, s)
	require.Contains(t, body, `requests{method="ping"} 2`)
}

func scrape(t *testing.T, s *Sink) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return string(b)
}
