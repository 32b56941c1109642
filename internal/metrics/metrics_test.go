package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                           "/",
		"/":                          "/",
		"/api/health":                "/api/health",
		"/api/tickets":               "/api/tickets",
		"/api/tickets/17":            "/api/tickets/:id",
		"/api/tickets/17/complete":   "/api/tickets/:id/complete",
		"/api/tickets/17/orders/abc": "/api/tickets/:id/orders/:order",
		"/api/archives/2026-03-14":   "/api/archives/:date",
		"/api/state/open":            "/api/state/open",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordStateChange(true, "schedule")
	RecordTicketAction("complete")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"tabhouse_venue_open 1", "tabhouse_tickets_transitions_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}
