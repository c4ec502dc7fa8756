package common

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecoveredTurnsPanicInto500(t *testing.T) {
	h := Recovered(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after a handler panic, got %d", rec.Code)
	}
}

func TestTimeoutHandlerDeadlinesRequestContext(t *testing.T) {
	h := TimeoutHandler(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 once the per-route deadline passes, got %d", rec.Code)
	}
}
