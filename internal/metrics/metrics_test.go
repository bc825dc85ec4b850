package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSnapMirrorsCounters(t *testing.T) {
	before := Snap()
	IncFrameTx()
	IncSessionFailure(ReasonTimeout)
	IncSessionFailure(ReasonSequence)
	AddTCPTx(3)
	SetHubClients(2)
	after := Snap()
	if after.FramesTx != before.FramesTx+1 {
		t.Fatalf("frames tx %d -> %d", before.FramesTx, after.FramesTx)
	}
	if after.SessionFailures != before.SessionFailures+2 {
		t.Fatalf("failures %d -> %d", before.SessionFailures, after.SessionFailures)
	}
	if after.TCPTx != before.TCPTx+3 || after.HubClients != 2 {
		t.Fatalf("unexpected snapshot %+v", after)
	}
}

func TestReadyEndpoint(t *testing.T) {
	defer SetReadinessFunc(nil)
	ready := false
	SetReadinessFunc(func() bool { return ready })
	srv := StartHTTP("127.0.0.1:0")
	defer srv.Close()

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		return rec
	}
	if rec := get(); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	ready = true
	if rec := get(); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ready") {
		t.Fatalf("expected 200 ready, got %d %q", rec.Code, rec.Body.String())
	}
}
