package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRESTRequest_Outcomes(t *testing.T) {
	okBefore := testutil.ToFloat64(RESTRequests.WithLabelValues("test_endpoint", "success"))
	errBefore := testutil.ToFloat64(RESTRequests.WithLabelValues("test_endpoint", "error"))

	RecordRESTRequest("test_endpoint", 10*time.Millisecond, nil)
	RecordRESTRequest("test_endpoint", 10*time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(RESTRequests.WithLabelValues("test_endpoint", "success")); got != okBefore+1 {
		t.Errorf("expected success count %v, got %v", okBefore+1, got)
	}
	if got := testutil.ToFloat64(RESTRequests.WithLabelValues("test_endpoint", "error")); got != errBefore+1 {
		t.Errorf("expected error count %v, got %v", errBefore+1, got)
	}
}

func TestRecordCallTransition(t *testing.T) {
	before := testutil.ToFloat64(CallTransitions.WithLabelValues("active", "ending"))
	RecordCallTransition("active", "ending")
	if got := testutil.ToFloat64(CallTransitions.WithLabelValues("active", "ending")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}

func TestRecordJournalWrite(t *testing.T) {
	before := testutil.ToFloat64(JournalWrites.WithLabelValues("call_sessions", "error"))
	RecordJournalWrite("call_sessions", errors.New("locked"))
	if got := testutil.ToFloat64(JournalWrites.WithLabelValues("call_sessions", "error")); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}
}
