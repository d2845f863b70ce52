package link

import (
	"testing"
	"time"
)

func TestHandshakeCompleteRequiresMatchingID(t *testing.T) {
	h := &HandshakeState{}
	id := h.EnsureRequestID()
	if id == 0 {
		t.Fatalf("correlation id must be non-zero")
	}
	if h.ApplyConfigComplete(id + 1) {
		t.Fatalf("mismatched completion id accepted")
	}
	if h.ConfigComplete {
		t.Fatalf("config_complete set by mismatched id")
	}
	if !h.ApplyConfigComplete(id) {
		t.Fatalf("matching completion id rejected")
	}
	if !h.ConfigComplete {
		t.Fatalf("config_complete not set by matching id")
	}
}

func TestHandshakeCompleteIgnoredWithoutOutstandingRequest(t *testing.T) {
	h := &HandshakeState{}
	if h.ApplyConfigComplete(42) {
		t.Fatalf("completion accepted with no outstanding request")
	}
}

func TestInitialSyncCompleteFlags(t *testing.T) {
	h := &HandshakeState{}
	id := h.EnsureRequestID()
	h.ApplyConfigComplete(id)
	h.ApplyMyInfo(0x1234)
	if h.InitialSyncComplete() {
		t.Fatalf("sync complete without radio config")
	}
	h.ApplyRadioConfig()
	if !h.InitialSyncComplete() {
		t.Fatalf("sync not complete with all required flags")
	}
	if h.NodeID != 0x1234 {
		t.Fatalf("node id = %#x", h.NodeID)
	}
}

func TestNeedRequestTiming(t *testing.T) {
	h := &HandshakeState{}
	now := time.Now()
	if !h.NeedRequest(now, 7*time.Second) {
		t.Fatalf("fresh state must need a request")
	}
	h.EnsureRequestID()
	h.NoteRequestSent(now)
	if h.NeedRequest(now.Add(3*time.Second), 7*time.Second) {
		t.Fatalf("resend requested before interval elapsed")
	}
	if !h.NeedRequest(now.Add(8*time.Second), 7*time.Second) {
		t.Fatalf("resend not requested after interval elapsed")
	}
	h.ApplyConfigComplete(h.ConfigRequestID)
	h.ApplyMyInfo(1)
	h.ApplyRadioConfig()
	if h.NeedRequest(now.Add(time.Hour), 7*time.Second) {
		t.Fatalf("resend requested after sync completed")
	}
}
