package link

import (
	"time"

	"github.com/google/uuid"
)

// HandshakeState tracks config-sync progress with the attached device. All
// flags are monotonic: once true they never revert, even if the device
// re-announces. The state is owned by the reader task.
type HandshakeState struct {
	ConfigRequestID  uint32 // 0 = no request outstanding
	HaveMyInfo       bool
	HaveRadioConfig  bool
	HaveModuleConfig bool
	ConfigComplete   bool
	LastRequestAt    time.Time
	NodeID           uint32
}

// InitialSyncComplete reports whether normal traffic may assume a configured
// device. Module config is informative and intentionally not required.
func (h *HandshakeState) InitialSyncComplete() bool {
	return h.ConfigComplete && h.HaveMyInfo && h.HaveRadioConfig
}

// NeedRequest reports whether a (re)send of the config request is due: no
// request yet, or sync still incomplete after the resend interval.
func (h *HandshakeState) NeedRequest(now time.Time, resendAfter time.Duration) bool {
	if h.ConfigRequestID == 0 {
		return true
	}
	if h.InitialSyncComplete() {
		return false
	}
	return now.Sub(h.LastRequestAt) > resendAfter
}

// EnsureRequestID returns the outstanding correlation id, generating a fresh
// non-zero one on first use.
func (h *HandshakeState) EnsureRequestID() uint32 {
	for h.ConfigRequestID == 0 {
		h.ConfigRequestID = uuid.New().ID()
	}
	return h.ConfigRequestID
}

// NoteRequestSent records the send time used by the resend check.
func (h *HandshakeState) NoteRequestSent(now time.Time) {
	h.LastRequestAt = now
}

// ApplyConfigComplete sets ConfigComplete only when the completion id matches
// the outstanding request; stale or foreign completions are ignored.
func (h *HandshakeState) ApplyConfigComplete(id uint32) bool {
	if h.ConfigRequestID == 0 || id != h.ConfigRequestID {
		return false
	}
	h.ConfigComplete = true
	return true
}

// ApplyMyInfo records the device's own node id.
func (h *HandshakeState) ApplyMyInfo(nodeID uint32) {
	h.HaveMyInfo = true
	if nodeID != 0 {
		h.NodeID = nodeID
	}
}

func (h *HandshakeState) ApplyRadioConfig()  { h.HaveRadioConfig = true }
func (h *HandshakeState) ApplyModuleConfig() { h.HaveModuleConfig = true }
