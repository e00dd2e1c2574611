package telephony

import (
	"context"
	"net/http"
	"time"

	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// WebhookHandler adapts provider callbacks to injected sinks. It always
// acknowledges with 200 and empty TwiML so the provider never retries;
// failures are logged here and counted by the sinks.
type WebhookHandler struct {
	OnStatus           func(ctx context.Context, cb StatusCallback) error
	OnMachineDetection func(ctx context.Context, cb StatusCallback) error

	// Signatures is nil when validation is off.
	Signatures *SignatureValidator

	// WaitURL is the hold-music TwiML played while the callee waits for an agent.
	WaitURL string

	Now func() time.Time
}

func (h WebhookHandler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now()
}

func ack(c *gin.Context) {
	c.Data(http.StatusOK, "application/xml", []byte(EmptyResponse))
}

func (h WebhookHandler) verified(c *gin.Context) bool {
	if h.Signatures == nil {
		return true
	}
	if h.Signatures.Valid(c.Request) {
		return true
	}
	logger.FromGin(c).Warn("twilio signature rejected", "path", c.Request.URL.Path)
	return false
}

func (h WebhookHandler) parse(c *gin.Context) (StatusCallback, bool) {
	cb, err := ParseStatusCallback(c.Request)
	if err != nil {
		logger.FromGin(c).Warn("twilio callback parse failed", "err", err)
		return StatusCallback{}, false
	}
	if cb.Timestamp.IsZero() {
		cb.Timestamp = h.now()
	}
	return cb, true
}

// HandleStatus receives call progress callbacks.
func (h WebhookHandler) HandleStatus(c *gin.Context) {
	defer ack(c)
	if !h.verified(c) {
		return
	}
	cb, ok := h.parse(c)
	if !ok || h.OnStatus == nil {
		return
	}
	if err := h.OnStatus(c.Request.Context(), cb); err != nil {
		logger.FromGin(c).Warn("status callback not applied",
			"call_sid", cb.CallSid,
			"call_id", cb.CallID,
			"status", cb.CallStatus,
			"err", err,
		)
	}
}

// HandleMachineDetection receives async answering-machine detection results.
func (h WebhookHandler) HandleMachineDetection(c *gin.Context) {
	defer ack(c)
	if !h.verified(c) {
		return
	}
	cb, ok := h.parse(c)
	if !ok || h.OnMachineDetection == nil {
		return
	}
	if err := h.OnMachineDetection(c.Request.Context(), cb); err != nil {
		logger.FromGin(c).Warn("machine detection not applied",
			"call_sid", cb.CallSid,
			"answered_by", cb.AnsweredBy,
			"err", err,
		)
	}
}

// HandleAnswer returns the TwiML run when the callee picks up: the callee
// is parked in a room named after the dialer call id.
func (h WebhookHandler) HandleAnswer(c *gin.Context) {
	log := logger.FromGin(c)
	callID := c.Query("call_id")
	if !h.verified(c) || callID == "" {
		out, _ := RenderTwiML(Hangup{})
		c.Data(http.StatusOK, "application/xml", []byte(out))
		return
	}
	out, err := RenderTwiML(BridgeRoom(RoomName(callID), h.WaitURL))
	if err != nil {
		log.Error("twiml render failed", "err", err)
		ack(c)
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(out))
}

// RoomName is the conference room an agent joins to reach the callee.
func RoomName(callID string) string {
	return "dialer-" + callID
}
