package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/rbac"
	"crm-dialer/internal/reporting"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 20

// IngestStatus is the generic status endpoint. Unlike the provider
// webhook it reports malformed events to the caller.
func (h Handlers) IngestStatus(c *gin.Context) {
	u, err := h.Status.Ingest(c.Request.Context(), callstatus.DecodeEvent(c.Request))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"update": u})
}

// SessionStatus returns the latest known state plus recent history. An
// idle session yields a null latest, not an error.
func (h Handlers) SessionStatus(c *gin.Context) {
	sessionID := c.Param("id")
	limit := h.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v < limit {
		limit = v
	}

	body := gin.H{"sessionId": sessionID, "latest": nil}
	latest, found, err := h.Status.Latest(c.Request.Context(), sessionID)
	if err != nil {
		failErr(c, err)
		return
	}
	if found {
		body["latest"] = latest
	}
	history, err := h.Status.History(c.Request.Context(), sessionID, limit)
	if err != nil {
		failErr(c, err)
		return
	}
	if history == nil {
		history = []callstatus.Update{}
	}
	body["history"] = history
	if h.AutoDialer != nil {
		if st, ok := h.AutoDialer.Status(sessionID); ok {
			body["autoDialer"] = st
		}
	}
	ok(c, body)
}

type autoDialerRequest struct {
	Enabled           bool   `json:"enabled"`
	DelayBetweenCalls int64  `json:"delayBetweenCalls"`
	NoAnswerTimeout   int64  `json:"noAnswerTimeout"`
	UserID            string `json:"userId"`
}

// ConfigureAutoDialer starts a cycle when enabled. Disabling an existing
// cycle only cancels its pending timer.
func (h Handlers) ConfigureAutoDialer(c *gin.Context) {
	var req autoDialerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, KindInvalidRequest, "invalid json")
		return
	}
	cfg, err := autodialer.ConfigFromMillis(req.Enabled, req.DelayBetweenCalls, req.NoAnswerTimeout)
	if err != nil {
		failErr(c, err)
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(c)
	}
	if !rbac.CanActFor(c, req.UserID) {
		fail(c, http.StatusForbidden, KindForbidden, "cannot dial for another user")
		return
	}

	sessionID := c.Param("id")
	if !cfg.Enabled {
		if st, err := h.AutoDialer.SetEnabled(sessionID, false); err == nil {
			ok(c, gin.H{"autoDialer": st})
			return
		}
	}
	st, err := h.AutoDialer.Start(c.Request.Context(), sessionID, req.UserID, cfg)
	if err != nil {
		status, kind := classify(err)
		c.AbortWithStatusJSON(status, gin.H{"success": false, "error": kind, "message": err.Error(), "autoDialer": st})
		return
	}
	ok(c, gin.H{"autoDialer": st})
}

func (h Handlers) StopAutoDialer(c *gin.Context) {
	if !h.AutoDialer.Stop(c.Param("id")) {
		failErr(c, autodialer.ErrNoSuchCycle)
		return
	}
	ok(c, nil)
}

// Stats summarises calls in [from, to). Both bounds are RFC 3339 and
// default to the last 24 hours.
func (h Handlers) Stats(c *gin.Context) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, KindInvalidRequest, "from must be RFC 3339")
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			fail(c, http.StatusBadRequest, KindInvalidRequest, "to must be RFC 3339")
			return
		}
		to = t
	}

	sum, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		Range:     reporting.TimeRange{From: from, To: to},
		AgentID:   c.Query("agentId"),
		SessionID: c.Query("sessionId"),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"summary": sum, "ingest": h.Status.Stats()})
}
