package httpapi

import (
	"net/http"
	"strings"

	"crm-dialer/internal/calls"
	"crm-dialer/internal/dialer"
	"crm-dialer/internal/rbac"

	"github.com/gin-gonic/gin"
)

type nextContactRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	UserID    string `json:"userId"`
}

// NextContact claims the next contact for a session.
func (h Handlers) NextContact(c *gin.Context) {
	var req nextContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, KindInvalidRequest, "sessionId required")
		return
	}
	if req.UserID == "" {
		req.UserID = callerID(c)
	}
	if !rbac.CanActFor(c, req.UserID) {
		fail(c, http.StatusForbidden, KindForbidden, "cannot dial for another user")
		return
	}

	res, err := h.Dialer.RequestNextContact(c.Request.Context(), strings.TrimSpace(req.SessionID), req.UserID)
	if err != nil {
		failErr(c, err)
		return
	}
	switch r := res.(type) {
	case dialer.Found:
		ok(c, gin.H{
			"hasMoreLeads": true,
			"contact":      r.Contact,
			"phoneNumber":  r.Contact.PhoneNumber,
			"name":         r.Contact.Name,
			"callId":       r.Call.ID,
			"attempt":      r.Attempt,
		})
	default:
		ok(c, gin.H{"hasMoreLeads": false})
	}
}

type originateRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

func (h Handlers) Originate(c *gin.Context) {
	var req originateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, KindInvalidRequest, "invalid json")
			return
		}
	}
	call, err := h.Dialer.OriginateCall(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.PhoneNumber))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"call": call, "callSid": call.ProviderCallID})
}

type assignRequest struct {
	AgentID string `json:"agentId" binding:"required"`
}

func (h Handlers) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, KindInvalidRequest, "agentId required")
		return
	}
	call, agent, err := h.Dialer.AssignAgent(c.Request.Context(), c.Param("id"), req.AgentID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"call": call, "agent": agent})
}

// EndCall accepts an internal call id or a provider call id in :id.
func (h Handlers) EndCall(c *gin.Context) {
	call, err := h.Dialer.EndCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"call": call})
}

// agentForCaller loads the agent and checks the caller may act for it.
func (h Handlers) agentForCaller(c *gin.Context) (calls.Agent, bool) {
	agent, err := h.Dialer.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return calls.Agent{}, false
	}
	if !rbac.CanActFor(c, agent.UserID) {
		fail(c, http.StatusForbidden, KindForbidden, "cannot act for another agent")
		return calls.Agent{}, false
	}
	return agent, true
}

func (h Handlers) StopDialing(c *gin.Context) {
	agent, allowed := h.agentForCaller(c)
	if !allowed {
		return
	}
	res, err := h.Dialer.StopDialing(c.Request.Context(), agent.ID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"agent": res.Agent, "endedCalls": res.EndedCalls, "warnings": res.Failures})
}

type agentStatusRequest struct {
	Status calls.AgentStatus `json:"status" binding:"required"`
}

func (h Handlers) SetAgentStatus(c *gin.Context) {
	var req agentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		fail(c, http.StatusBadRequest, KindInvalidRequest, "status must be available, busy or offline")
		return
	}
	agent, allowed := h.agentForCaller(c)
	if !allowed {
		return
	}
	agent, err := h.Dialer.SetAgentStatus(c.Request.Context(), agent.ID, req.Status)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{"agent": agent})
}

func (h Handlers) ActiveCalls(c *gin.Context) {
	active, err := h.Dialer.ActiveCalls(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	if active == nil {
		active = []calls.ActiveCall{}
	}
	ok(c, gin.H{"data": active, "count": len(active)})
}
