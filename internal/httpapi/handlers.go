package httpapi

import (
	"errors"
	"net/http"

	"crm-dialer/internal/auth"
	"crm-dialer/internal/autodialer"
	"crm-dialer/internal/calls"
	"crm-dialer/internal/callstatus"
	"crm-dialer/internal/dialer"
	"crm-dialer/internal/disposition"
	"crm-dialer/internal/reporting"
	"crm-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dialer      *dialer.Orchestrator
	Status      *callstatus.Service
	AutoDialer  *autodialer.Manager
	Disposition *disposition.Service
	Reporting   *reporting.Service

	// HistoryLimit bounds the status history returned by polling.
	HistoryLimit int
}

// Error kinds returned in the "error" field.
const (
	KindInvalidRequest          = "InvalidRequest"
	KindInvalidDisposition      = "InvalidDisposition"
	KindBatchTooLarge           = "BatchTooLarge"
	KindMissingRequiredCallData = "MissingRequiredCallData"
	KindAgentUnavailable        = "AgentUnavailable"
	KindCallNotAssignable       = "CallNotAssignable"
	KindInvalidTransition       = "InvalidTransition"
	KindNotFound                = "NotFound"
	KindSessionExpired          = "SessionExpired"
	KindPlacementFailure        = "PlacementFailure"
	KindCapacityReached         = "CapacityReached"
	KindForbidden               = "Forbidden"
	KindInternal                = "Internal"
)

// classify maps a service error onto a status code and error kind.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, disposition.ErrInvalidDisposition):
		return http.StatusBadRequest, KindInvalidDisposition
	case errors.Is(err, disposition.ErrBatchTooLarge):
		return http.StatusBadRequest, KindBatchTooLarge
	case errors.Is(err, callstatus.ErrMissingRequiredCallData), errors.Is(err, callstatus.ErrUnknownStatus):
		return http.StatusBadRequest, KindMissingRequiredCallData
	case errors.Is(err, disposition.ErrInvalidArgument),
		errors.Is(err, dialer.ErrInvalidArgument),
		errors.Is(err, calls.ErrInvalidArgument),
		errors.Is(err, autodialer.ErrInvalidConfig):
		return http.StatusBadRequest, KindInvalidRequest
	case errors.Is(err, calls.ErrAgentUnavailable):
		return http.StatusConflict, KindAgentUnavailable
	case errors.Is(err, calls.ErrCallNotAssignable):
		return http.StatusConflict, KindCallNotAssignable
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict, KindInvalidTransition
	case errors.Is(err, calls.ErrNotFound), errors.Is(err, autodialer.ErrNoSuchCycle):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, dialer.ErrSessionExpired):
		return http.StatusGone, KindSessionExpired
	case errors.Is(err, dialer.ErrPlacementFailure):
		return http.StatusBadGateway, KindPlacementFailure
	case errors.Is(err, dialer.ErrCapacityReached), errors.Is(err, autodialer.ErrClosed):
		return http.StatusServiceUnavailable, KindCapacityReached
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func fail(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": kind, "message": message})
}

// failErr writes the structured error for err. Internal errors are logged
// and their text is not echoed to the caller.
func failErr(c *gin.Context, err error) {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "path", c.FullPath(), "err", err)
		fail(c, status, kind, "internal error")
		return
	}
	fail(c, status, kind, err.Error())
}

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["success"] = true
	c.JSON(http.StatusOK, body)
}

func callerID(c *gin.Context) string {
	uid, _ := auth.UserID(c.Request.Context())
	return uid
}

// Health reports liveness. It never touches dependencies.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
