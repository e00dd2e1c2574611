package httpapi

import (
	"net/http"

	"crm-dialer/internal/disposition"

	"github.com/gin-gonic/gin"
)

// SetDisposition handles both the single and the bulk form. Secondary
// failures come back as warnings on a successful response.
func (h Handlers) SetDisposition(c *gin.Context) {
	var req disposition.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, KindInvalidRequest, "invalid json")
		return
	}
	res, err := h.Disposition.Set(c.Request.Context(), callerID(c), req)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, gin.H{
		"updated":  res.Updated,
		"data":     res.Data,
		"message":  res.Message,
		"warnings": res.Warnings,
	})
}
