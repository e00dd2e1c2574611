package main

import (
	"crm-dialer/internal/auth"
	"crm-dialer/internal/httpapi"
	"crm-dialer/internal/notify"
	"crm-dialer/internal/rbac"
	"crm-dialer/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	auth     *auth.Manager
	api      httpapi.Handlers
	webhooks telephony.WebhookHandler
	ws       notify.WSHandler
}

var anyRole = []string{rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleAdmin}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	r.GET("/healthz", httpapi.Health)

	// Provider webhooks are authenticated by signature, not JWT, and always answer 200.
	hooks := r.Group("/webhooks/twilio")
	{
		hooks.POST("/status", d.webhooks.HandleStatus)
		hooks.POST("/amd", d.webhooks.HandleMachineDetection)
		hooks.POST("/answer", d.webhooks.HandleAnswer)
	}

	// Browsers cannot set headers on a websocket upgrade.
	r.GET("/ws/sessions/:id", auth.RequireAccessToken(d.auth, auth.AllowQueryToken()), rbac.RequireAnyRole(anyRole...), d.ws.ServeSession)

	api := r.Group("/api")
	api.Use(auth.RequireAccessToken(d.auth), rbac.RequireAnyRole(anyRole...))
	{
		api.POST("/call-status", d.api.IngestStatus)
		api.POST("/leads/disposition", d.api.SetDisposition)

		dl := api.Group("/dialer")
		dl.POST("/next", d.api.NextContact)
		dl.POST("/calls/:id/originate", d.api.Originate)
		dl.POST("/calls/:id/assign", d.api.Assign)
		dl.POST("/calls/:id/end", d.api.EndCall)
		dl.POST("/agents/:id/stop", d.api.StopDialing)
		dl.PUT("/agents/:id/status", d.api.SetAgentStatus)
		dl.GET("/active-calls", d.api.ActiveCalls)
		dl.GET("/sessions/:id/status", d.api.SessionStatus)
		dl.PUT("/sessions/:id/auto", d.api.ConfigureAutoDialer)
		dl.DELETE("/sessions/:id/auto", d.api.StopAutoDialer)
		dl.GET("/stats", rbac.RequireAnyRole(rbac.Operators...), d.api.Stats)
	}
}
