package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

type IncidentHandler struct {
	incidentService *services.IncidentService
}

func NewIncidentHandler(incidentService *services.IncidentService) *IncidentHandler {
	return &IncidentHandler{incidentService: incidentService}
}

// statusForCode maps engine error codes onto HTTP statuses.
func statusForCode(code string) int {
	switch code {
	case services.CodeValidation, services.CodeParameterMismatch, services.CodeInvalidContact:
		return http.StatusBadRequest
	case services.CodeNotFound:
		return http.StatusNotFound
	case services.CodeAlreadyTerminal:
		return http.StatusConflict
	case services.CodeCooldownActive, services.CodeRateLimited:
		return http.StatusTooManyRequests
	case services.CodeTemplateRequired:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	code := services.CodeOf(err)
	status := http.StatusInternalServerError
	if code != "" {
		status = statusForCode(code)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// TriggerIncident handles POST /incidents
func (h *IncidentHandler) TriggerIncident(c *gin.Context) {
	var req db.TriggerIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	incident, status, err := h.incidentService.Trigger(c.Request.Context(), req)
	if err != nil {
		// Cooldown is reported in the response body, not as a
		// transport error: the monitor's call worked, the policy is
		// just throttled.
		if services.CodeOf(err) == services.CodeCooldownActive {
			c.JSON(http.StatusCreated, db.TriggerIncidentResponse{
				Status: db.TriggerResultCooldownActive,
			})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, db.TriggerIncidentResponse{
		IncidentID: incident.ID,
		Status:     status,
	})
}

// AcknowledgeIncident handles POST /incidents/:id/acknowledge
func (h *IncidentHandler) AcknowledgeIncident(c *gin.Context) {
	var req db.IncidentActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.incidentService.Acknowledge(c.Request.Context(), c.Param("id"), req.Actor); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": db.IncidentStatusAcknowledged})
}

// ResolveIncident handles POST /incidents/:id/resolve
func (h *IncidentHandler) ResolveIncident(c *gin.Context) {
	var req db.IncidentActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if err := h.incidentService.Resolve(c.Request.Context(), c.Param("id"), req.Actor); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": db.IncidentStatusResolved})
}

// ListIncidents handles GET /incidents?status=open
func (h *IncidentHandler) ListIncidents(c *gin.Context) {
	status := c.DefaultQuery("status", db.IncidentStatusOpen)
	if status != db.IncidentStatusOpen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only status=open is supported"})
		return
	}

	incidents, err := h.incidentService.ListOpen(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"incidents": incidents,
		"total":     len(incidents),
	})
}

// GetIncident handles GET /incidents/:id
func (h *IncidentHandler) GetIncident(c *gin.Context) {
	incident, err := h.incidentService.GetIncident(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, incident)
}

// GetIncidentEvents handles GET /incidents/:id/events
func (h *IncidentHandler) GetIncidentEvents(c *gin.Context) {
	events, err := h.incidentService.GetEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": len(events)})
}
