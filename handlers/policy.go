package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/services"
)

type PolicyHandler struct {
	escalationService *services.EscalationService
}

func NewPolicyHandler(escalationService *services.EscalationService) *PolicyHandler {
	return &PolicyHandler{escalationService: escalationService}
}

// CreatePolicy handles POST /policies
func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var req db.CreateEscalationPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	policy, err := h.escalationService.CreatePolicy(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, policy)
}

// ListPolicies handles GET /policies
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	policies, err := h.escalationService.ListPolicies(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "total": len(policies)})
}

// GetPolicy handles GET /policies/:name
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	policy, err := h.escalationService.GetPolicy(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, policy)
}

// TestPolicy handles POST /policies/:name/test — dry-run validation of
// the step/channel configuration; performs no sends and writes no rows.
func (h *PolicyHandler) TestPolicy(c *gin.Context) {
	result, err := h.escalationService.TestPolicy(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
