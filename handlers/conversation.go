package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sirenlabs/siren/services"
)

// ConversationHandler feeds the 24h window tracker from the surrounding
// chat application: inbound customer messages reset the window,
// outbound business messages are recorded for bookkeeping only.
type ConversationHandler struct {
	windowService *services.ConversationWindowService
}

func NewConversationHandler(windowService *services.ConversationWindowService) *ConversationHandler {
	return &ConversationHandler{windowService: windowService}
}

// RecordInbound handles POST /conversations/:contact/inbound
func (h *ConversationHandler) RecordInbound(c *gin.Context) {
	contact := c.Param("contact")
	if err := h.windowService.RecordInbound(c.Request.Context(), contact); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact_id": contact, "recorded": "inbound"})
}

// RecordOutbound handles POST /conversations/:contact/outbound
func (h *ConversationHandler) RecordOutbound(c *gin.Context) {
	contact := c.Param("contact")
	if err := h.windowService.RecordOutbound(c.Request.Context(), contact); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contact_id": contact, "recorded": "outbound"})
}

// GetWindow handles GET /conversations/:contact/window
func (h *ConversationHandler) GetWindow(c *gin.Context) {
	contact := c.Param("contact")

	within, err := h.windowService.IsWithinWindow(c.Request.Context(), contact)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"contact_id": contact, "within_24h": within})
}
