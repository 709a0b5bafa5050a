package router

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/sirenlabs/siren/handlers"
	"github.com/sirenlabs/siren/internal/config"
	"github.com/sirenlabs/siren/services"
)

func NewGinRouter(pg *sql.DB, redisClient *redis.Client) *gin.Engine {
	r := gin.Default()

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	auditService := services.NewAuditService(redisClient, config.App.AuditStream)
	windowService := services.NewConversationWindowService(pg, redisClient)
	templateService := services.NewTemplateService(pg, windowService)
	escalationService := services.NewEscalationService(pg)

	incidentService := services.NewIncidentService(pg, escalationService, auditService)
	if config.App.DedupWindowSeconds > 0 {
		incidentService.DedupWindow = time.Duration(config.App.DedupWindowSeconds) * time.Second
	}
	incidentService.DedupKeys = config.App.DedupContextKeys

	// Initialize handlers
	incidentHandler := handlers.NewIncidentHandler(incidentService)
	policyHandler := handlers.NewPolicyHandler(escalationService)
	templateHandler := handlers.NewTemplateHandler(templateService)
	conversationHandler := handlers.NewConversationHandler(windowService)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Incident state machine
	r.POST("/incidents", incidentHandler.TriggerIncident)
	r.GET("/incidents", incidentHandler.ListIncidents)
	r.GET("/incidents/:id", incidentHandler.GetIncident)
	r.GET("/incidents/:id/events", incidentHandler.GetIncidentEvents)
	r.POST("/incidents/:id/acknowledge", incidentHandler.AcknowledgeIncident)
	r.POST("/incidents/:id/resolve", incidentHandler.ResolveIncident)

	// Escalation policies
	r.POST("/policies", policyHandler.CreatePolicy)
	r.GET("/policies", policyHandler.ListPolicies)
	r.GET("/policies/:name", policyHandler.GetPolicy)
	r.POST("/policies/:name/test", policyHandler.TestPolicy)

	// Template registry
	r.POST("/templates", templateHandler.CreateTemplate)
	r.GET("/templates", templateHandler.ListTemplates)

	// Conversation window tracker
	r.POST("/conversations/:contact/inbound", conversationHandler.RecordInbound)
	r.POST("/conversations/:contact/outbound", conversationHandler.RecordOutbound)
	r.GET("/conversations/:contact/window", conversationHandler.GetWindow)

	return r
}
