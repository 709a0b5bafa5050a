package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/sirenlabs/siren/db"
)

// TemplateService is the template registry plus the compliance gate in
// front of channel sends. For WhatsApp it consults the conversation
// window tracker before permitting free-form text.
type TemplateService struct {
	PG     *sql.DB
	Window *ConversationWindowService
}

func NewTemplateService(pg *sql.DB, window *ConversationWindowService) *TemplateService {
	return &TemplateService{PG: pg, Window: window}
}

// CreateTemplate registers a template.
func (s *TemplateService) CreateTemplate(ctx context.Context, req db.CreateTemplateRequest) (db.Template, error) {
	tmpl := db.Template{
		Name:           req.Name,
		Category:       req.Category,
		Language:       req.Language,
		Body:           req.Body,
		Parameters:     req.Parameters,
		ApprovalStatus: req.ApprovalStatus,
	}
	if tmpl.Language == "" {
		tmpl.Language = "en"
	}
	if tmpl.ApprovalStatus == "" {
		tmpl.ApprovalStatus = db.TemplatePending
	}

	switch tmpl.Category {
	case db.TemplateCategoryMarketing, db.TemplateCategoryUtility, db.TemplateCategoryAuthentication:
	default:
		return tmpl, NewEngineError(CodeValidation, "unknown template category %q", tmpl.Category)
	}
	switch tmpl.ApprovalStatus {
	case db.TemplateApproved, db.TemplatePending, db.TemplateRejected:
	default:
		return tmpl, NewEngineError(CodeValidation, "unknown approval status %q", tmpl.ApprovalStatus)
	}

	paramsJSON, err := json.Marshal(tmpl.Parameters)
	if err != nil {
		return tmpl, fmt.Errorf("failed to serialize template parameters: %w", err)
	}

	query := `
		INSERT INTO templates (name, category, language, body, parameters, approval_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, language)
		DO UPDATE SET category = $2, body = $4, parameters = $5, approval_status = $6`

	if _, err := s.PG.ExecContext(ctx, query,
		tmpl.Name, tmpl.Category, tmpl.Language, tmpl.Body, paramsJSON, tmpl.ApprovalStatus); err != nil {
		return tmpl, fmt.Errorf("failed to insert template: %w", err)
	}

	log.Printf("Registered template %s (%s, %s)", tmpl.Name, tmpl.Category, tmpl.ApprovalStatus)
	return tmpl, nil
}

// ListTemplates returns all registered templates.
func (s *TemplateService) ListTemplates(ctx context.Context) ([]db.Template, error) {
	query := `
		SELECT name, category, language, body, parameters, approval_status, created_at
		FROM templates
		ORDER BY name, language`

	rows, err := s.PG.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []db.Template
	for rows.Next() {
		var tmpl db.Template
		var paramsJSON []byte
		if err := rows.Scan(&tmpl.Name, &tmpl.Category, &tmpl.Language, &tmpl.Body,
			&paramsJSON, &tmpl.ApprovalStatus, &tmpl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &tmpl.Parameters); err != nil {
			tmpl.Parameters = nil
		}
		templates = append(templates, tmpl)
	}

	return templates, rows.Err()
}

// getApprovedTemplate finds an approved template matching the intent.
// WhatsApp automated notices additionally require a non-MARKETING
// category. Returns nil when nothing usable exists.
func (s *TemplateService) getApprovedTemplate(ctx context.Context, intent, channel string) (*db.Template, error) {
	query := `
		SELECT name, category, language, body, parameters, approval_status, created_at
		FROM templates
		WHERE name = $1 AND approval_status = $2`
	args := []interface{}{intent, db.TemplateApproved}

	if channel == db.ChannelWhatsApp {
		query += ` AND category IN ($3, $4)`
		args = append(args, db.TemplateCategoryUtility, db.TemplateCategoryAuthentication)
	}
	query += ` ORDER BY language LIMIT 1`

	var tmpl db.Template
	var paramsJSON []byte
	err := s.PG.QueryRowContext(ctx, query, args...).Scan(
		&tmpl.Name, &tmpl.Category, &tmpl.Language, &tmpl.Body,
		&paramsJSON, &tmpl.ApprovalStatus, &tmpl.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query template: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &tmpl.Parameters); err != nil {
		tmpl.Parameters = nil
	}

	return &tmpl, nil
}

// BuildPayload returns a compliant, ready-to-send payload for the given
// channel, or a typed rejection.
//
// Email/SMS/Voice: free-form composition is always permitted; a matching
// approved template is preferred when one exists.
// WhatsApp: inside the 24h window free-form is permitted; outside it an
// approved UTILITY or AUTHENTICATION template matching the intent is
// required, else TEMPLATE_REQUIRED.
func (s *TemplateService) BuildPayload(ctx context.Context, channel, contact, intent string, variables map[string]interface{}) (db.Payload, error) {
	payload := db.Payload{Channel: channel, Contact: contact}

	if contact == "" {
		return payload, NewEngineError(CodeInvalidContact, "empty contact for channel %s", channel)
	}

	tmpl, err := s.getApprovedTemplate(ctx, intent, channel)
	if err != nil {
		return payload, err
	}

	if channel == db.ChannelWhatsApp {
		within, err := s.Window.IsWithinWindow(ctx, contact)
		if err != nil {
			return payload, err
		}
		if !within && tmpl == nil {
			return payload, NewEngineError(CodeTemplateRequired,
				"contact %s is outside the 24h window and no approved template matches intent %q", contact, intent)
		}
		if !within {
			return s.renderTemplate(payload, tmpl, variables)
		}
		// Within the window: free-form is allowed, but a registered
		// template still wins for consistent wording.
		if tmpl != nil {
			return s.renderTemplate(payload, tmpl, variables)
		}
		payload.Body = freeFormBody(intent, variables)
		return payload, nil
	}

	if tmpl != nil {
		return s.renderTemplate(payload, tmpl, variables)
	}

	payload.Subject = freeFormSubject(intent, variables)
	payload.Body = freeFormBody(intent, variables)
	return payload, nil
}

// renderTemplate substitutes positional parameters ({{1}}, {{2}}, ...).
// Substitution is strict: the supplied variable count must exactly equal
// the declared parameter count and every declared name must be present.
// Never truncates, never pads.
func (s *TemplateService) renderTemplate(payload db.Payload, tmpl *db.Template, variables map[string]interface{}) (db.Payload, error) {
	if len(variables) != len(tmpl.Parameters) {
		return payload, NewEngineError(CodeParameterMismatch,
			"template %s declares %d parameters, got %d variables", tmpl.Name, len(tmpl.Parameters), len(variables))
	}

	body := tmpl.Body
	params := make([]string, 0, len(tmpl.Parameters))
	for i, name := range tmpl.Parameters {
		val, ok := variables[name]
		if !ok {
			return payload, NewEngineError(CodeParameterMismatch,
				"template %s parameter %q not supplied", tmpl.Name, name)
		}
		str := fmt.Sprintf("%v", val)
		body = strings.ReplaceAll(body, fmt.Sprintf("{{%d}}", i+1), str)
		params = append(params, str)
	}

	payload.TemplateName = tmpl.Name
	payload.Parameters = params
	payload.Body = body
	return payload, nil
}

// freeFormBody composes a deterministic plain-text body from variables.
func freeFormBody(intent string, variables map[string]interface{}) string {
	if msg, ok := variables["message"].(string); ok && msg != "" {
		return msg
	}

	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(intent)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, variables[k])
	}
	return b.String()
}

func freeFormSubject(intent string, variables map[string]interface{}) string {
	if subj, ok := variables["subject"].(string); ok && subj != "" {
		return subj
	}
	return intent
}
