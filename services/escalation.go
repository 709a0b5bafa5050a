package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sirenlabs/siren/db"
)

// EscalationService manages escalation policies and materializes their
// timed steps into escalation events at incident creation. The engine
// never hardcodes a policy shape: steps and channels are pure data.
type EscalationService struct {
	PG *sql.DB
}

func NewEscalationService(pg *sql.DB) *EscalationService {
	return &EscalationService{PG: pg}
}

// validateSteps enforces the policy invariants: at least one step,
// ascending levels, strictly increasing delays, known channels.
func validateSteps(steps []db.EscalationStep) []string {
	var problems []string

	if len(steps) == 0 {
		return []string{"policy must define at least one step"}
	}

	validChannel := map[string]bool{}
	for _, ch := range db.ValidChannels {
		validChannel[ch] = true
	}

	prevDelay := -1
	prevLevel := 0
	for i, step := range steps {
		if step.Level <= prevLevel {
			problems = append(problems, fmt.Sprintf("step %d: level %d must be greater than previous level %d", i+1, step.Level, prevLevel))
		}
		if step.DelaySeconds <= prevDelay {
			problems = append(problems, fmt.Sprintf("step %d: delay %ds must be strictly greater than previous delay %ds", i+1, step.DelaySeconds, prevDelay))
		}
		if len(step.Channels) == 0 {
			problems = append(problems, fmt.Sprintf("step %d: at least one channel is required", i+1))
		}
		for _, ch := range step.Channels {
			if !validChannel[ch] {
				problems = append(problems, fmt.Sprintf("step %d: unknown channel %q", i+1, ch))
			}
		}
		prevLevel = step.Level
		prevDelay = step.DelaySeconds
	}

	return problems
}

// CreatePolicy validates and stores an escalation policy.
func (s *EscalationService) CreatePolicy(ctx context.Context, req db.CreateEscalationPolicyRequest) (db.EscalationPolicy, error) {
	policy := db.EscalationPolicy{
		Name:            req.Name,
		Enabled:         true,
		CooldownSeconds: req.CooldownSeconds,
		Steps:           req.Steps,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
		CreatedBy:       req.CreatedBy,
	}
	if req.Enabled != nil {
		policy.Enabled = *req.Enabled
	}
	if policy.CooldownSeconds == 0 {
		policy.CooldownSeconds = 3600
	}

	if problems := validateSteps(policy.Steps); len(problems) > 0 {
		return policy, NewEngineError(CodeValidation, "invalid policy %s: %v", policy.Name, problems)
	}

	stepsJSON, err := json.Marshal(policy.Steps)
	if err != nil {
		return policy, fmt.Errorf("failed to serialize policy steps: %w", err)
	}

	query := `
		INSERT INTO escalation_policies (name, enabled, cooldown_seconds, steps, created_at, updated_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name)
		DO UPDATE SET enabled = $2, cooldown_seconds = $3, steps = $4, updated_at = $6`

	_, err = s.PG.ExecContext(ctx, query,
		policy.Name, policy.Enabled, policy.CooldownSeconds, stepsJSON,
		policy.CreatedAt, policy.UpdatedAt, policy.CreatedBy)
	if err != nil {
		return policy, fmt.Errorf("failed to insert escalation policy: %w", err)
	}

	log.Printf("Stored escalation policy %s with %d steps", policy.Name, len(policy.Steps))
	return policy, nil
}

// GetPolicy retrieves a policy by name.
func (s *EscalationService) GetPolicy(ctx context.Context, name string) (db.EscalationPolicy, error) {
	var policy db.EscalationPolicy
	var stepsJSON []byte
	var createdBy sql.NullString

	query := `
		SELECT name, enabled, cooldown_seconds, steps, created_at, updated_at, created_by
		FROM escalation_policies
		WHERE name = $1`

	err := s.PG.QueryRowContext(ctx, query, name).Scan(
		&policy.Name, &policy.Enabled, &policy.CooldownSeconds, &stepsJSON,
		&policy.CreatedAt, &policy.UpdatedAt, &createdBy)
	if err == sql.ErrNoRows {
		return policy, NewEngineError(CodeNotFound, "escalation policy %s not found", name)
	}
	if err != nil {
		return policy, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	if createdBy.Valid {
		policy.CreatedBy = createdBy.String
	}
	if err := json.Unmarshal(stepsJSON, &policy.Steps); err != nil {
		return policy, fmt.Errorf("failed to parse steps for policy %s: %w", name, err)
	}

	return policy, nil
}

// ListPolicies returns all stored policies.
func (s *EscalationService) ListPolicies(ctx context.Context) ([]db.EscalationPolicy, error) {
	query := `
		SELECT name, enabled, cooldown_seconds, steps, created_at, updated_at, created_by
		FROM escalation_policies
		ORDER BY name`

	rows, err := s.PG.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation policies: %w", err)
	}
	defer rows.Close()

	var policies []db.EscalationPolicy
	for rows.Next() {
		var policy db.EscalationPolicy
		var stepsJSON []byte
		var createdBy sql.NullString
		if err := rows.Scan(&policy.Name, &policy.Enabled, &policy.CooldownSeconds, &stepsJSON,
			&policy.CreatedAt, &policy.UpdatedAt, &createdBy); err != nil {
			return nil, fmt.Errorf("failed to scan escalation policy: %w", err)
		}
		if createdBy.Valid {
			policy.CreatedBy = createdBy.String
		}
		if err := json.Unmarshal(stepsJSON, &policy.Steps); err != nil {
			log.Printf("Skipping policy %s with unparseable steps: %v", policy.Name, err)
			continue
		}
		policies = append(policies, policy)
	}

	return policies, rows.Err()
}

// ScheduleEscalation creates one pending escalation event per (step,
// channel) inside the caller's transaction, so event creation is atomic
// with the incident insert.
func (s *EscalationService) ScheduleEscalation(tx *sql.Tx, incident *db.Incident, policy *db.EscalationPolicy) ([]db.EscalationEvent, error) {
	if problems := validateSteps(policy.Steps); len(problems) > 0 {
		return nil, NewEngineError(CodeValidation, "policy %s has invalid steps: %v", policy.Name, problems)
	}

	query := `
		INSERT INTO escalation_events (id, incident_id, step_level, channel, status, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var events []db.EscalationEvent
	now := time.Now().UTC()
	for _, step := range policy.Steps {
		scheduledAt := incident.CreatedAt.Add(time.Duration(step.DelaySeconds) * time.Second)
		for _, channel := range step.Channels {
			event := db.EscalationEvent{
				ID:          uuid.New().String(),
				IncidentID:  incident.ID,
				StepLevel:   step.Level,
				Channel:     channel,
				Status:      db.EventStatusPending,
				ScheduledAt: scheduledAt,
				CreatedAt:   now,
			}
			if _, err := tx.Exec(query,
				event.ID, event.IncidentID, event.StepLevel, event.Channel,
				event.Status, event.ScheduledAt, event.CreatedAt); err != nil {
				return nil, fmt.Errorf("failed to insert escalation event (step %d, %s): %w", step.Level, channel, err)
			}
			events = append(events, event)
		}
	}

	log.Printf("Scheduled %d escalation events for incident %s (policy %s)", len(events), incident.ID, policy.Name)
	return events, nil
}

// TestPolicy dry-runs a stored policy: validates configuration and
// reports the events a trigger would materialize. No rows are written
// and nothing is sent.
func (s *EscalationService) TestPolicy(ctx context.Context, name string) (db.PolicyTestResult, error) {
	result := db.PolicyTestResult{PolicyName: name}

	policy, err := s.GetPolicy(ctx, name)
	if err != nil {
		return result, err
	}

	if !policy.Enabled {
		result.Errors = append(result.Errors, "policy is disabled")
	}
	result.Errors = append(result.Errors, validateSteps(policy.Steps)...)
	result.Valid = len(result.Errors) == 0

	if result.Valid {
		for _, step := range policy.Steps {
			for _, channel := range step.Channels {
				result.Plan = append(result.Plan, db.PolicyTestEvent{
					StepLevel:    step.Level,
					Channel:      channel,
					DelaySeconds: step.DelaySeconds,
				})
			}
		}
	}

	return result, nil
}
