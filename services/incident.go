package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sirenlabs/siren/db"
)

// IncidentService is the incident state machine: it opens incidents from
// monitoring signals behind the dedup/cooldown guards, fans them out
// into escalation events, and handles operator acknowledgment and
// resolution. Acknowledge/Resolve cancelling pending events is the
// engine's only backpressure against notification storms.
type IncidentService struct {
	PG         *sql.DB
	Escalation *EscalationService
	Audit      *AuditService

	DedupWindow time.Duration
	DedupKeys   []string // context keys hashed into root_hash; empty = all

	now func() time.Time
}

func NewIncidentService(pg *sql.DB, escalation *EscalationService, audit *AuditService) *IncidentService {
	return &IncidentService{
		PG:          pg,
		Escalation:  escalation,
		Audit:       audit,
		DedupWindow: 5 * time.Minute,
		now:         time.Now,
	}
}

// ComputeRootHash builds the stable dedup signature over the incident
// type and the configured subset of context keys. Values are rendered
// through JSON so map ordering cannot leak into the hash.
func ComputeRootHash(incidentType string, context map[string]interface{}, keys []string) string {
	if len(keys) == 0 {
		for k := range context {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(incidentType))
	for _, k := range keys {
		v, ok := context[k]
		if !ok {
			continue
		}
		enc, err := json.Marshal(v)
		if err != nil {
			enc = []byte(fmt.Sprintf("%v", v))
		}
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(enc)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Trigger opens an incident from a monitoring signal.
//
// Guards, evaluated in order:
//  1. the named policy must exist, be enabled and carry valid steps
//     (a broken policy fails the trigger rather than creating an
//     incident with no escalation path);
//  2. an open incident with the same root_hash inside the dedup window
//     dedups to status "duplicate" unless force is set;
//  3. the policy cooldown rejects with COOLDOWN_ACTIVE unless force is
//     set or severity is 1 (critical always cuts through).
//
// The insert itself carries the open-incident uniqueness constraint, so
// concurrent triggers racing on one root_hash produce exactly one
// winner; losers observe "duplicate" even with force set.
func (s *IncidentService) Trigger(ctx context.Context, req db.TriggerIncidentRequest) (db.Incident, string, error) {
	var incident db.Incident

	if req.Type == "" {
		return incident, "", NewEngineError(CodeValidation, "incident type is required")
	}
	if req.Severity < 1 || req.Severity > 4 {
		return incident, "", NewEngineError(CodeValidation, "severity must be between 1 and 4, got %d", req.Severity)
	}

	policy, err := s.Escalation.GetPolicy(ctx, req.PolicyName)
	if err != nil {
		if CodeOf(err) == CodeNotFound {
			return incident, "", NewEngineError(CodeValidation, "unknown escalation policy %q", req.PolicyName)
		}
		return incident, "", err
	}
	if !policy.Enabled {
		return incident, "", NewEngineError(CodeValidation, "escalation policy %q is disabled", req.PolicyName)
	}
	if problems := validateSteps(policy.Steps); len(problems) > 0 {
		return incident, "", NewEngineError(CodeValidation, "escalation policy %q is misconfigured: %v", req.PolicyName, problems)
	}

	rootHash := ComputeRootHash(req.Type, req.Context, s.DedupKeys)
	now := s.now().UTC()

	// Dedup fast path. The partial unique index remains the source of
	// truth; this read just avoids burning a transaction on the common
	// duplicate case.
	if !req.Force {
		existing, err := s.getOpenByRootHash(ctx, rootHash)
		if err != nil {
			return incident, "", err
		}
		if existing != nil && now.Sub(existing.CreatedAt) < s.DedupWindow {
			log.Printf("Trigger dedup hit: incident %s already open for root_hash %s", existing.ID, rootHash)
			return *existing, db.TriggerResultDuplicate, nil
		}
	}

	// Policy cooldown: independent of signature. Severity 1 bypasses.
	if !req.Force && req.Severity != 1 {
		var lastFired sql.NullTime
		err := s.PG.QueryRowContext(ctx,
			`SELECT last_fired_at FROM policy_cooldowns WHERE policy_name = $1`, policy.Name,
		).Scan(&lastFired)
		if err != nil && err != sql.ErrNoRows {
			return incident, "", fmt.Errorf("failed to read policy cooldown: %w", err)
		}
		cooldown := time.Duration(policy.CooldownSeconds) * time.Second
		if lastFired.Valid && now.Sub(lastFired.Time.UTC()) < cooldown {
			return incident, "", NewEngineError(CodeCooldownActive,
				"policy %s fired at %s, cooling down for %s", policy.Name, lastFired.Time.UTC().Format(time.RFC3339), cooldown)
		}
	}

	incident = db.Incident{
		ID:         uuid.New().String(),
		Type:       req.Type,
		Severity:   req.Severity,
		Source:     req.Source,
		RootHash:   rootHash,
		Status:     db.IncidentStatusOpen,
		PolicyName: policy.Name,
		Context:    req.Context,
		Variables:  req.Variables,
		CreatedAt:  now,
	}

	contextJSON, err := json.Marshal(incident.Context)
	if err != nil {
		return incident, "", fmt.Errorf("failed to serialize incident context: %w", err)
	}
	variablesJSON, err := json.Marshal(incident.Variables)
	if err != nil {
		return incident, "", fmt.Errorf("failed to serialize incident variables: %w", err)
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return incident, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The conflict target is the partial unique index over open rows:
	// simultaneous triggers for one root_hash get exactly one inserted
	// row, every other call falls through to the duplicate read below.
	var insertedID string
	err = tx.QueryRow(`
		INSERT INTO incidents (id, type, severity, source, root_hash, status, policy_name, context, variables, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (root_hash) WHERE status = 'open' DO NOTHING
		RETURNING id`,
		incident.ID, incident.Type, incident.Severity, incident.Source, incident.RootHash,
		incident.Status, incident.PolicyName, contextJSON, variablesJSON, incident.CreatedAt,
	).Scan(&insertedID)
	if err == sql.ErrNoRows {
		// Lost the race; report the surviving incident.
		_ = tx.Rollback()
		existing, gerr := s.getOpenByRootHash(ctx, rootHash)
		if gerr != nil {
			return incident, "", gerr
		}
		if existing == nil {
			// Winner resolved between our insert and this read.
			return incident, "", NewEngineError(CodeValidation, "trigger lost insert race and winner already closed, retry")
		}
		return *existing, db.TriggerResultDuplicate, nil
	}
	if err != nil {
		return incident, "", fmt.Errorf("failed to insert incident: %w", err)
	}

	if _, err := s.Escalation.ScheduleEscalation(tx, &incident, &policy); err != nil {
		return incident, "", err
	}

	_, err = tx.Exec(`
		INSERT INTO policy_cooldowns (policy_name, last_fired_at)
		VALUES ($1, $2)
		ON CONFLICT (policy_name) DO UPDATE SET last_fired_at = EXCLUDED.last_fired_at`,
		policy.Name, now)
	if err != nil {
		return incident, "", fmt.Errorf("failed to update policy cooldown: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return incident, "", fmt.Errorf("failed to commit trigger transaction: %w", err)
	}

	log.Printf("Opened incident %s (type=%s severity=%d policy=%s)", incident.ID, incident.Type, incident.Severity, policy.Name)
	s.Audit.Emit(db.AuditEntry{
		Actor:    incident.Source,
		Event:    "incident.triggered",
		Entity:   "incident",
		EntityID: incident.ID,
		Meta: map[string]interface{}{
			"type":     incident.Type,
			"severity": incident.Severity,
			"policy":   policy.Name,
			"forced":   req.Force,
		},
	})

	return incident, db.TriggerResultOpen, nil
}

// getOpenByRootHash returns the open incident carrying the hash, if any.
func (s *IncidentService) getOpenByRootHash(ctx context.Context, rootHash string) (*db.Incident, error) {
	row := s.PG.QueryRowContext(ctx, `
		SELECT id, type, severity, source, root_hash, status, policy_name, context, variables, created_at
		FROM incidents
		WHERE root_hash = $1 AND status = 'open'`,
		rootHash)

	incident, err := scanIncidentCore(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open incident by root_hash: %w", err)
	}
	return incident, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncidentCore(row rowScanner) (*db.Incident, error) {
	var incident db.Incident
	var contextJSON, variablesJSON []byte
	err := row.Scan(
		&incident.ID, &incident.Type, &incident.Severity, &incident.Source,
		&incident.RootHash, &incident.Status, &incident.PolicyName,
		&contextJSON, &variablesJSON, &incident.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contextJSON, &incident.Context); err != nil {
		incident.Context = nil
	}
	if err := json.Unmarshal(variablesJSON, &incident.Variables); err != nil {
		incident.Variables = nil
	}
	return &incident, nil
}

// Acknowledge moves an open incident to acknowledged and cancels every
// escalation event still pending at that instant. Events already
// claimed by a dispatcher are left alone: an in-flight send is allowed
// to complete.
func (s *IncidentService) Acknowledge(ctx context.Context, incidentID, actor string) error {
	return s.transition(ctx, incidentID, actor, db.IncidentStatusAcknowledged)
}

// Resolve closes an incident from open or acknowledged, with the same
// pending-event cancellation as Acknowledge.
func (s *IncidentService) Resolve(ctx context.Context, incidentID, actor string) error {
	return s.transition(ctx, incidentID, actor, db.IncidentStatusResolved)
}

func (s *IncidentService) transition(ctx context.Context, incidentID, actor, target string) error {
	if actor == "" {
		return NewEngineError(CodeValidation, "actor is required")
	}

	now := s.now().UTC()

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var result sql.Result
	switch target {
	case db.IncidentStatusAcknowledged:
		result, err = tx.Exec(`
			UPDATE incidents
			SET status = $1, acknowledged_at = $2, acknowledged_by = $3
			WHERE id = $4 AND status = 'open'`,
			target, now, actor, incidentID)
	case db.IncidentStatusResolved:
		result, err = tx.Exec(`
			UPDATE incidents
			SET status = $1, resolved_at = $2, resolved_by = $3
			WHERE id = $4 AND status IN ('open', 'acknowledged')`,
			target, now, actor, incidentID)
	default:
		return NewEngineError(CodeValidation, "unsupported transition to %q", target)
	}
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRow(`SELECT status FROM incidents WHERE id = $1`, incidentID).Scan(&status)
		if err == sql.ErrNoRows {
			return NewEngineError(CodeNotFound, "incident %s not found", incidentID)
		}
		if err != nil {
			return fmt.Errorf("failed to check incident status: %w", err)
		}
		return NewEngineError(CodeAlreadyTerminal, "incident %s is %s, cannot move to %s", incidentID, status, target)
	}

	// Cancellation is a single conditional update scoped to pending
	// rows, so it can never claw back an event a dispatcher already
	// moved to dispatching. Forward-only by construction.
	cancelResult, err := tx.Exec(`
		UPDATE escalation_events
		SET status = $1
		WHERE incident_id = $2 AND status = $3`,
		db.EventStatusCancelled, incidentID, db.EventStatusPending)
	if err != nil {
		return fmt.Errorf("failed to cancel pending escalation events: %w", err)
	}
	cancelled, _ := cancelResult.RowsAffected()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	log.Printf("Incident %s -> %s by %s (%d pending events cancelled)", incidentID, target, actor, cancelled)
	s.Audit.Emit(db.AuditEntry{
		Actor:    actor,
		Event:    "incident." + target,
		Entity:   "incident",
		EntityID: incidentID,
		Meta:     map[string]interface{}{"cancelled_events": cancelled},
	})

	return nil
}

// GetIncident fetches a single incident with operator timestamps.
func (s *IncidentService) GetIncident(ctx context.Context, incidentID string) (db.Incident, error) {
	var incident db.Incident
	var contextJSON, variablesJSON []byte
	var ackAt, resAt sql.NullTime
	var ackBy, resBy sql.NullString

	err := s.PG.QueryRowContext(ctx, `
		SELECT id, type, severity, source, root_hash, status, policy_name, context, variables,
		       created_at, acknowledged_at, acknowledged_by, resolved_at, resolved_by
		FROM incidents
		WHERE id = $1`,
		incidentID).Scan(
		&incident.ID, &incident.Type, &incident.Severity, &incident.Source,
		&incident.RootHash, &incident.Status, &incident.PolicyName,
		&contextJSON, &variablesJSON, &incident.CreatedAt,
		&ackAt, &ackBy, &resAt, &resBy)
	if err == sql.ErrNoRows {
		return incident, NewEngineError(CodeNotFound, "incident %s not found", incidentID)
	}
	if err != nil {
		return incident, fmt.Errorf("failed to get incident: %w", err)
	}

	_ = json.Unmarshal(contextJSON, &incident.Context)
	_ = json.Unmarshal(variablesJSON, &incident.Variables)
	if ackAt.Valid {
		incident.AcknowledgedAt = &ackAt.Time
	}
	if ackBy.Valid {
		incident.AcknowledgedBy = ackBy.String
	}
	if resAt.Valid {
		incident.ResolvedAt = &resAt.Time
	}
	if resBy.Valid {
		incident.ResolvedBy = resBy.String
	}

	return incident, nil
}

// ListOpen returns all open incidents, oldest first.
func (s *IncidentService) ListOpen(ctx context.Context) ([]db.Incident, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, type, severity, source, root_hash, status, policy_name, context, variables, created_at
		FROM incidents
		WHERE status = 'open'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open incidents: %w", err)
	}
	defer rows.Close()

	var incidents []db.Incident
	for rows.Next() {
		incident, err := scanIncidentCore(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, *incident)
	}

	return incidents, rows.Err()
}

// GetEvents returns the incident's escalation events in dispatch order.
func (s *IncidentService) GetEvents(ctx context.Context, incidentID string) ([]db.EscalationEvent, error) {
	rows, err := s.PG.QueryContext(ctx, `
		SELECT id, incident_id, step_level, channel, status, scheduled_at, sent_at, delivered_id, error, created_at
		FROM escalation_events
		WHERE incident_id = $1
		ORDER BY step_level ASC, channel ASC`,
		incidentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation events: %w", err)
	}
	defer rows.Close()

	var events []db.EscalationEvent
	for rows.Next() {
		var event db.EscalationEvent
		var sentAt sql.NullTime
		var deliveredID, errMsg sql.NullString
		if err := rows.Scan(&event.ID, &event.IncidentID, &event.StepLevel, &event.Channel,
			&event.Status, &event.ScheduledAt, &sentAt, &deliveredID, &errMsg, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escalation event: %w", err)
		}
		if sentAt.Valid {
			event.SentAt = &sentAt.Time
		}
		if deliveredID.Valid {
			event.DeliveredID = deliveredID.String
		}
		if errMsg.Valid {
			event.Error = errMsg.String
		}
		events = append(events, event)
	}

	if len(events) == 0 {
		// Distinguish "no events" from "no incident".
		var exists bool
		if err := s.PG.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM incidents WHERE id = $1)`, incidentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check incident existence: %w", err)
		}
		if !exists {
			return nil, NewEngineError(CodeNotFound, "incident %s not found", incidentID)
		}
	}

	return events, rows.Err()
}
