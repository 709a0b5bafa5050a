package workers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sirenlabs/siren/db"
	"github.com/sirenlabs/siren/senders"
	"github.com/sirenlabs/siren/services"
)

// DispatchWorker is the pull-based escalation scheduler: it polls for
// escalation events whose scheduled_at has passed, claims each one with
// an atomic pending->dispatching update, and dispatches claimed events
// concurrently through the channel senders. Because timers live in
// persisted scheduled_at rows rather than in-process callbacks, the
// schedule survives restarts and multiple workers can poll at once.
type DispatchWorker struct {
	PG        *sql.DB
	Registry  *senders.Registry
	Templates *services.TemplateService
	Audit     *services.AuditService

	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
}

func NewDispatchWorker(pg *sql.DB, registry *senders.Registry, templates *services.TemplateService, audit *services.AuditService) *DispatchWorker {
	return &DispatchWorker{
		PG:           pg,
		Registry:     registry,
		Templates:    templates,
		Audit:        audit,
		PollInterval: 15 * time.Second,
		BatchSize:    50,
		SendTimeout:  10 * time.Second,
	}
}

// dueEvent is one claimed escalation event plus the incident fields the
// dispatch path needs.
type dueEvent struct {
	db.EscalationEvent
	IncidentType string
	Severity     int
	Source       string
	Context      map[string]interface{}
	Variables    map[string]interface{}
}

// Start runs the polling loop until the context is cancelled.
func (w *DispatchWorker) Start(ctx context.Context) {
	log.Printf("Dispatch worker started (poll every %s, batch %d)", w.PollInterval, w.BatchSize)

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Dispatch worker stopping")
			return
		case <-ticker.C:
			w.DispatchDue(ctx)
		}
	}
}

// DispatchDue processes one batch of due events. Each claimed event is
// dispatched in its own goroutine so a slow provider never blocks the
// rest of the batch; the call returns once the batch has settled.
func (w *DispatchWorker) DispatchDue(ctx context.Context) {
	due, err := w.fetchDueEvents(ctx)
	if err != nil {
		log.Printf("Dispatch worker: failed to fetch due events: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}

	log.Printf("Dispatch worker: %d events due", len(due))

	var wg sync.WaitGroup
	for _, event := range due {
		claimed, err := w.claim(ctx, event.ID)
		if err != nil {
			log.Printf("Dispatch worker: failed to claim event %s: %v", event.ID, err)
			continue
		}
		if !claimed {
			// Another worker won, or an operator cancelled it first.
			continue
		}

		wg.Add(1)
		go func(ev dueEvent) {
			defer wg.Done()
			w.dispatch(ctx, ev)
		}(event)
	}
	wg.Wait()
}

// fetchDueEvents finds pending events whose time has come and whose
// incident is still open. Events of acknowledged/resolved incidents are
// cancelled by the state machine, never dispatched.
func (w *DispatchWorker) fetchDueEvents(ctx context.Context) ([]dueEvent, error) {
	query := `
		SELECT e.id, e.incident_id, e.step_level, e.channel, e.scheduled_at,
		       i.type, i.severity, i.source, i.context, i.variables
		FROM escalation_events e
		JOIN incidents i ON i.id = e.incident_id
		WHERE e.status = 'pending'
		  AND e.scheduled_at <= NOW()
		  AND i.status = 'open'
		ORDER BY e.scheduled_at ASC
		LIMIT $1
		FOR UPDATE OF e SKIP LOCKED`

	rows, err := w.PG.QueryContext(ctx, query, w.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []dueEvent
	for rows.Next() {
		var ev dueEvent
		var contextJSON, variablesJSON []byte
		err := rows.Scan(&ev.ID, &ev.IncidentID, &ev.StepLevel, &ev.Channel, &ev.ScheduledAt,
			&ev.IncidentType, &ev.Severity, &ev.Source, &contextJSON, &variablesJSON)
		if err != nil {
			log.Printf("Dispatch worker: error scanning due event: %v", err)
			continue
		}
		if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
			ev.Context = nil
		}
		if err := json.Unmarshal(variablesJSON, &ev.Variables); err != nil {
			ev.Variables = nil
		}
		due = append(due, ev)
	}

	return due, rows.Err()
}

// claim moves one event pending->dispatching. Exactly one worker wins
// the conditional update; an event cancelled in the meantime is not
// claimable, and a claimed event can no longer be cancelled.
func (w *DispatchWorker) claim(ctx context.Context, eventID string) (bool, error) {
	result, err := w.PG.ExecContext(ctx, `
		UPDATE escalation_events
		SET status = $1
		WHERE id = $2 AND status = $3`,
		db.EventStatusDispatching, eventID, db.EventStatusPending)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// dispatch sends one claimed event and records the outcome. Failures
// are persisted on the event for operator visibility; the engine does
// not retry a failed send within the same step.
func (w *DispatchWorker) dispatch(ctx context.Context, ev dueEvent) {
	sendCtx, cancel := context.WithTimeout(ctx, w.SendTimeout)
	defer cancel()

	result, err := w.send(sendCtx, ev)
	if err != nil {
		log.Printf("Dispatch worker: event %s (%s, step %d) failed: %v", ev.ID, ev.Channel, ev.StepLevel, err)
		w.recordOutcome(ev.ID, db.EventStatusFailed, "", err.Error())
		w.emitAudit(ev, db.EventStatusFailed, err.Error())
		return
	}

	log.Printf("Dispatch worker: event %s sent via %s (delivered_id=%s)", ev.ID, ev.Channel, result.DeliveredID)
	w.recordOutcome(ev.ID, db.EventStatusSent, result.DeliveredID, "")
	w.emitAudit(ev, db.EventStatusSent, "")
}

func (w *DispatchWorker) send(ctx context.Context, ev dueEvent) (db.SendResult, error) {
	sender, err := w.Registry.Get(ev.Channel)
	if err != nil {
		return db.SendResult{}, err
	}

	contact, err := resolveContact(ev)
	if err != nil {
		return db.SendResult{}, err
	}

	payload, err := w.Templates.BuildPayload(ctx, ev.Channel, contact, ev.IncidentType, ev.Variables)
	if err != nil {
		return db.SendResult{}, err
	}

	return sender.Send(ctx, contact, payload)
}

// resolveContact picks the notification target for a channel from the
// incident context: a per-channel "contacts" map first, then the plain
// "contact" fallback.
func resolveContact(ev dueEvent) (string, error) {
	if contacts, ok := ev.Context["contacts"].(map[string]interface{}); ok {
		if c, ok := contacts[ev.Channel].(string); ok && c != "" {
			return c, nil
		}
	}
	if c, ok := ev.Context["contact"].(string); ok && c != "" {
		return c, nil
	}
	return "", services.NewEngineError(services.CodeInvalidContact,
		"incident %s has no contact for channel %s", ev.IncidentID, ev.Channel)
}

// recordOutcome persists the dispatch result on the event row. Uses a
// background context: an outcome must be recorded even when the batch
// context is already gone.
func (w *DispatchWorker) recordOutcome(eventID, status, deliveredID, errMsg string) {
	_, err := w.PG.ExecContext(context.Background(), `
		UPDATE escalation_events
		SET status = $1,
		    sent_at = CASE WHEN $1 = 'sent' THEN NOW() ELSE NULL END,
		    delivered_id = NULLIF($2, ''),
		    error = NULLIF($3, '')
		WHERE id = $4 AND status = $5`,
		status, deliveredID, errMsg, eventID, db.EventStatusDispatching)
	if err != nil {
		log.Printf("Dispatch worker: failed to record outcome for event %s: %v", eventID, err)
	}
}

func (w *DispatchWorker) emitAudit(ev dueEvent, status, errMsg string) {
	meta := map[string]interface{}{
		"incident_id": ev.IncidentID,
		"step_level":  ev.StepLevel,
		"channel":     ev.Channel,
		"status":      status,
	}
	if errMsg != "" {
		meta["error"] = errMsg
	}
	w.Audit.Emit(db.AuditEntry{
		Actor:    "dispatcher",
		Event:    fmt.Sprintf("escalation.dispatch.%s", status),
		Entity:   "escalation_event",
		EntityID: ev.ID,
		Meta:     meta,
	})
}
