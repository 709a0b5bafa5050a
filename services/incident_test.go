package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirenlabs/siren/db"
)

const criticalSteps = `[
	{"level":1,"delay_seconds":0,"channels":["email","sms"]},
	{"level":2,"delay_seconds":300,"channels":["whatsapp"]},
	{"level":3,"delay_seconds":600,"channels":["voice"]}
]`

func newTestIncidentService(t *testing.T) (*IncidentService, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	svc := NewIncidentService(conn, NewEscalationService(conn), NewAuditService(nil, ""))
	return svc, mock
}

func policyRows(cooldownSeconds int, enabled bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"name", "enabled", "cooldown_seconds", "steps", "created_at", "updated_at", "created_by",
	}).AddRow("Critical", enabled, cooldownSeconds, criticalSteps, time.Now(), time.Now(), "ops")
}

func TestComputeRootHash(t *testing.T) {
	ctxA := map[string]interface{}{"service": "payments", "region": "eu", "noise": "x"}
	ctxB := map[string]interface{}{"noise": "y", "region": "eu", "service": "payments"}

	t.Run("StableAcrossMapOrdering", func(t *testing.T) {
		a := ComputeRootHash("payment_failure", ctxA, []string{"service", "region"})
		b := ComputeRootHash("payment_failure", ctxB, []string{"region", "service"})
		assert.Equal(t, a, b)
	})

	t.Run("TypeChangesHash", func(t *testing.T) {
		a := ComputeRootHash("payment_failure", ctxA, []string{"service"})
		b := ComputeRootHash("db_down", ctxA, []string{"service"})
		assert.NotEqual(t, a, b)
	})

	t.Run("KeySubsetIgnoresOtherKeys", func(t *testing.T) {
		a := ComputeRootHash("payment_failure", ctxA, []string{"service", "region"})
		b := ComputeRootHash("payment_failure", ctxB, []string{"service", "region"})
		assert.Equal(t, a, b, "keys outside the configured subset must not affect the hash")
	})

	t.Run("AllKeysWhenUnconfigured", func(t *testing.T) {
		a := ComputeRootHash("payment_failure", ctxA, nil)
		b := ComputeRootHash("payment_failure", ctxB, nil)
		assert.NotEqual(t, a, b, "differing noise key must change the hash when all keys are hashed")
	})
}

func TestTrigger_OpensIncidentAndSchedulesEvents(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))

	// No open incident with the same signature
	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	// No previous cooldown row
	mock.ExpectQuery("SELECT last_fired_at FROM policy_cooldowns").
		WithArgs("Critical").
		WillReturnRows(sqlmock.NewRows([]string{"last_fired_at"}))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("new-id"))
	// 4 events: L1 email+sms, L2 whatsapp, L3 voice
	for i := 0; i < 4; i++ {
		mock.ExpectExec("INSERT INTO escalation_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO policy_cooldowns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	incident, status, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "payment_failure",
		Severity:   2,
		Source:     "monitor",
		PolicyName: "Critical",
		Context:    map[string]interface{}{"service": "payments"},
	})

	require.NoError(t, err)
	assert.Equal(t, db.TriggerResultOpen, status)
	assert.Equal(t, db.IncidentStatusOpen, incident.Status)
	assert.NotEmpty(t, incident.RootHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrigger_DuplicateWithinWindow(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	now := time.Now().UTC()
	svc.now = func() time.Time { return now }

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))

	openRows := sqlmock.NewRows([]string{
		"id", "type", "severity", "source", "root_hash", "status", "policy_name", "context", "variables", "created_at",
	}).AddRow("existing-id", "payment_failure", 2, "monitor", "abc", "open", "Critical", "{}", "{}", now.Add(-10*time.Second))
	mock.ExpectQuery("SELECT (.+) FROM incidents").WillReturnRows(openRows)

	incident, status, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "payment_failure",
		Severity:   2,
		PolicyName: "Critical",
		Context:    map[string]interface{}{"service": "payments"},
	})

	require.NoError(t, err)
	assert.Equal(t, db.TriggerResultDuplicate, status)
	assert.Equal(t, "existing-id", incident.ID)
	assert.NoError(t, mock.ExpectationsWereMet(), "duplicate must not reach the insert path")
}

func TestTrigger_CooldownActive(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	now := time.Now().UTC()
	svc.now = func() time.Time { return now }

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))
	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT last_fired_at FROM policy_cooldowns").
		WithArgs("Critical").
		WillReturnRows(sqlmock.NewRows([]string{"last_fired_at"}).AddRow(now.Add(-30 * time.Minute)))

	_, _, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "disk_full",
		Severity:   3,
		PolicyName: "Critical",
	})

	require.Error(t, err)
	assert.Equal(t, CodeCooldownActive, CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrigger_CooldownExpiredAccepts(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	now := time.Now().UTC()
	svc.now = func() time.Time { return now }

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))
	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// Fired just past the cooldown horizon
	mock.ExpectQuery("SELECT last_fired_at FROM policy_cooldowns").
		WithArgs("Critical").
		WillReturnRows(sqlmock.NewRows([]string{"last_fired_at"}).AddRow(now.Add(-3601 * time.Second)))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("new-id"))
	for i := 0; i < 4; i++ {
		mock.ExpectExec("INSERT INTO escalation_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO policy_cooldowns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, status, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "disk_full",
		Severity:   3,
		PolicyName: "Critical",
	})

	require.NoError(t, err)
	assert.Equal(t, db.TriggerResultOpen, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrigger_Severity1BypassesCooldown(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))
	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	// No cooldown read expected for severity 1

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("crit-id"))
	for i := 0; i < 4; i++ {
		mock.ExpectExec("INSERT INTO escalation_events").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO policy_cooldowns").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, status, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "payment_failure",
		Severity:   1,
		PolicyName: "Critical",
	})

	require.NoError(t, err)
	assert.Equal(t, db.TriggerResultOpen, status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrigger_InsertLosesRaceReportsDuplicate(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, true))
	mock.ExpectQuery("SELECT (.+) FROM incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT last_fired_at FROM policy_cooldowns").
		WillReturnRows(sqlmock.NewRows([]string{"last_fired_at"}))

	mock.ExpectBegin()
	// ON CONFLICT DO NOTHING: no row returned means another trigger won
	mock.ExpectQuery("INSERT INTO incidents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	winner := sqlmock.NewRows([]string{
		"id", "type", "severity", "source", "root_hash", "status", "policy_name", "context", "variables", "created_at",
	}).AddRow("winner-id", "payment_failure", 2, "monitor", "abc", "open", "Critical", "{}", "{}", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM incidents").WillReturnRows(winner)

	incident, status, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "payment_failure",
		Severity:   2,
		PolicyName: "Critical",
	})

	require.NoError(t, err)
	assert.Equal(t, db.TriggerResultDuplicate, status)
	assert.Equal(t, "winner-id", incident.ID)
}

func TestTrigger_UnknownPolicyFailsValidation(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	_, _, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "x",
		Severity:   2,
		PolicyName: "ghost",
	})

	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestTrigger_DisabledPolicyFailsValidation(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_policies").
		WithArgs("Critical").
		WillReturnRows(policyRows(3600, false))

	_, _, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "x",
		Severity:   2,
		PolicyName: "Critical",
	})

	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestTrigger_InvalidSeverity(t *testing.T) {
	svc, _ := newTestIncidentService(t)

	_, _, err := svc.Trigger(context.Background(), db.TriggerIncidentRequest{
		Type:       "x",
		Severity:   7,
		PolicyName: "Critical",
	})

	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestAcknowledge_CancelsPendingEvents(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE incidents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE escalation_events").
		WithArgs(db.EventStatusCancelled, "inc-1", db.EventStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := svc.Acknowledge(context.Background(), "inc-1", "alice")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcknowledge_NotFound(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE incidents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM incidents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	err := svc.Acknowledge(context.Background(), "missing", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}

func TestAcknowledge_AlreadyTerminal(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE incidents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM incidents").
		WithArgs("inc-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("resolved"))
	mock.ExpectRollback()

	err := svc.Acknowledge(context.Background(), "inc-1", "alice")
	require.Error(t, err)
	assert.Equal(t, CodeAlreadyTerminal, CodeOf(err))
}

func TestResolve_FromAcknowledged(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE incidents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE escalation_events").
		WithArgs(db.EventStatusCancelled, "inc-1", db.EventStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := svc.Resolve(context.Background(), "inc-1", "bob")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransition_RequiresActor(t *testing.T) {
	svc, _ := newTestIncidentService(t)

	err := svc.Acknowledge(context.Background(), "inc-1", "")
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
}

func TestGetEvents_NotFound(t *testing.T) {
	svc, mock := newTestIncidentService(t)

	mock.ExpectQuery("SELECT (.+) FROM escalation_events").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := svc.GetEvents(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, CodeOf(err))
}
