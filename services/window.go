package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

// windowDuration is the messaging-platform free-form reply window.
const windowDuration = 24 * time.Hour

// ConversationWindowService tracks the WhatsApp 24h customer-contact
// window per contact. Postgres is authoritative; Redis is a read-through
// cache of the last inbound timestamp.
type ConversationWindowService struct {
	PG    *sql.DB
	Redis *redis.Client
	now   func() time.Time
}

func NewConversationWindowService(pg *sql.DB, redis *redis.Client) *ConversationWindowService {
	return &ConversationWindowService{PG: pg, Redis: redis, now: time.Now}
}

func (s *ConversationWindowService) cacheKey(contactID string) string {
	return "siren:window:" + contactID
}

// RecordInbound marks a customer message and resets the 24h clock.
// This is the only operation that extends the window.
func (s *ConversationWindowService) RecordInbound(ctx context.Context, contactID string) error {
	if contactID == "" {
		return NewEngineError(CodeValidation, "contact_id is required")
	}

	now := s.now().UTC()
	query := `
		INSERT INTO conversation_windows (contact_id, last_customer_message_at)
		VALUES ($1, $2)
		ON CONFLICT (contact_id)
		DO UPDATE SET last_customer_message_at = EXCLUDED.last_customer_message_at`

	if _, err := s.PG.ExecContext(ctx, query, contactID, now); err != nil {
		return fmt.Errorf("failed to record inbound message: %w", err)
	}

	if s.Redis != nil {
		if err := s.Redis.Set(ctx, s.cacheKey(contactID), now.Format(time.RFC3339Nano), windowDuration).Err(); err != nil {
			log.Printf("window: failed to cache inbound timestamp for %s: %v", contactID, err)
		}
	}

	return nil
}

// RecordOutbound tracks a business message for bookkeeping. It never
// extends the window.
func (s *ConversationWindowService) RecordOutbound(ctx context.Context, contactID string) error {
	if contactID == "" {
		return NewEngineError(CodeValidation, "contact_id is required")
	}

	query := `
		INSERT INTO conversation_windows (contact_id, last_business_message_at)
		VALUES ($1, $2)
		ON CONFLICT (contact_id)
		DO UPDATE SET last_business_message_at = EXCLUDED.last_business_message_at`

	if _, err := s.PG.ExecContext(ctx, query, contactID, s.now().UTC()); err != nil {
		return fmt.Errorf("failed to record outbound message: %w", err)
	}

	return nil
}

// IsWithinWindow reports whether a free-form WhatsApp message to the
// contact is currently compliant: true iff the last inbound customer
// message is less than 24h old. A contact that never wrote in is
// always outside the window.
func (s *ConversationWindowService) IsWithinWindow(ctx context.Context, contactID string) (bool, error) {
	// Cache hit: key TTL equals the window, so its presence alone is
	// not enough; the stored timestamp decides.
	if s.Redis != nil {
		val, err := s.Redis.Get(ctx, s.cacheKey(contactID)).Result()
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339Nano, val); perr == nil {
				return s.now().UTC().Sub(ts) < windowDuration, nil
			}
		} else if err != redis.Nil {
			log.Printf("window: cache lookup failed for %s: %v", contactID, err)
		}
	}

	var lastInbound sql.NullTime
	query := `SELECT last_customer_message_at FROM conversation_windows WHERE contact_id = $1`
	err := s.PG.QueryRowContext(ctx, query, contactID).Scan(&lastInbound)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query conversation window: %w", err)
	}
	if !lastInbound.Valid {
		return false, nil
	}

	return s.now().UTC().Sub(lastInbound.Time.UTC()) < windowDuration, nil
}

// GetWindow returns the raw window row for operator visibility.
func (s *ConversationWindowService) GetWindow(ctx context.Context, contactID string) (lastInbound, lastOutbound *time.Time, err error) {
	var in, out sql.NullTime
	query := `SELECT last_customer_message_at, last_business_message_at FROM conversation_windows WHERE contact_id = $1`
	err = s.PG.QueryRowContext(ctx, query, contactID).Scan(&in, &out)
	if err == sql.ErrNoRows {
		return nil, nil, NewEngineError(CodeNotFound, "no conversation recorded for contact %s", contactID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query conversation window: %w", err)
	}
	if in.Valid {
		lastInbound = &in.Time
	}
	if out.Valid {
		lastOutbound = &out.Time
	}
	return lastInbound, lastOutbound, nil
}
