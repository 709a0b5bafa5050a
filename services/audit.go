package services

import (
	"context"
	"encoding/json"
	"log"

	"github.com/go-redis/redis/v8"

	"github.com/sirenlabs/siren/db"
)

// AuditService publishes append-only audit entries to an external sink.
// Siren is a producer of that store, never its owner: entries go to a
// Redis stream the sink consumes. Without Redis the entry is only logged.
type AuditService struct {
	Redis  *redis.Client
	Stream string
}

func NewAuditService(redis *redis.Client, stream string) *AuditService {
	if stream == "" {
		stream = "siren:audit"
	}
	return &AuditService{Redis: redis, Stream: stream}
}

// Emit records one audit entry. Audit emission is best-effort and must
// never fail the operation that produced it.
func (s *AuditService) Emit(entry db.AuditEntry) {
	metaJSON, err := json.Marshal(entry.Meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	log.Printf("audit: actor=%s event=%s entity=%s id=%s", entry.Actor, entry.Event, entry.Entity, entry.EntityID)

	if s.Redis == nil {
		return
	}

	err = s.Redis.XAdd(context.Background(), &redis.XAddArgs{
		Stream: s.Stream,
		Values: map[string]interface{}{
			"actor":     entry.Actor,
			"event":     entry.Event,
			"entity":    entry.Entity,
			"entity_id": entry.EntityID,
			"meta":      string(metaJSON),
		},
	}).Err()
	if err != nil {
		log.Printf("audit: failed to publish entry to stream %s: %v", s.Stream, err)
	}
}
