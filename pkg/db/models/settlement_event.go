package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// SettlementEvent is the processed marker for an inbound provider event. It
// is written only after the event's critical side effects have committed, so
// a delivery that failed midway leaves no marker and is safe to reprocess
// from scratch.
type SettlementEvent struct {
	ID              uuid.UUID                 `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Provider        enums.Provider            `gorm:"column:provider;type:settlement_provider;not null;index:idx_settlement_events_provider_eid,unique"`
	ProviderEventID string                    `gorm:"column:provider_event_id;not null;index:idx_settlement_events_provider_eid,unique"`
	Kind            enums.SettlementEventKind `gorm:"column:kind;type:settlement_event_kind;not null"`
	ProcessedAt     time.Time                 `gorm:"column:processed_at;not null"`
	CreatedAt       time.Time                 `gorm:"column:created_at;autoCreateTime"`
}
