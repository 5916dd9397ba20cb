package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/cadence-backend/pkg/enums"
)

// CreditLedgerEntry is one atomic, signed balance change. Entries are
// append-only: never updated, never deleted. A customer's balance is always
// the sum of Delta over their entries and may legitimately be negative.
type CreditLedgerEntry struct {
	ID         uuid.UUID          `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	CustomerID uuid.UUID          `gorm:"column:customer_id;type:uuid;not null;index"`
	Delta      int64              `gorm:"column:delta;not null"`
	Source     enums.LedgerSource `gorm:"column:source;type:ledger_source;not null"`
	SourceID   *uuid.UUID         `gorm:"column:source_id;type:uuid"`
	Note       *string            `gorm:"column:note"`
	CreatedAt  time.Time          `gorm:"column:created_at;autoCreateTime"`
}
