package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/clustermesh/capmarket/pkg/models"
)

// Product is the persisted form of a negotiable problem.
type Product struct {
	ID            uuid.UUID `gorm:"primaryKey;type:uuid"`
	Problem       string    `gorm:"type:text"`
	ProblemDigest string    `gorm:"uniqueIndex;size:64"`
	CreatedAt     time.Time
}

// Price is one outstanding pub/sub intent. Pubs and subs share the table,
// distinguished by direction; the row id doubles as the pub/sub id.
type Price struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid"`
	ProductID uuid.UUID `gorm:"type:uuid;index"`
	Direction string    `gorm:"size:8"`
	Cost      int64
	Count     uint64
	Spec      string `gorm:"type:text"` // JSON-encoded webhook function spec
	CreatedAt time.Time
}

// Transaction is a committed trade with independently tracked side states.
type Transaction struct {
	ID           uuid.UUID `gorm:"primaryKey;type:uuid"`
	ProductID    uuid.UUID `gorm:"type:uuid;index"`
	PubID        uuid.UUID `gorm:"type:uuid"`
	SubID        uuid.UUID `gorm:"type:uuid"`
	Cost         int64
	Count        uint64
	CreatedAt    time.Time
	PubState     string `gorm:"size:16"`
	PubTimestamp time.Time
	SubState     string `gorm:"size:16"`
	SubTimestamp time.Time
}

func (p Product) toModel() models.Product {
	return models.Product{ID: p.ID, Problem: json.RawMessage(p.Problem)}
}

func (p Price) toItem() models.PriceItem {
	return models.PriceItem{
		ID:        p.ID,
		Direction: models.Direction(p.Direction),
		Cost:      p.Cost,
		Count:     p.Count,
		Timestamp: p.CreatedAt,
	}
}

func (t Transaction) toSpec() models.TransactionSpec {
	return models.TransactionSpec{
		ID:        t.ID,
		ProductID: t.ProductID,
		Template: models.TransactionTemplate{
			PubID: t.PubID,
			SubID: t.SubID,
			Cost:  t.Cost,
			Count: t.Count,
		},
		Timestamp: t.CreatedAt,
		PubSpec:   models.TaskSpec{Timestamp: t.PubTimestamp, State: models.TaskState(t.PubState)},
		SubSpec:   models.TaskSpec{Timestamp: t.SubTimestamp, State: models.TaskState(t.SubState)},
	}
}
