// Package models contains the shared domain models of the capacity market:
// products, price intents, trade templates and executed transactions.
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Direction tells which side of the market a price intent belongs to.
type Direction string

const (
	// DirectionPub is the supply side: offers capacity at a price.
	DirectionPub Direction = "pub"
	// DirectionSub is the demand side: requests capacity at a price.
	DirectionSub Direction = "sub"
)

// Valid reports whether the direction is one of the two known sides.
func (d Direction) Valid() bool {
	return d == DirectionPub || d == DirectionSub
}

// Product identifies a negotiable computation problem. Immutable once created.
type Product struct {
	ID      uuid.UUID       `json:"id"`
	Problem json.RawMessage `json:"problem"`
}

// PriceItem is one outstanding pub/sub intent inside a product's histogram.
// The ID is the owning pub's or sub's ID, not a separate identity.
type PriceItem struct {
	ID        uuid.UUID `json:"id"`
	Direction Direction `json:"direction"`
	Cost      int64     `json:"cost"`
	Count     uint64    `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceHistogram is the set of outstanding intents for one product.
// Order is irrelevant; the solver re-sorts it on every pass.
type PriceHistogram []PriceItem

// TransactionTemplate is one proposed match between a pub and a sub.
type TransactionTemplate struct {
	PubID uuid.UUID `json:"pub"`
	SubID uuid.UUID `json:"sub"`
	Cost  int64     `json:"cost"`
	Count uint64    `json:"count"`
}

// TaskState is the lifecycle state of one side of an executed trade.
type TaskState string

const (
	TaskRunning   TaskState = "Running"
	TaskCompleted TaskState = "Completed"
	TaskFailed    TaskState = "Failed"
)

// Terminal reports whether the state can no longer change.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskSpec is one side's execution record. Created Running at commit time;
// moves to a terminal state exactly once.
type TaskSpec struct {
	Timestamp time.Time `json:"timestamp"`
	State     TaskState `json:"state"`
}

// TransactionSpec is a committed, executing trade. The template is final at
// commit; the two task specs transition independently as callbacks resolve.
type TransactionSpec struct {
	ID        uuid.UUID           `json:"id"`
	ProductID uuid.UUID           `json:"productId"`
	Template  TransactionTemplate `json:"template"`
	Timestamp time.Time           `json:"timestamp"`
	PubSpec   TaskSpec            `json:"pub"`
	SubSpec   TaskSpec            `json:"sub"`
}

// TransactionReceipt is the payload POSTed to a side's registered webhook.
type TransactionReceipt struct {
	ID       uuid.UUID           `json:"id"`
	Template TransactionTemplate `json:"template"`
	Outcome  string              `json:"outcome"`
}

// Page is a keyset pagination request. Start is exclusive; a response shorter
// than Limit signals the end of the stream.
type Page struct {
	Start *uuid.UUID `json:"start,omitempty"`
	Limit int        `json:"limit"`
}

// DefaultPageLimit bounds a page when the caller does not set one.
const DefaultPageLimit = 100

// Normalize clamps the limit into a sane range.
func (p Page) Normalize() Page {
	if p.Limit <= 0 || p.Limit > DefaultPageLimit {
		p.Limit = DefaultPageLimit
	}
	return p
}

// Failure taxonomy of the transaction state machine. Commit-time errors
// (ErrEmptyCount, ErrOutOfPub, ErrOutOfSub) abort a single transaction and
// never commit; function errors happen after commit and are recorded against
// the affected side only.
var (
	ErrEmptyCount        = errors.New("requested count is zero or negative")
	ErrOutOfPub          = errors.New("this pub is out of stock")
	ErrOutOfSub          = errors.New("this sub is out of stock")
	ErrFunctionFailedPub = errors.New("the transaction succeeded, but failed to call pub function")
	ErrFunctionFailedSub = errors.New("the transaction succeeded, but failed to call sub function")
	ErrTransactionFailed = errors.New("internal transaction error")
)

// PubSpec describes a registered supply-side intent: price, quantity and the
// webhook invoked when a matched trade settles.
type PubSpec struct {
	Cost     int64       `json:"cost"`
	Count    uint64      `json:"count"`
	Function WebhookSpec `json:"function"`
}

// SubSpec describes a registered demand-side intent.
type SubSpec struct {
	Cost     int64       `json:"cost"`
	Count    uint64      `json:"count"`
	Function WebhookSpec `json:"function"`
}

// WebhookSpec is a side's registered callback endpoint.
type WebhookSpec struct {
	Endpoint string `json:"endpoint"`
}
