package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Order is both the stored record and the wire payload; field names here are
// the ones published to and consumed from the bus.
type Order struct {
	ID          string    `json:"id"`
	CustomerID  string    `json:"customerId"`
	ProductName string    `json:"productName"`
	Quantity    int       `json:"quantity"`
	TotalAmount float64   `json:"totalAmount"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// CreateOrderRequest is the caller-supplied part of an order.
type CreateOrderRequest struct {
	CustomerID  string  `json:"customerId"`
	ProductName string  `json:"productName"`
	Quantity    int     `json:"quantity"`
	TotalAmount float64 `json:"totalAmount"`
}

var ErrMalformedPayload = errors.New("malformed order payload")

// NewOrder allocates a fresh id and stamps the order CREATED at now.
func NewOrder(req CreateOrderRequest, now time.Time) Order {
	return Order{
		ID:          uuid.NewString(),
		CustomerID:  req.CustomerID,
		ProductName: req.ProductName,
		Quantity:    req.Quantity,
		TotalAmount: req.TotalAmount,
		Status:      StatusCreated,
		CreatedAt:   now.UTC(),
	}
}

// WithStatus returns a copy of o moved to s. updatedAt is kept strictly after
// both the previous updatedAt and createdAt even if the clock stalls.
func (o Order) WithStatus(s Status, now time.Time) Order {
	now = now.UTC()
	floor := o.CreatedAt
	if o.UpdatedAt.After(floor) {
		floor = o.UpdatedAt
	}
	if !now.After(floor) {
		now = floor.Add(time.Microsecond)
	}
	o.Status = s
	o.UpdatedAt = now
	return o
}
