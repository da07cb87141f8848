// Package deliverer holds the deliverer entity. Rows are created by the registration
// collaborator; this core only reads them and tracks delivery capacity.
package deliverer

import (
	"errors"
	"fmt"
	"time"

	"ordercore/domain/shared"

	"github.com/shopspring/decimal"
)

// Status 配送员状态
type Status string

const (
	StatusAvailable  Status = "Available"
	StatusDelivering Status = "Delivering"
	StatusOffline    Status = "Offline"
)

var (
	// ErrUnavailable 配送员离线或已满载
	ErrUnavailable = errors.New("deliverer cannot accept more deliveries")
)

// Deliverer 配送员，与角色为 Deliverer 的用户一一对应
type Deliverer struct {
	shared.Model

	UserID                  int64           `gorm:"not null;uniqueIndex" json:"user_id"`
	Location                string          `gorm:"size:255" json:"location"`
	Latitude                float64         `json:"latitude"`
	Longitude               float64         `json:"longitude"`
	Status                  Status          `gorm:"size:20;not null;index" json:"status"`
	Rating                  decimal.Decimal `gorm:"type:decimal(3,2);not null;default:0" json:"rating"`
	DeliveryCount           int             `gorm:"not null;default:0" json:"delivery_count"`
	MaxConcurrentDeliveries int             `gorm:"not null;default:1" json:"max_concurrent_deliveries"`
	ActiveDeliveries        int             `gorm:"not null;default:0" json:"active_deliveries"`
}

func (Deliverer) TableName() string { return "deliverers" }

func (*Deliverer) EntityName() string { return "deliverer" }

// CanAccept reports whether the deliverer has spare capacity and is on shift.
func (d *Deliverer) CanAccept() bool {
	if d.Status == StatusOffline {
		return false
	}
	return d.ActiveDeliveries < d.capacity()
}

// Accept takes one more delivery; the deliverer becomes Delivering at capacity.
func (d *Deliverer) Accept(now time.Time) error {
	if !d.CanAccept() {
		return fmt.Errorf("deliverer %d: %w: %w", d.ID, ErrUnavailable, shared.ErrConflict)
	}
	d.ActiveDeliveries++
	if d.ActiveDeliveries >= d.capacity() {
		d.Status = StatusDelivering
	}
	d.UpdatedAt = shared.NextTimestamp(d.UpdatedAt, now)
	return nil
}

// Release ends one delivery; delivered counts toward DeliveryCount.
func (d *Deliverer) Release(delivered bool, now time.Time) {
	if d.ActiveDeliveries > 0 {
		d.ActiveDeliveries--
	}
	if delivered {
		d.DeliveryCount++
	}
	if d.Status == StatusDelivering && d.ActiveDeliveries < d.capacity() {
		d.Status = StatusAvailable
	}
	d.UpdatedAt = shared.NextTimestamp(d.UpdatedAt, now)
}

func (d *Deliverer) capacity() int {
	if d.MaxConcurrentDeliveries <= 0 {
		return 1
	}
	return d.MaxConcurrentDeliveries
}

var _ shared.Entity = (*Deliverer)(nil)
