package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// LotFilter narrows ListLots.
type LotFilter struct {
	ProductID  *uuid.UUID
	LocationID *uuid.UUID
	Status     string
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	LotID      *uuid.UUID
	ProductID  *uuid.UUID
	LocationID *uuid.UUID
	Status     string
}

// WasteFilter narrows ListWaste.
type WasteFilter struct {
	LotID      *uuid.UUID
	SessionID  *uuid.UUID
	ProductID  *uuid.UUID
	LocationID *uuid.UUID
	Reason     string
	From       *time.Time
	To         *time.Time
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Type       string
	Severity   string
	Status     string
	ProductID  *uuid.UUID
	LotID      *uuid.UUID
	SessionID  *uuid.UUID
	LocationID *uuid.UUID
}

type LotRepository interface {
	Create(ctx context.Context, l *Lot) error
	GetByID(ctx context.Context, id uuid.UUID) (*Lot, error)
	GetByLotNumber(ctx context.Context, productID, locationID uuid.UUID, lotNumber string) (*Lot, error)
	// Update is compare-and-swap on the lot's version; it returns
	// ErrConcurrencyConflict when the stored version has moved on.
	Update(ctx context.Context, l *Lot) error
	List(ctx context.Context, f LotFilter, limit, offset int) ([]*Lot, int, error)
	// ListByProduct returns non-terminal lots for a product at a location,
	// earliest expiration first. Used for FEFO selection and stock rollups.
	ListByProduct(ctx context.Context, productID, locationID uuid.UUID) ([]*Lot, error)
	ListExpiring(ctx context.Context, before time.Time, locationID *uuid.UUID) ([]*Lot, error)
}

type TransactionRepository interface {
	Append(ctx context.Context, t *InventoryTransaction) error
	ListByLot(ctx context.Context, lotID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error)
	// ListAllByLot returns the complete history for a lot, oldest first.
	// Used by ledger verification, which must fold every entry.
	ListAllByLot(ctx context.Context, lotID uuid.UUID) ([]*InventoryTransaction, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*InventoryTransaction, error)
}

type SessionRepository interface {
	Create(ctx context.Context, s *OpenVialSession) error
	GetByID(ctx context.Context, id uuid.UUID) (*OpenVialSession, error)
	// Update is compare-and-swap on the session's version.
	Update(ctx context.Context, s *OpenVialSession) error
	List(ctx context.Context, f SessionFilter, limit, offset int) ([]*OpenVialSession, int, error)
	ListActiveByLot(ctx context.Context, lotID uuid.UUID) ([]*OpenVialSession, error)
}

type UsageRepository interface {
	Create(ctx context.Context, u *VialUsageRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*VialUsageRecord, error)
}

type WasteRepository interface {
	Create(ctx context.Context, w *WasteRecord) error
	List(ctx context.Context, f WasteFilter, limit, offset int) ([]*WasteRecord, int, error)
}

type AlertRepository interface {
	Create(ctx context.Context, a *InventoryAlert) error
	GetByID(ctx context.Context, id uuid.UUID) (*InventoryAlert, error)
	Update(ctx context.Context, a *InventoryAlert) error
	List(ctx context.Context, f AlertFilter, limit, offset int) ([]*InventoryAlert, int, error)
	// FindActive returns the active alert of the given type for a subject,
	// or nil. Subject matching is on whichever refs are non-nil.
	FindActive(ctx context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID) (*InventoryAlert, error)
}

// ProductCatalog is the read-only collaborator owning product definitions
// and reorder thresholds.
type ProductCatalog interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*Product, error)
}
