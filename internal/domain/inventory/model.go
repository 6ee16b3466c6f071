package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Lot statuses. Expiry is evaluated lazily: expiration passing does not
// flip the stored status by itself, EffectiveStatus does.
const (
	LotAvailable  = "available"
	LotQuarantine = "quarantine"
	LotExpired    = "expired"
	LotRecalled   = "recalled"
	LotDepleted   = "depleted"
	LotDamaged    = "damaged"
)

// Transaction types. Every quantity change on a lot appends exactly one.
const (
	TxnReceive          = "receive"
	TxnTreatmentUse     = "treatment_use"
	TxnWaste            = "waste"
	TxnAdjustmentAdd    = "adjustment_add"
	TxnAdjustmentRemove = "adjustment_remove"
	TxnReconstitution   = "reconstitution"
	TxnTransferIn       = "transfer_in"
	TxnTransferOut      = "transfer_out"
	TxnRecall           = "recall"
	TxnReturnVendor     = "return_vendor"
)

// Session statuses.
const (
	SessionActive    = "active"
	SessionExpired   = "expired"
	SessionDepleted  = "depleted"
	SessionDiscarded = "discarded"
)

// Waste reasons, matching the disposal codes the compliance log accepts.
const (
	WasteExpiredUnused     = "expired_unused"
	WasteStabilityExceeded = "stability_exceeded"
	WasteContamination     = "contamination"
	WasteDrawUpLoss        = "draw_up_loss"
	WastePatientNoShow     = "patient_no_show"
	WasteAdverseReaction   = "adverse_reaction_discard"
	WasteTraining          = "training"
	WasteDamaged           = "damaged"
	WasteRecall            = "recall"
	WasteOther             = "other"
)

// ValidWasteReasons enumerates accepted waste reason codes.
var ValidWasteReasons = map[string]bool{
	WasteExpiredUnused:     true,
	WasteStabilityExceeded: true,
	WasteContamination:     true,
	WasteDrawUpLoss:        true,
	WastePatientNoShow:     true,
	WasteAdverseReaction:   true,
	WasteTraining:          true,
	WasteDamaged:           true,
	WasteRecall:            true,
	WasteOther:             true,
}

// Alert types, severities, and statuses.
const (
	AlertLowStock         = "low_stock"
	AlertOutOfStock       = "out_of_stock"
	AlertExpiringSoon     = "expiring_soon"
	AlertExpired          = "expired"
	AlertStabilityClosing = "stability_closing"
	AlertRecall           = "recall"
	AlertVariance         = "variance_detected"

	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"

	AlertActive       = "active"
	AlertAcknowledged = "acknowledged"
	AlertResolved     = "resolved"
	AlertDismissed    = "dismissed"
)

// Lot maps to the lots table: one received batch of one product at one
// location, identified by the manufacturer lot number.
type Lot struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	ProductID         uuid.UUID       `db:"product_id" json:"product_id"`
	LocationID        uuid.UUID       `db:"location_id" json:"location_id"`
	LotNumber         string          `db:"lot_number" json:"lot_number"`
	ManufacturingDate *time.Time      `db:"manufacturing_date" json:"manufacturing_date,omitempty"`
	ExpirationDate    time.Time       `db:"expiration_date" json:"expiration_date"`
	ReceivedDate      time.Time       `db:"received_date" json:"received_date"`
	OpenedDate        *time.Time      `db:"opened_date" json:"opened_date,omitempty"`
	InitialQuantity   decimal.Decimal `db:"initial_quantity" json:"initial_quantity"`
	CurrentQuantity   decimal.Decimal `db:"current_quantity" json:"current_quantity"`
	ReservedQuantity  decimal.Decimal `db:"reserved_quantity" json:"reserved_quantity"`
	UnitType          string          `db:"unit_type" json:"unit_type"`
	UnitCost          decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	VendorID          *uuid.UUID      `db:"vendor_id" json:"vendor_id,omitempty"`
	PurchaseOrderID   *uuid.UUID      `db:"purchase_order_id" json:"purchase_order_id,omitempty"`
	StorageLocation   *string         `db:"storage_location" json:"storage_location,omitempty"`
	Status            string          `db:"status" json:"status"`
	RecalledDate      *time.Time      `db:"recalled_date" json:"recalled_date,omitempty"`
	RecallReason      *string         `db:"recall_reason" json:"recall_reason,omitempty"`
	RecallNumber      *string         `db:"recall_number" json:"recall_number,omitempty"`
	QualityNotes      *string         `db:"quality_notes" json:"quality_notes,omitempty"`
	Version           int             `db:"version" json:"version"`
	CreatedBy         string          `db:"created_by" json:"created_by"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// EffectiveStatus returns the status the lot holds at the given instant.
// Manual and terminal statuses win; an available lot past its expiration
// date reads as expired even before any writer has persisted the flip.
func (l *Lot) EffectiveStatus(now time.Time) string {
	if l.Status == LotAvailable && !now.Before(l.ExpirationDate) {
		return LotExpired
	}
	return l.Status
}

// AvailableQuantity is the balance a deduction may draw from.
func (l *Lot) AvailableQuantity() decimal.Decimal {
	return l.CurrentQuantity.Sub(l.ReservedQuantity)
}

// InventoryTransaction maps to the inventory_transactions table: one
// append-only entry per quantity change. Quantity is signed (negative for
// use, waste, and outbound transfers).
type InventoryTransaction struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Type           string          `db:"transaction_type" json:"transaction_type"`
	ProductID      uuid.UUID       `db:"product_id" json:"product_id"`
	LotID          *uuid.UUID      `db:"lot_id" json:"lot_id,omitempty"`
	SessionID      *uuid.UUID      `db:"session_id" json:"session_id,omitempty"`
	LocationID     uuid.UUID       `db:"location_id" json:"location_id"`
	Quantity       decimal.Decimal `db:"quantity" json:"quantity"`
	QuantityBefore decimal.Decimal `db:"quantity_before" json:"quantity_before"`
	QuantityAfter  decimal.Decimal `db:"quantity_after" json:"quantity_after"`
	UnitCost       decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalCost      decimal.Decimal `db:"total_cost" json:"total_cost"`
	AppointmentID  *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	PatientID      *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	PractitionerID *uuid.UUID      `db:"practitioner_id" json:"practitioner_id,omitempty"`
	Reason         *string         `db:"reason" json:"reason,omitempty"`
	PerformedBy    string          `db:"performed_by" json:"performed_by"`
	OccurredAt     time.Time       `db:"occurred_at" json:"occurred_at"`
}

// OpenVialSession maps to the open_vial_sessions table: a reconstituted
// multi-dose vial whose units are dispensed across patients inside a
// stability window.
type OpenVialSession struct {
	ID               uuid.UUID        `db:"id" json:"id"`
	LotID            uuid.UUID        `db:"lot_id" json:"lot_id"`
	ProductID        uuid.UUID        `db:"product_id" json:"product_id"`
	LocationID       uuid.UUID        `db:"location_id" json:"location_id"`
	OriginalUnits    decimal.Decimal  `db:"original_units" json:"original_units"`
	CurrentUnits     decimal.Decimal  `db:"current_units" json:"current_units"`
	UsedUnits        decimal.Decimal  `db:"used_units" json:"used_units"`
	WastedUnits      decimal.Decimal  `db:"wasted_units" json:"wasted_units"`
	ReconstitutedAt  time.Time        `db:"reconstituted_at" json:"reconstituted_at"`
	ReconstitutedBy  string           `db:"reconstituted_by" json:"reconstituted_by"`
	DiluentType      *string          `db:"diluent_type" json:"diluent_type,omitempty"`
	DiluentVolumeML  *decimal.Decimal `db:"diluent_volume_ml" json:"diluent_volume_ml,omitempty"`
	Concentration    *string          `db:"concentration" json:"concentration,omitempty"`
	StabilityHours   int              `db:"stability_hours" json:"stability_hours"`
	Status           string           `db:"status" json:"status"`
	ClosedAt         *time.Time       `db:"closed_at" json:"closed_at,omitempty"`
	ClosedBy         *string          `db:"closed_by" json:"closed_by,omitempty"`
	CloseReason      *string          `db:"close_reason" json:"close_reason,omitempty"`
	VialCost         decimal.Decimal  `db:"vial_cost" json:"vial_cost"`
	CostPerUnit      decimal.Decimal  `db:"cost_per_unit" json:"cost_per_unit"`
	RevenueGenerated decimal.Decimal  `db:"revenue_generated" json:"revenue_generated"`
	TotalPatients    int              `db:"total_patients" json:"total_patients"`
	Version          int              `db:"version" json:"version"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`
}

// ExpiresAt returns the end of the session's stability window.
func (s *OpenVialSession) ExpiresAt() time.Time {
	return s.ReconstitutedAt.Add(time.Duration(s.StabilityHours) * time.Hour)
}

// EffectiveStatus returns the status the session holds at the given
// instant, applying the stability window lazily.
func (s *OpenVialSession) EffectiveStatus(now time.Time) string {
	if s.Status == SessionActive && now.After(s.ExpiresAt()) {
		return SessionExpired
	}
	return s.Status
}

// Terminal reports whether the session can accept no further draws.
func (s *OpenVialSession) Terminal() bool {
	return s.Status == SessionExpired || s.Status == SessionDepleted || s.Status == SessionDiscarded
}

// Usable reports whether units may be drawn from the session right now:
// effectively active, and the parent lot has not been recalled.
func (s *OpenVialSession) Usable(now time.Time, lot *Lot) bool {
	if s.EffectiveStatus(now) != SessionActive {
		return false
	}
	if lot != nil && lot.Status == LotRecalled {
		return false
	}
	return true
}

// VialUsageRecord maps to the vial_usage_records table: one draw from an
// open session administered to one patient.
type VialUsageRecord struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SessionID      uuid.UUID       `db:"session_id" json:"session_id"`
	PatientID      uuid.UUID       `db:"patient_id" json:"patient_id"`
	AppointmentID  *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	PractitionerID *uuid.UUID      `db:"practitioner_id" json:"practitioner_id,omitempty"`
	UnitsUsed      decimal.Decimal `db:"units_used" json:"units_used"`
	AreasInjected  []string        `db:"areas_injected" json:"areas_injected,omitempty"`
	Notes          *string         `db:"notes" json:"notes,omitempty"`
	PerformedBy    string          `db:"performed_by" json:"performed_by"`
	OccurredAt     time.Time       `db:"occurred_at" json:"occurred_at"`
}

// WasteRecord maps to the waste_records table: a compliance entry for
// discarded product, referencing either a lot or an open session.
type WasteRecord struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	LotID           *uuid.UUID      `db:"lot_id" json:"lot_id,omitempty"`
	SessionID       *uuid.UUID      `db:"session_id" json:"session_id,omitempty"`
	ProductID       uuid.UUID       `db:"product_id" json:"product_id"`
	LocationID      uuid.UUID       `db:"location_id" json:"location_id"`
	UnitsWasted     decimal.Decimal `db:"units_wasted" json:"units_wasted"`
	Reason          string          `db:"reason" json:"reason"`
	UnitCost        decimal.Decimal `db:"unit_cost" json:"unit_cost"`
	TotalWasteValue decimal.Decimal `db:"total_waste_value" json:"total_waste_value"`
	PractitionerID  *uuid.UUID      `db:"practitioner_id" json:"practitioner_id,omitempty"`
	AppointmentID   *uuid.UUID      `db:"appointment_id" json:"appointment_id,omitempty"`
	Notes           *string         `db:"notes" json:"notes,omitempty"`
	RecordedBy      string          `db:"recorded_by" json:"recorded_by"`
	OccurredAt      time.Time       `db:"occurred_at" json:"occurred_at"`
}

// InventoryAlert maps to the inventory_alerts table.
type InventoryAlert struct {
	ID                  uuid.UUID        `db:"id" json:"id"`
	Type                string           `db:"alert_type" json:"alert_type"`
	Severity            string           `db:"severity" json:"severity"`
	Status              string           `db:"status" json:"status"`
	ProductID           *uuid.UUID       `db:"product_id" json:"product_id,omitempty"`
	LotID               *uuid.UUID       `db:"lot_id" json:"lot_id,omitempty"`
	SessionID           *uuid.UUID       `db:"session_id" json:"session_id,omitempty"`
	LocationID          *uuid.UUID       `db:"location_id" json:"location_id,omitempty"`
	Title               string           `db:"title" json:"title"`
	Message             string           `db:"message" json:"message"`
	CurrentValue        *decimal.Decimal `db:"current_value" json:"current_value,omitempty"`
	ThresholdValue      *decimal.Decimal `db:"threshold_value" json:"threshold_value,omitempty"`
	DaysUntilExpiration *int             `db:"days_until_expiration" json:"days_until_expiration,omitempty"`
	AcknowledgedBy      *string          `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt      *time.Time       `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	ResolvedBy          *string          `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt          *time.Time       `db:"resolved_at" json:"resolved_at,omitempty"`
	Resolution          *string          `db:"resolution" json:"resolution,omitempty"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// StockSummary aggregates the usable position of one product at one
// location across its lots.
type StockSummary struct {
	ProductID          uuid.UUID       `json:"product_id"`
	LocationID         uuid.UUID       `json:"location_id"`
	TotalQuantity      decimal.Decimal `json:"total_quantity"`
	AvailableQuantity  decimal.Decimal `json:"available_quantity"`
	ReservedQuantity   decimal.Decimal `json:"reserved_quantity"`
	ActiveLots         int             `json:"active_lots"`
	EarliestExpiration *time.Time      `json:"earliest_expiration,omitempty"`
}

// Product is the read-only view of the product catalog this subsystem
// consumes. The catalog is owned elsewhere; nothing here writes to it.
type Product struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	Name              string          `db:"name" json:"name"`
	UnitType          string          `db:"unit_type" json:"unit_type"`
	ReorderPoint      decimal.Decimal `db:"reorder_point" json:"reorder_point"`
	ReorderQuantity   decimal.Decimal `db:"reorder_quantity" json:"reorder_quantity"`
	MinStockLevel     decimal.Decimal `db:"min_stock_level" json:"min_stock_level"`
	MaxStockLevel     decimal.Decimal `db:"max_stock_level" json:"max_stock_level"`
	UnitsPerPackage   decimal.Decimal `db:"units_per_package" json:"units_per_package"`
	MaxStabilityHours int             `db:"max_stability_hours" json:"max_stability_hours"`
	CostPrice         decimal.Decimal `db:"cost_price" json:"cost_price"`
}
