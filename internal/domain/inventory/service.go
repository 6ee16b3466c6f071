package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medspa/inventory/internal/platform/audit"
)

// TxFunc runs fn atomically. Production wiring passes db.InTx bound to
// the pool; mocks run fn directly.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func runDirect(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// AlertSink receives post-commit evaluation hooks. Implementations log
// their own failures; nothing here may affect the completed mutation.
type AlertSink interface {
	EvaluateProduct(ctx context.Context, productID, locationID uuid.UUID)
	EvaluateLot(ctx context.Context, lotID uuid.UUID)
	EvaluateSession(ctx context.Context, sessionID uuid.UUID)
	LotRecalled(ctx context.Context, lot *Lot)
	LotVariance(ctx context.Context, lot *Lot, computed decimal.Decimal)
}

// Service is the lot ledger: every quantity a lot gains or loses flows
// through here and lands in the transaction log.
type Service struct {
	lots    LotRepository
	txns    TransactionRepository
	catalog ProductCatalog
	audit   audit.Recorder
	alerts  AlertSink
	runTx   TxFunc

	maxRetries int
	now        func() time.Time
}

func NewService(lots LotRepository, txns TransactionRepository, catalog ProductCatalog, rec audit.Recorder) *Service {
	return &Service{
		lots:       lots,
		txns:       txns,
		catalog:    catalog,
		audit:      rec,
		runTx:      runDirect,
		maxRetries: 2,
		now:        time.Now,
	}
}

// SetAlertSink attaches the post-commit alert evaluator.
func (s *Service) SetAlertSink(sink AlertSink) { s.alerts = sink }

// SetTxRunner attaches the transaction runner used for multi-row
// operations.
func (s *Service) SetTxRunner(fn TxFunc) { s.runTx = fn }

// SetMaxRetries bounds the CAS retry loop.
func (s *Service) SetMaxRetries(n int) {
	if n >= 0 {
		s.maxRetries = n
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// withRetry re-runs fn while it fails on a version conflict, up to the
// configured bound, then surfaces the conflict.
func (s *Service) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (s *Service) record(ctx context.Context, action, subjectID, actor string, detail map[string]string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, audit.Event{
		Action:     action,
		Resource:   "lot",
		SubjectID:  subjectID,
		Actor:      actor,
		Detail:     detail,
		OccurredAt: s.now().UTC(),
	})
}

// ReceiveInput describes an inbound shipment of one lot.
type ReceiveInput struct {
	ProductID         uuid.UUID       `json:"product_id"`
	LocationID        uuid.UUID       `json:"location_id"`
	LotNumber         string          `json:"lot_number"`
	Quantity          decimal.Decimal `json:"quantity"`
	UnitType          string          `json:"unit_type"`
	UnitCost          decimal.Decimal `json:"unit_cost"`
	ExpirationDate    time.Time       `json:"expiration_date"`
	ManufacturingDate *time.Time      `json:"manufacturing_date,omitempty"`
	VendorID          *uuid.UUID      `json:"vendor_id,omitempty"`
	PurchaseOrderID   *uuid.UUID      `json:"purchase_order_id,omitempty"`
	StorageLocation   *string         `json:"storage_location,omitempty"`
	ReceivedBy        string          `json:"received_by"`
}

// Receive records an inbound shipment: creates the lot, appends the
// opening ledger entry, and kicks off threshold evaluation.
func (s *Service) Receive(ctx context.Context, in ReceiveInput) (*Lot, error) {
	if in.ProductID == uuid.Nil || in.LocationID == uuid.Nil {
		return nil, fmt.Errorf("%w: product_id and location_id are required", ErrValidation)
	}
	if in.LotNumber == "" {
		return nil, fmt.Errorf("%w: lot_number is required", ErrValidation)
	}
	if !in.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.UnitCost.IsNegative() {
		return nil, fmt.Errorf("%w: unit_cost may not be negative", ErrValidation)
	}
	now := s.now()
	if !in.ExpirationDate.After(now) {
		return nil, fmt.Errorf("%w: expiration_date must be in the future", ErrValidation)
	}

	if existing, err := s.lots.GetByLotNumber(ctx, in.ProductID, in.LocationID, in.LotNumber); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: lot %s already received for this product and location", ErrValidation, in.LotNumber)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	lot := &Lot{
		ProductID:         in.ProductID,
		LocationID:        in.LocationID,
		LotNumber:         in.LotNumber,
		ManufacturingDate: in.ManufacturingDate,
		ExpirationDate:    in.ExpirationDate,
		ReceivedDate:      now,
		InitialQuantity:   in.Quantity,
		CurrentQuantity:   in.Quantity,
		ReservedQuantity:  decimal.Zero,
		UnitType:          in.UnitType,
		UnitCost:          in.UnitCost,
		VendorID:          in.VendorID,
		PurchaseOrderID:   in.PurchaseOrderID,
		StorageLocation:   in.StorageLocation,
		Status:            LotAvailable,
		Version:           1,
		CreatedBy:         in.ReceivedBy,
	}

	err := s.runTx(ctx, func(ctx context.Context) error {
		if err := s.lots.Create(ctx, lot); err != nil {
			return err
		}
		return s.txns.Append(ctx, &InventoryTransaction{
			Type:           TxnReceive,
			ProductID:      lot.ProductID,
			LotID:          &lot.ID,
			LocationID:     lot.LocationID,
			Quantity:       in.Quantity,
			QuantityBefore: decimal.Zero,
			QuantityAfter:  in.Quantity,
			UnitCost:       in.UnitCost,
			TotalCost:      in.Quantity.Mul(in.UnitCost),
			PerformedBy:    in.ReceivedBy,
			OccurredAt:     now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.receive", lot.ID.String(), in.ReceivedBy, map[string]string{
		"lot_number": lot.LotNumber,
		"quantity":   in.Quantity.String(),
	})
	if s.alerts != nil {
		s.alerts.EvaluateProduct(ctx, lot.ProductID, lot.LocationID)
		s.alerts.EvaluateLot(ctx, lot.ID)
	}
	return lot, nil
}

// DeductionInput describes a draw against a lot's balance.
type DeductionInput struct {
	Quantity        decimal.Decimal `json:"quantity"`
	Type            string          `json:"type,omitempty"` // defaults to treatment_use
	Reason          *string         `json:"reason,omitempty"`
	PatientID       *uuid.UUID      `json:"patient_id,omitempty"`
	AppointmentID   *uuid.UUID      `json:"appointment_id,omitempty"`
	PractitionerID  *uuid.UUID      `json:"practitioner_id,omitempty"`
	SessionID       *uuid.UUID      `json:"session_id,omitempty"`
	AllowQuarantine bool            `json:"allow_quarantine,omitempty"`
	PerformedBy     string          `json:"performed_by"`
}

var deductionTypes = map[string]bool{
	TxnTreatmentUse:   true,
	TxnWaste:          true,
	TxnReconstitution: true,
	TxnReturnVendor:   true,
}

// CommitDeduction removes quantity from a lot under the ledger's
// concurrency rules: the availability check and the write land on the
// same lot version, retried on conflict.
func (s *Service) CommitDeduction(ctx context.Context, lotID uuid.UUID, in DeductionInput) (*InventoryTransaction, error) {
	if !in.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if in.Type == "" {
		in.Type = TxnTreatmentUse
	}
	if !deductionTypes[in.Type] {
		return nil, fmt.Errorf("%w: invalid deduction type %s", ErrValidation, in.Type)
	}

	var txn *InventoryTransaction
	err := s.withRetry(func() error {
		lot, err := s.lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}

		now := s.now()
		// Expiration is a hard cutoff: it overrides every status,
		// including the quarantine override below.
		if !now.Before(lot.ExpirationDate) {
			// The expiry just surfaced lazily; persist it so readers agree.
			if lot.Status == LotAvailable {
				lot.Status = LotExpired
				_ = s.lots.Update(ctx, lot)
			}
			return fmt.Errorf("%w: lot %s is expired", ErrLotNotUsable, lot.LotNumber)
		}
		switch eff := lot.EffectiveStatus(now); eff {
		case LotAvailable:
		case LotQuarantine:
			if !in.AllowQuarantine {
				return fmt.Errorf("%w: lot %s is quarantined", ErrLotNotUsable, lot.LotNumber)
			}
		default:
			return fmt.Errorf("%w: lot %s is %s", ErrLotNotUsable, lot.LotNumber, eff)
		}

		available := lot.AvailableQuantity()
		if in.Quantity.GreaterThan(available) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientQuantity, in.Quantity, available)
		}

		before := lot.CurrentQuantity
		lot.CurrentQuantity = lot.CurrentQuantity.Sub(in.Quantity)
		if lot.CurrentQuantity.IsZero() {
			lot.Status = LotDepleted
		}
		if in.Type == TxnReconstitution && lot.OpenedDate == nil {
			opened := now
			lot.OpenedDate = &opened
		}

		return s.runTx(ctx, func(ctx context.Context) error {
			if err := s.lots.Update(ctx, lot); err != nil {
				return err
			}
			txn = &InventoryTransaction{
				Type:           in.Type,
				ProductID:      lot.ProductID,
				LotID:          &lot.ID,
				SessionID:      in.SessionID,
				LocationID:     lot.LocationID,
				Quantity:       in.Quantity.Neg(),
				QuantityBefore: before,
				QuantityAfter:  lot.CurrentQuantity,
				UnitCost:       lot.UnitCost,
				TotalCost:      in.Quantity.Mul(lot.UnitCost),
				AppointmentID:  in.AppointmentID,
				PatientID:      in.PatientID,
				PractitionerID: in.PractitionerID,
				Reason:         in.Reason,
				PerformedBy:    in.PerformedBy,
				OccurredAt:     now,
			}
			return s.txns.Append(ctx, txn)
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.deduct", lotID.String(), in.PerformedBy, map[string]string{
		"type":     in.Type,
		"quantity": in.Quantity.String(),
	})
	if s.alerts != nil {
		s.alerts.EvaluateProduct(ctx, txn.ProductID, txn.LocationID)
		s.alerts.EvaluateLot(ctx, lotID)
	}
	return txn, nil
}

// Adjust applies a signed correction from a physical count. Adjustments
// are permitted in any lot status but may not drive the quantity
// negative.
func (s *Service) Adjust(ctx context.Context, lotID uuid.UUID, delta decimal.Decimal, reason, actor string) (*InventoryTransaction, error) {
	if delta.IsZero() {
		return nil, fmt.Errorf("%w: adjustment delta may not be zero", ErrValidation)
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", ErrValidation)
	}

	var txn *InventoryTransaction
	err := s.withRetry(func() error {
		lot, err := s.lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}

		newQty := lot.CurrentQuantity.Add(delta)
		if newQty.IsNegative() {
			return fmt.Errorf("%w: adjustment would drive quantity below zero", ErrValidation)
		}

		before := lot.CurrentQuantity
		lot.CurrentQuantity = newQty
		if newQty.IsZero() && lot.Status == LotAvailable {
			lot.Status = LotDepleted
		}
		if lot.Status == LotDepleted && newQty.IsPositive() {
			lot.Status = LotAvailable
		}

		txnType := TxnAdjustmentAdd
		if delta.IsNegative() {
			txnType = TxnAdjustmentRemove
		}

		return s.runTx(ctx, func(ctx context.Context) error {
			if err := s.lots.Update(ctx, lot); err != nil {
				return err
			}
			txn = &InventoryTransaction{
				Type:           txnType,
				ProductID:      lot.ProductID,
				LotID:          &lot.ID,
				LocationID:     lot.LocationID,
				Quantity:       delta,
				QuantityBefore: before,
				QuantityAfter:  newQty,
				UnitCost:       lot.UnitCost,
				TotalCost:      delta.Abs().Mul(lot.UnitCost),
				Reason:         &reason,
				PerformedBy:    actor,
				OccurredAt:     s.now(),
			}
			return s.txns.Append(ctx, txn)
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.adjust", lotID.String(), actor, map[string]string{
		"delta":  delta.String(),
		"reason": reason,
	})
	if s.alerts != nil {
		s.alerts.EvaluateProduct(ctx, txn.ProductID, txn.LocationID)
		s.alerts.EvaluateLot(ctx, lotID)
	}
	return txn, nil
}

// Quarantine pulls a lot from use pending quality review. Recalled lots
// stay recalled.
func (s *Service) Quarantine(ctx context.Context, lotID uuid.UUID, reason, actor string) (*Lot, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: quarantine reason is required", ErrValidation)
	}

	var lot *Lot
	err := s.withRetry(func() error {
		var err error
		lot, err = s.lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Status == LotRecalled {
			return fmt.Errorf("%w: lot %s is recalled", ErrLotNotUsable, lot.LotNumber)
		}
		lot.Status = LotQuarantine
		lot.QualityNotes = &reason
		return s.lots.Update(ctx, lot)
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.quarantine", lotID.String(), actor, map[string]string{"reason": reason})
	return lot, nil
}

// RecallNotice identifies a manufacturer or regulator recall.
type RecallNotice struct {
	Reason       string `json:"reason"`
	RecallNumber string `json:"recall_number,omitempty"`
	RecalledBy   string `json:"recalled_by"`
}

// Recall blocks a lot permanently, appends the recall ledger entry, and
// propagates alerts to any open sessions drawing from it.
func (s *Service) Recall(ctx context.Context, lotID uuid.UUID, notice RecallNotice) (*Lot, error) {
	if notice.Reason == "" {
		return nil, fmt.Errorf("%w: recall reason is required", ErrValidation)
	}

	var lot *Lot
	err := s.withRetry(func() error {
		var err error
		lot, err = s.lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.Status == LotRecalled {
			return fmt.Errorf("%w: lot %s is already recalled", ErrValidation, lot.LotNumber)
		}

		now := s.now()
		lot.Status = LotRecalled
		lot.RecalledDate = &now
		lot.RecallReason = &notice.Reason
		if notice.RecallNumber != "" {
			lot.RecallNumber = &notice.RecallNumber
		}

		return s.runTx(ctx, func(ctx context.Context) error {
			if err := s.lots.Update(ctx, lot); err != nil {
				return err
			}
			return s.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnRecall,
				ProductID:      lot.ProductID,
				LotID:          &lot.ID,
				LocationID:     lot.LocationID,
				Quantity:       decimal.Zero,
				QuantityBefore: lot.CurrentQuantity,
				QuantityAfter:  lot.CurrentQuantity,
				UnitCost:       lot.UnitCost,
				TotalCost:      decimal.Zero,
				Reason:         &notice.Reason,
				PerformedBy:    notice.RecalledBy,
				OccurredAt:     now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.recall", lotID.String(), notice.RecalledBy, map[string]string{
		"reason":        notice.Reason,
		"recall_number": notice.RecallNumber,
	})
	if s.alerts != nil {
		s.alerts.LotRecalled(ctx, lot)
	}
	return lot, nil
}

// Transfer moves quantity to another location as a paired
// transfer_out/transfer_in. The destination lot keeps the same lot
// number, expiry, and cost basis; it is created on first transfer.
func (s *Service) Transfer(ctx context.Context, lotID, toLocationID uuid.UUID, qty decimal.Decimal, actor string) (*Lot, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: transfer quantity must be positive", ErrValidation)
	}
	if toLocationID == uuid.Nil {
		return nil, fmt.Errorf("%w: destination location is required", ErrValidation)
	}

	var dest *Lot
	err := s.withRetry(func() error {
		src, err := s.lots.GetByID(ctx, lotID)
		if err != nil {
			return err
		}
		if src.LocationID == toLocationID {
			return fmt.Errorf("%w: lot is already at the destination location", ErrValidation)
		}

		now := s.now()
		if eff := src.EffectiveStatus(now); eff != LotAvailable {
			return fmt.Errorf("%w: lot %s is %s", ErrLotNotUsable, src.LotNumber, eff)
		}
		if qty.GreaterThan(src.AvailableQuantity()) {
			return fmt.Errorf("%w: requested %s, available %s", ErrInsufficientQuantity, qty, src.AvailableQuantity())
		}

		srcBefore := src.CurrentQuantity
		src.CurrentQuantity = src.CurrentQuantity.Sub(qty)
		if src.CurrentQuantity.IsZero() {
			src.Status = LotDepleted
		}

		return s.runTx(ctx, func(ctx context.Context) error {
			if err := s.lots.Update(ctx, src); err != nil {
				return err
			}
			if err := s.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnTransferOut,
				ProductID:      src.ProductID,
				LotID:          &src.ID,
				LocationID:     src.LocationID,
				Quantity:       qty.Neg(),
				QuantityBefore: srcBefore,
				QuantityAfter:  src.CurrentQuantity,
				UnitCost:       src.UnitCost,
				TotalCost:      qty.Mul(src.UnitCost),
				PerformedBy:    actor,
				OccurredAt:     now,
			}); err != nil {
				return err
			}

			dest, err = s.lots.GetByLotNumber(ctx, src.ProductID, toLocationID, src.LotNumber)
			switch {
			case errors.Is(err, ErrNotFound):
				dest = &Lot{
					ProductID:         src.ProductID,
					LocationID:        toLocationID,
					LotNumber:         src.LotNumber,
					ManufacturingDate: src.ManufacturingDate,
					ExpirationDate:    src.ExpirationDate,
					ReceivedDate:      now,
					InitialQuantity:   qty,
					CurrentQuantity:   qty,
					ReservedQuantity:  decimal.Zero,
					UnitType:          src.UnitType,
					UnitCost:          src.UnitCost,
					Status:            LotAvailable,
					Version:           1,
					CreatedBy:         actor,
				}
				if err := s.lots.Create(ctx, dest); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				dest.CurrentQuantity = dest.CurrentQuantity.Add(qty)
				if dest.Status == LotDepleted {
					dest.Status = LotAvailable
				}
				if err := s.lots.Update(ctx, dest); err != nil {
					return err
				}
			}

			destBefore := dest.CurrentQuantity.Sub(qty)
			return s.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnTransferIn,
				ProductID:      dest.ProductID,
				LotID:          &dest.ID,
				LocationID:     dest.LocationID,
				Quantity:       qty,
				QuantityBefore: destBefore,
				QuantityAfter:  dest.CurrentQuantity,
				UnitCost:       dest.UnitCost,
				TotalCost:      qty.Mul(dest.UnitCost),
				PerformedBy:    actor,
				OccurredAt:     now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, "lot.transfer", lotID.String(), actor, map[string]string{
		"to_location": toLocationID.String(),
		"quantity":    qty.String(),
	})
	if s.alerts != nil {
		s.alerts.EvaluateProduct(ctx, dest.ProductID, dest.LocationID)
	}
	return dest, nil
}

// GetLot returns a lot with its effective status applied. A lazily
// surfaced expiry is persisted best-effort so subsequent readers agree.
func (s *Service) GetLot(ctx context.Context, id uuid.UUID) (*Lot, error) {
	lot, err := s.lots.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if eff := lot.EffectiveStatus(s.now()); eff != lot.Status {
		lot.Status = eff
		_ = s.lots.Update(ctx, lot)
	}
	return lot, nil
}

// ListLots returns lots matching the filter.
func (s *Service) ListLots(ctx context.Context, f LotFilter, limit, offset int) ([]*Lot, int, error) {
	return s.lots.List(ctx, f, limit, offset)
}

// StockSummary rolls up the usable position of a product at a location.
func (s *Service) StockSummary(ctx context.Context, productID, locationID uuid.UUID) (*StockSummary, error) {
	lots, err := s.lots.ListByProduct(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sum := &StockSummary{
		ProductID:  productID,
		LocationID: locationID,
	}
	for _, lot := range lots {
		if lot.EffectiveStatus(now) != LotAvailable {
			continue
		}
		sum.TotalQuantity = sum.TotalQuantity.Add(lot.CurrentQuantity)
		sum.AvailableQuantity = sum.AvailableQuantity.Add(lot.AvailableQuantity())
		sum.ReservedQuantity = sum.ReservedQuantity.Add(lot.ReservedQuantity)
		sum.ActiveLots++
		if sum.EarliestExpiration == nil || lot.ExpirationDate.Before(*sum.EarliestExpiration) {
			exp := lot.ExpirationDate
			sum.EarliestExpiration = &exp
		}
	}
	return sum, nil
}

// ListTransactions returns the ledger entries for a lot, newest first.
func (s *Service) ListTransactions(ctx context.Context, lotID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	return s.txns.ListByLot(ctx, lotID, limit, offset)
}

// SelectLotFEFO picks the earliest-expiring available lot holding at
// least qty, the first-expired-first-out rule the treatment workflow
// uses when the caller has no lot preference.
func (s *Service) SelectLotFEFO(ctx context.Context, productID, locationID uuid.UUID, qty decimal.Decimal) (*Lot, error) {
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	lots, err := s.lots.ListByProduct(ctx, productID, locationID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, lot := range lots {
		if lot.EffectiveStatus(now) != LotAvailable {
			continue
		}
		if lot.AvailableQuantity().GreaterThanOrEqual(qty) {
			return lot, nil
		}
	}
	return nil, fmt.Errorf("%w: no available lot holds %s units", ErrInsufficientQuantity, qty)
}

// ExpiringLots returns non-terminal lots expiring within the window.
func (s *Service) ExpiringLots(ctx context.Context, withinDays int, locationID *uuid.UUID) ([]*Lot, error) {
	if withinDays <= 0 {
		return nil, fmt.Errorf("%w: withinDays must be positive", ErrValidation)
	}
	cutoff := s.now().AddDate(0, 0, withinDays)
	return s.lots.ListExpiring(ctx, cutoff, locationID)
}

// VerifyLot folds the lot's transaction history and compares the result
// to the cached quantity. A mismatch raises a variance alert and returns
// ErrVarianceDetected; the cached value is never silently corrected.
func (s *Service) VerifyLot(ctx context.Context, lotID uuid.UUID) (decimal.Decimal, error) {
	lot, err := s.lots.GetByID(ctx, lotID)
	if err != nil {
		return decimal.Zero, err
	}

	history, err := s.txns.ListAllByLot(ctx, lotID)
	if err != nil {
		return decimal.Zero, err
	}

	computed := decimal.Zero
	for _, t := range history {
		if t.SessionID != nil {
			// Session-scoped rows are the vial's own ledger; the lot
			// already gave up those units at reconstitution.
			continue
		}
		computed = computed.Add(t.Quantity)
	}

	if !computed.Equal(lot.CurrentQuantity) {
		if s.alerts != nil {
			s.alerts.LotVariance(ctx, lot, computed)
		}
		return computed, fmt.Errorf("%w: snapshot %s, ledger %s", ErrVarianceDetected, lot.CurrentQuantity, computed)
	}
	return computed, nil
}
