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

// WasteService keeps the compliance log of discarded product. Every
// waste entry is backed by the matching ledger or session movement, so
// the waste log and the quantity books cannot drift apart.
type WasteService struct {
	waste    WasteRepository
	sessions SessionRepository
	ledger   *Service
	audit    audit.Recorder

	maxRetries int
	now        func() time.Time
}

func NewWasteService(waste WasteRepository, sessions SessionRepository, ledger *Service, rec audit.Recorder) *WasteService {
	return &WasteService{
		waste:      waste,
		sessions:   sessions,
		ledger:     ledger,
		audit:      rec,
		maxRetries: 2,
		now:        time.Now,
	}
}

func (w *WasteService) SetClock(now func() time.Time) { w.now = now }

func (w *WasteService) SetMaxRetries(n int) {
	if n >= 0 {
		w.maxRetries = n
	}
}

func (w *WasteService) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (w *WasteService) record(ctx context.Context, subjectID, actor string, detail map[string]string) {
	if w.audit == nil {
		return
	}
	_ = w.audit.Record(ctx, audit.Event{
		Action:     "waste.record",
		Resource:   "waste_record",
		SubjectID:  subjectID,
		Actor:      actor,
		Detail:     detail,
		OccurredAt: w.now().UTC(),
	})
}

// WasteInput describes a discard against either a lot or an open
// session. Exactly one of LotID and SessionID must be set.
type WasteInput struct {
	LotID          *uuid.UUID      `json:"lot_id,omitempty"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	Units          decimal.Decimal `json:"units"`
	Reason         string          `json:"reason"`
	PractitionerID *uuid.UUID      `json:"practitioner_id,omitempty"`
	AppointmentID  *uuid.UUID      `json:"appointment_id,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	RecordedBy     string          `json:"recorded_by"`
}

// RecordWaste discards units from a lot or an open session. The lot
// path is a waste-tagged ledger deduction; the session path moves units
// from the remaining balance into the session's wasted total.
func (w *WasteService) RecordWaste(ctx context.Context, in WasteInput) (*WasteRecord, error) {
	if !in.Units.IsPositive() {
		return nil, fmt.Errorf("%w: units must be positive", ErrValidation)
	}
	if !ValidWasteReasons[in.Reason] {
		return nil, fmt.Errorf("%w: invalid waste reason %q", ErrValidation, in.Reason)
	}
	if (in.LotID == nil) == (in.SessionID == nil) {
		return nil, fmt.Errorf("%w: exactly one of lot_id and session_id must be set", ErrValidation)
	}

	if in.SessionID != nil {
		return w.recordSessionWaste(ctx, in)
	}
	return w.recordLotWaste(ctx, in)
}

func (w *WasteService) recordLotWaste(ctx context.Context, in WasteInput) (*WasteRecord, error) {
	lot, err := w.ledger.lots.GetByID(ctx, *in.LotID)
	if err != nil {
		return nil, err
	}

	// Expired and quarantined product is exactly what gets wasted, so the
	// deduction may draw from a quarantined lot. A lazily expired lot is
	// flipped first so the usability gate does not refuse the discard.
	if lot.EffectiveStatus(w.now()) == LotExpired && lot.Status == LotAvailable {
		lot.Status = LotExpired
		_ = w.ledger.lots.Update(ctx, lot)
	}

	var rec *WasteRecord
	err = w.withRetry(func() error {
		lot, err := w.ledger.lots.GetByID(ctx, *in.LotID)
		if err != nil {
			return err
		}
		if lot.Status == LotRecalled && in.Reason != WasteRecall {
			return fmt.Errorf("%w: recalled lots are wasted under the recall reason", ErrValidation)
		}
		if in.Units.GreaterThan(lot.CurrentQuantity) {
			return fmt.Errorf("%w: requested %s, on hand %s", ErrInsufficientQuantity, in.Units, lot.CurrentQuantity)
		}

		now := w.now()
		before := lot.CurrentQuantity
		lot.CurrentQuantity = lot.CurrentQuantity.Sub(in.Units)
		if lot.CurrentQuantity.IsZero() && lot.Status == LotAvailable {
			lot.Status = LotDepleted
		}

		return w.ledger.runTx(ctx, func(ctx context.Context) error {
			if err := w.ledger.lots.Update(ctx, lot); err != nil {
				return err
			}
			reason := in.Reason
			if err := w.ledger.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnWaste,
				ProductID:      lot.ProductID,
				LotID:          &lot.ID,
				LocationID:     lot.LocationID,
				Quantity:       in.Units.Neg(),
				QuantityBefore: before,
				QuantityAfter:  lot.CurrentQuantity,
				UnitCost:       lot.UnitCost,
				TotalCost:      in.Units.Mul(lot.UnitCost),
				AppointmentID:  in.AppointmentID,
				PractitionerID: in.PractitionerID,
				Reason:         &reason,
				PerformedBy:    in.RecordedBy,
				OccurredAt:     now,
			}); err != nil {
				return err
			}
			rec = &WasteRecord{
				LotID:           &lot.ID,
				ProductID:       lot.ProductID,
				LocationID:      lot.LocationID,
				UnitsWasted:     in.Units,
				Reason:          in.Reason,
				UnitCost:        lot.UnitCost,
				TotalWasteValue: in.Units.Mul(lot.UnitCost),
				PractitionerID:  in.PractitionerID,
				AppointmentID:   in.AppointmentID,
				Notes:           in.Notes,
				RecordedBy:      in.RecordedBy,
				OccurredAt:      now,
			}
			return w.waste.Create(ctx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	w.record(ctx, rec.ID.String(), in.RecordedBy, map[string]string{
		"lot_id": in.LotID.String(),
		"units":  in.Units.String(),
		"reason": in.Reason,
	})
	return rec, nil
}

func (w *WasteService) recordSessionWaste(ctx context.Context, in WasteInput) (*WasteRecord, error) {
	var rec *WasteRecord
	err := w.withRetry(func() error {
		session, err := w.sessions.GetByID(ctx, *in.SessionID)
		if err != nil {
			return err
		}
		if session.Terminal() {
			return fmt.Errorf("%w: session is %s", ErrAlreadyTerminal, session.Status)
		}
		if in.Units.GreaterThan(session.CurrentUnits) {
			return fmt.Errorf("%w: requested %s, remaining %s", ErrInsufficientQuantity, in.Units, session.CurrentUnits)
		}

		now := w.now()
		before := session.CurrentUnits
		session.CurrentUnits = session.CurrentUnits.Sub(in.Units)
		session.WastedUnits = session.WastedUnits.Add(in.Units)
		if session.CurrentUnits.IsZero() {
			session.Status = SessionDepleted
		}

		return w.ledger.runTx(ctx, func(ctx context.Context) error {
			if err := w.sessions.Update(ctx, session); err != nil {
				return err
			}
			reason := in.Reason
			if err := w.ledger.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnWaste,
				ProductID:      session.ProductID,
				LotID:          &session.LotID,
				SessionID:      &session.ID,
				LocationID:     session.LocationID,
				Quantity:       in.Units.Neg(),
				QuantityBefore: before,
				QuantityAfter:  session.CurrentUnits,
				UnitCost:       session.CostPerUnit,
				TotalCost:      in.Units.Mul(session.CostPerUnit),
				AppointmentID:  in.AppointmentID,
				PractitionerID: in.PractitionerID,
				Reason:         &reason,
				PerformedBy:    in.RecordedBy,
				OccurredAt:     now,
			}); err != nil {
				return err
			}
			rec = &WasteRecord{
				SessionID:       &session.ID,
				LotID:           &session.LotID,
				ProductID:       session.ProductID,
				LocationID:      session.LocationID,
				UnitsWasted:     in.Units,
				Reason:          in.Reason,
				UnitCost:        session.CostPerUnit,
				TotalWasteValue: in.Units.Mul(session.CostPerUnit),
				PractitionerID:  in.PractitionerID,
				AppointmentID:   in.AppointmentID,
				Notes:           in.Notes,
				RecordedBy:      in.RecordedBy,
				OccurredAt:      now,
			}
			return w.waste.Create(ctx, rec)
		})
	})
	if err != nil {
		return nil, err
	}

	w.record(ctx, rec.ID.String(), in.RecordedBy, map[string]string{
		"session_id": in.SessionID.String(),
		"units":      in.Units.String(),
		"reason":     in.Reason,
	})
	return rec, nil
}

// WasteSummary accompanies a waste listing with the total value lost
// over the filtered records on the current page.
type WasteSummary struct {
	TotalUnits decimal.Decimal `json:"total_units"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// ListWaste returns waste records matching the filter plus a value
// rollup of the returned page.
func (w *WasteService) ListWaste(ctx context.Context, f WasteFilter, limit, offset int) ([]*WasteRecord, int, *WasteSummary, error) {
	records, total, err := w.waste.List(ctx, f, limit, offset)
	if err != nil {
		return nil, 0, nil, err
	}
	sum := &WasteSummary{}
	for _, r := range records {
		sum.TotalUnits = sum.TotalUnits.Add(r.UnitsWasted)
		sum.TotalValue = sum.TotalValue.Add(r.TotalWasteValue)
	}
	return records, total, sum, nil
}
