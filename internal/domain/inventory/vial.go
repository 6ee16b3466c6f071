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

// VialService manages open multi-dose vial sessions: reconstitution,
// per-patient draws inside the stability window, and close-out.
type VialService struct {
	sessions SessionRepository
	usage    UsageRepository
	waste    WasteRepository
	ledger   *Service
	catalog  ProductCatalog
	audit    audit.Recorder
	alerts   AlertSink
	runTx    TxFunc

	maxRetries int
	now        func() time.Time
}

func NewVialService(sessions SessionRepository, usage UsageRepository, waste WasteRepository, ledger *Service, catalog ProductCatalog, rec audit.Recorder) *VialService {
	return &VialService{
		sessions:   sessions,
		usage:      usage,
		waste:      waste,
		ledger:     ledger,
		catalog:    catalog,
		audit:      rec,
		runTx:      runDirect,
		maxRetries: 2,
		now:        time.Now,
	}
}

func (v *VialService) SetAlertSink(sink AlertSink)   { v.alerts = sink }
func (v *VialService) SetTxRunner(fn TxFunc)         { v.runTx = fn }
func (v *VialService) SetClock(now func() time.Time) { v.now = now }

func (v *VialService) SetMaxRetries(n int) {
	if n >= 0 {
		v.maxRetries = n
	}
}

func (v *VialService) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (v *VialService) record(ctx context.Context, action, subjectID, actor string, detail map[string]string) {
	if v.audit == nil {
		return
	}
	_ = v.audit.Record(ctx, audit.Event{
		Action:     action,
		Resource:   "open_vial_session",
		SubjectID:  subjectID,
		Actor:      actor,
		Detail:     detail,
		OccurredAt: v.now().UTC(),
	})
}

// OpenVialInput describes reconstituting one vial from a lot.
type OpenVialInput struct {
	LotID           uuid.UUID        `json:"lot_id"`
	Units           decimal.Decimal  `json:"units"`
	StabilityHours  int              `json:"stability_hours,omitempty"`
	DiluentType     *string          `json:"diluent_type,omitempty"`
	DiluentVolumeML *decimal.Decimal `json:"diluent_volume_ml,omitempty"`
	Concentration   *string          `json:"concentration,omitempty"`
	ReconstitutedBy string           `json:"reconstituted_by"`
}

// Open reconstitutes a vial: deducts one vial's units from the lot and
// starts an active session whose stability clock begins now. The lot
// deduction and the session creation commit together.
func (v *VialService) Open(ctx context.Context, in OpenVialInput) (*OpenVialSession, error) {
	if in.LotID == uuid.Nil {
		return nil, fmt.Errorf("%w: lot_id is required", ErrValidation)
	}
	if !in.Units.IsPositive() {
		return nil, fmt.Errorf("%w: units must be positive", ErrValidation)
	}
	if in.StabilityHours < 0 {
		return nil, fmt.Errorf("%w: stability_hours may not be negative", ErrValidation)
	}

	lot, err := v.ledger.GetLot(ctx, in.LotID)
	if err != nil {
		return nil, err
	}

	stability := in.StabilityHours
	if product, err := v.catalog.GetProduct(ctx, lot.ProductID); err == nil && product != nil {
		if stability == 0 {
			stability = product.MaxStabilityHours
		} else if product.MaxStabilityHours > 0 && stability > product.MaxStabilityHours {
			return nil, fmt.Errorf("%w: stability_hours exceeds product maximum of %d", ErrValidation, product.MaxStabilityHours)
		}
	}
	if stability <= 0 {
		return nil, fmt.Errorf("%w: stability_hours is required for this product", ErrValidation)
	}

	now := v.now()
	var session *OpenVialSession
	err = v.runTx(ctx, func(ctx context.Context) error {
		reason := "vial reconstitution"
		txn, err := v.ledger.CommitDeduction(ctx, in.LotID, DeductionInput{
			Quantity:    in.Units,
			Type:        TxnReconstitution,
			Reason:      &reason,
			PerformedBy: in.ReconstitutedBy,
		})
		if err != nil {
			return err
		}

		vialCost := in.Units.Mul(txn.UnitCost)
		session = &OpenVialSession{
			LotID:            lot.ID,
			ProductID:        lot.ProductID,
			LocationID:       lot.LocationID,
			OriginalUnits:    in.Units,
			CurrentUnits:     in.Units,
			UsedUnits:        decimal.Zero,
			WastedUnits:      decimal.Zero,
			ReconstitutedAt:  now,
			ReconstitutedBy:  in.ReconstitutedBy,
			DiluentType:      in.DiluentType,
			DiluentVolumeML:  in.DiluentVolumeML,
			Concentration:    in.Concentration,
			StabilityHours:   stability,
			Status:           SessionActive,
			VialCost:         vialCost,
			CostPerUnit:      vialCost.Div(in.Units),
			RevenueGenerated: decimal.Zero,
			Version:          1,
		}
		return v.sessions.Create(ctx, session)
	})
	if err != nil {
		return nil, err
	}

	v.record(ctx, "vial.open", session.ID.String(), in.ReconstitutedBy, map[string]string{
		"lot_id": lot.ID.String(),
		"units":  in.Units.String(),
	})
	if v.alerts != nil {
		v.alerts.EvaluateSession(ctx, session.ID)
	}
	return session, nil
}

// DrawInput describes dispensing units from an open session to one
// patient.
type DrawInput struct {
	PatientID      uuid.UUID       `json:"patient_id"`
	Units          decimal.Decimal `json:"units"`
	AppointmentID  *uuid.UUID      `json:"appointment_id,omitempty"`
	PractitionerID *uuid.UUID      `json:"practitioner_id,omitempty"`
	AreasInjected  []string        `json:"areas_injected,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	// UnitPrice is the billed price per unit. When set, the draw's
	// revenue accrues on the session.
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty"`
	PerformedBy string           `json:"performed_by"`
}

// Draw dispenses units from an open session. The stability check, the
// sufficiency check, and the balance write settle on one session
// version, retried on conflict, so two concurrent draws can never
// oversell the vial.
func (v *VialService) Draw(ctx context.Context, sessionID uuid.UUID, in DrawInput) (*VialUsageRecord, error) {
	if in.PatientID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id is required", ErrValidation)
	}
	if !in.Units.IsPositive() {
		return nil, fmt.Errorf("%w: units must be positive", ErrValidation)
	}

	var rec *VialUsageRecord
	err := v.withRetry(func() error {
		session, err := v.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Terminal() {
			return fmt.Errorf("%w: session is %s", ErrAlreadyTerminal, session.Status)
		}

		now := v.now()
		if session.EffectiveStatus(now) == SessionExpired {
			// Stability window just lapsed; persist the flip before refusing.
			session.Status = SessionExpired
			if err := v.sessions.Update(ctx, session); err != nil {
				return err
			}
			return fmt.Errorf("%w: stability window ended at %s", ErrSessionExpired, session.ExpiresAt().Format(time.RFC3339))
		}

		lot, err := v.ledger.lots.GetByID(ctx, session.LotID)
		if err != nil {
			return err
		}
		if !session.Usable(now, lot) {
			return fmt.Errorf("%w: parent lot %s is recalled", ErrLotNotUsable, lot.LotNumber)
		}

		if in.Units.GreaterThan(session.CurrentUnits) {
			return fmt.Errorf("%w: requested %s, remaining %s", ErrInsufficientQuantity, in.Units, session.CurrentUnits)
		}

		session.CurrentUnits = session.CurrentUnits.Sub(in.Units)
		session.UsedUnits = session.UsedUnits.Add(in.Units)
		session.TotalPatients++
		if in.UnitPrice != nil {
			session.RevenueGenerated = session.RevenueGenerated.Add(in.Units.Mul(*in.UnitPrice))
		}
		if session.CurrentUnits.IsZero() {
			session.Status = SessionDepleted
		}

		return v.runTx(ctx, func(ctx context.Context) error {
			if err := v.sessions.Update(ctx, session); err != nil {
				return err
			}
			rec = &VialUsageRecord{
				SessionID:      session.ID,
				PatientID:      in.PatientID,
				AppointmentID:  in.AppointmentID,
				PractitionerID: in.PractitionerID,
				UnitsUsed:      in.Units,
				AreasInjected:  in.AreasInjected,
				Notes:          in.Notes,
				PerformedBy:    in.PerformedBy,
				OccurredAt:     now,
			}
			if err := v.usage.Create(ctx, rec); err != nil {
				return err
			}
			return v.ledger.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnTreatmentUse,
				ProductID:      session.ProductID,
				LotID:          &session.LotID,
				SessionID:      &session.ID,
				LocationID:     session.LocationID,
				Quantity:       in.Units.Neg(),
				QuantityBefore: session.CurrentUnits.Add(in.Units),
				QuantityAfter:  session.CurrentUnits,
				UnitCost:       session.CostPerUnit,
				TotalCost:      in.Units.Mul(session.CostPerUnit),
				AppointmentID:  in.AppointmentID,
				PatientID:      &in.PatientID,
				PractitionerID: in.PractitionerID,
				PerformedBy:    in.PerformedBy,
				OccurredAt:     now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	v.record(ctx, "vial.draw", sessionID.String(), in.PerformedBy, map[string]string{
		"patient_id": in.PatientID.String(),
		"units":      in.Units.String(),
	})
	if v.alerts != nil {
		v.alerts.EvaluateSession(ctx, sessionID)
	}
	return rec, nil
}

// CloseInput describes ending an open session.
type CloseInput struct {
	Reason   string  `json:"reason"`
	Notes    *string `json:"notes,omitempty"`
	ClosedBy string  `json:"closed_by"`
}

// Close ends a session. Remaining units become a waste record under the
// stated reason; a second close returns ErrDoubleClose so the waste is
// never counted twice.
func (v *VialService) Close(ctx context.Context, sessionID uuid.UUID, in CloseInput) (*OpenVialSession, error) {
	if !ValidWasteReasons[in.Reason] {
		return nil, fmt.Errorf("%w: invalid close reason %q", ErrValidation, in.Reason)
	}

	var session *OpenVialSession
	err := v.withRetry(func() error {
		var err error
		session, err = v.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Terminal() {
			return fmt.Errorf("%w: session already %s", ErrDoubleClose, session.Status)
		}

		now := v.now()
		remaining := session.CurrentUnits
		session.CurrentUnits = decimal.Zero
		session.WastedUnits = session.WastedUnits.Add(remaining)
		session.Status = SessionDiscarded
		session.ClosedAt = &now
		session.ClosedBy = &in.ClosedBy
		session.CloseReason = &in.Reason

		return v.runTx(ctx, func(ctx context.Context) error {
			if err := v.sessions.Update(ctx, session); err != nil {
				return err
			}
			if remaining.IsZero() {
				return nil
			}
			if err := v.waste.Create(ctx, &WasteRecord{
				SessionID:       &session.ID,
				LotID:           &session.LotID,
				ProductID:       session.ProductID,
				LocationID:      session.LocationID,
				UnitsWasted:     remaining,
				Reason:          in.Reason,
				UnitCost:        session.CostPerUnit,
				TotalWasteValue: remaining.Mul(session.CostPerUnit),
				Notes:           in.Notes,
				RecordedBy:      in.ClosedBy,
				OccurredAt:      now,
			}); err != nil {
				return err
			}
			reason := in.Reason
			return v.ledger.txns.Append(ctx, &InventoryTransaction{
				Type:           TxnWaste,
				ProductID:      session.ProductID,
				LotID:          &session.LotID,
				SessionID:      &session.ID,
				LocationID:     session.LocationID,
				Quantity:       remaining.Neg(),
				QuantityBefore: remaining,
				QuantityAfter:  decimal.Zero,
				UnitCost:       session.CostPerUnit,
				TotalCost:      remaining.Mul(session.CostPerUnit),
				Reason:         &reason,
				PerformedBy:    in.ClosedBy,
				OccurredAt:     now,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	v.record(ctx, "vial.close", sessionID.String(), in.ClosedBy, map[string]string{
		"reason":       in.Reason,
		"units_wasted": session.WastedUnits.String(),
	})
	return session, nil
}

// GetSession returns a session with its effective status applied. A
// lapsed stability window is persisted best-effort.
func (v *VialService) GetSession(ctx context.Context, id uuid.UUID) (*OpenVialSession, error) {
	session, err := v.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if eff := session.EffectiveStatus(v.now()); eff != session.Status {
		session.Status = eff
		_ = v.sessions.Update(ctx, session)
	}
	return session, nil
}

// ListSessions returns sessions matching the filter.
func (v *VialService) ListSessions(ctx context.Context, f SessionFilter, limit, offset int) ([]*OpenVialSession, int, error) {
	return v.sessions.List(ctx, f, limit, offset)
}

// UsagePatientTotal aggregates a session's draws for one patient.
type UsagePatientTotal struct {
	PatientID uuid.UUID       `json:"patient_id"`
	Units     decimal.Decimal `json:"units"`
	Draws     int             `json:"draws"`
}

// UsagePractitionerTotal aggregates a session's draws for one practitioner.
type UsagePractitionerTotal struct {
	PractitionerID uuid.UUID       `json:"practitioner_id"`
	Units          decimal.Decimal `json:"units"`
	Draws          int             `json:"draws"`
}

// UsageSummary rolls a session's draw history up by patient and by
// practitioner, first-seen order.
type UsageSummary struct {
	TotalUnits     decimal.Decimal          `json:"total_units"`
	ByPatient      []UsagePatientTotal      `json:"by_patient"`
	ByPractitioner []UsagePractitionerTotal `json:"by_practitioner"`
}

// UsageHistory returns the per-patient draws for a session along with
// per-patient and per-practitioner totals.
func (v *VialService) UsageHistory(ctx context.Context, sessionID uuid.UUID) ([]*VialUsageRecord, *UsageSummary, error) {
	if _, err := v.sessions.GetByID(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	records, err := v.usage.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	summary := &UsageSummary{TotalUnits: decimal.Zero}
	patientIdx := make(map[uuid.UUID]int)
	practitionerIdx := make(map[uuid.UUID]int)
	for _, rec := range records {
		summary.TotalUnits = summary.TotalUnits.Add(rec.UnitsUsed)

		i, ok := patientIdx[rec.PatientID]
		if !ok {
			i = len(summary.ByPatient)
			patientIdx[rec.PatientID] = i
			summary.ByPatient = append(summary.ByPatient, UsagePatientTotal{PatientID: rec.PatientID, Units: decimal.Zero})
		}
		summary.ByPatient[i].Units = summary.ByPatient[i].Units.Add(rec.UnitsUsed)
		summary.ByPatient[i].Draws++

		if rec.PractitionerID == nil {
			continue
		}
		j, ok := practitionerIdx[*rec.PractitionerID]
		if !ok {
			j = len(summary.ByPractitioner)
			practitionerIdx[*rec.PractitionerID] = j
			summary.ByPractitioner = append(summary.ByPractitioner, UsagePractitionerTotal{PractitionerID: *rec.PractitionerID, Units: decimal.Zero})
		}
		summary.ByPractitioner[j].Units = summary.ByPractitioner[j].Units.Add(rec.UnitsUsed)
		summary.ByPractitioner[j].Draws++
	}
	return records, summary, nil
}
