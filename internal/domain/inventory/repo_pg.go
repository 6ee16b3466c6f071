package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medspa/inventory/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// where assembles a dynamic filter clause with positional args.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, arg interface{}) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// =========== Lot Repository ===========

type lotRepoPG struct{ pool *pgxpool.Pool }

func NewLotRepoPG(pool *pgxpool.Pool) LotRepository {
	return &lotRepoPG{pool: pool}
}

func (r *lotRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const lotCols = `id, product_id, location_id, lot_number,
	manufacturing_date, expiration_date, received_date, opened_date,
	initial_quantity, current_quantity, reserved_quantity,
	unit_type, unit_cost, vendor_id, purchase_order_id, storage_location,
	status, recalled_date, recall_reason, recall_number, quality_notes,
	version, created_by, created_at, updated_at`

func scanLot(row pgx.Row) (*Lot, error) {
	var l Lot
	err := row.Scan(&l.ID, &l.ProductID, &l.LocationID, &l.LotNumber,
		&l.ManufacturingDate, &l.ExpirationDate, &l.ReceivedDate, &l.OpenedDate,
		&l.InitialQuantity, &l.CurrentQuantity, &l.ReservedQuantity,
		&l.UnitType, &l.UnitCost, &l.VendorID, &l.PurchaseOrderID, &l.StorageLocation,
		&l.Status, &l.RecalledDate, &l.RecallReason, &l.RecallNumber, &l.QualityNotes,
		&l.Version, &l.CreatedBy, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (r *lotRepoPG) Create(ctx context.Context, l *Lot) error {
	l.ID = uuid.New()
	l.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lots (id, product_id, location_id, lot_number,
			manufacturing_date, expiration_date, received_date, opened_date,
			initial_quantity, current_quantity, reserved_quantity,
			unit_type, unit_cost, vendor_id, purchase_order_id, storage_location,
			status, version, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		l.ID, l.ProductID, l.LocationID, l.LotNumber,
		l.ManufacturingDate, l.ExpirationDate, l.ReceivedDate, l.OpenedDate,
		l.InitialQuantity, l.CurrentQuantity, l.ReservedQuantity,
		l.UnitType, l.UnitCost, l.VendorID, l.PurchaseOrderID, l.StorageLocation,
		l.Status, l.Version, l.CreatedBy)
	return err
}

func (r *lotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Lot, error) {
	return scanLot(r.conn(ctx).QueryRow(ctx, `SELECT `+lotCols+` FROM lots WHERE id = $1`, id))
}

func (r *lotRepoPG) GetByLotNumber(ctx context.Context, productID, locationID uuid.UUID, lotNumber string) (*Lot, error) {
	return scanLot(r.conn(ctx).QueryRow(ctx, `
		SELECT `+lotCols+` FROM lots
		WHERE product_id = $1 AND location_id = $2 AND lot_number = $3`,
		productID, locationID, lotNumber))
}

func (r *lotRepoPG) Update(ctx context.Context, l *Lot) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lots SET current_quantity=$3, reserved_quantity=$4, status=$5,
			opened_date=$6, recalled_date=$7, recall_reason=$8, recall_number=$9,
			quality_notes=$10, storage_location=$11,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		l.ID, l.Version, l.CurrentQuantity, l.ReservedQuantity, l.Status,
		l.OpenedDate, l.RecalledDate, l.RecallReason, l.RecallNumber,
		l.QualityNotes, l.StorageLocation)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	l.Version++
	return nil
}

func (r *lotRepoPG) List(ctx context.Context, f LotFilter, limit, offset int) ([]*Lot, int, error) {
	var w where
	if f.ProductID != nil {
		w.add("product_id = $%d", *f.ProductID)
	}
	if f.LocationID != nil {
		w.add("location_id = $%d", *f.LocationID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lots`+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+lotCols+` FROM lots`+w.clause()+` ORDER BY expiration_date ASC LIMIT $%d OFFSET $%d`,
		len(w.args)+1, len(w.args)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, l)
	}
	return items, total, rows.Err()
}

func (r *lotRepoPG) ListByProduct(ctx context.Context, productID, locationID uuid.UUID) ([]*Lot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+lotCols+` FROM lots
		WHERE product_id = $1 AND location_id = $2
		  AND status NOT IN ('depleted', 'recalled', 'damaged')
		ORDER BY expiration_date ASC`, productID, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

func (r *lotRepoPG) ListExpiring(ctx context.Context, before time.Time, locationID *uuid.UUID) ([]*Lot, error) {
	var w where
	w.add("expiration_date <= $%d", before)
	if locationID != nil {
		w.add("location_id = $%d", *locationID)
	}
	w.conds = append(w.conds, "status NOT IN ('depleted', 'recalled', 'damaged')")

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+lotCols+` FROM lots`+w.clause()+` ORDER BY expiration_date ASC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}

// =========== Transaction Repository ===========

type txnRepoPG struct{ pool *pgxpool.Pool }

func NewTransactionRepoPG(pool *pgxpool.Pool) TransactionRepository {
	return &txnRepoPG{pool: pool}
}

func (r *txnRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const txnCols = `id, transaction_type, product_id, lot_id, session_id, location_id,
	quantity, quantity_before, quantity_after, unit_cost, total_cost,
	appointment_id, patient_id, practitioner_id, reason, performed_by, occurred_at`

func scanTxn(row pgx.Row) (*InventoryTransaction, error) {
	var t InventoryTransaction
	err := row.Scan(&t.ID, &t.Type, &t.ProductID, &t.LotID, &t.SessionID, &t.LocationID,
		&t.Quantity, &t.QuantityBefore, &t.QuantityAfter, &t.UnitCost, &t.TotalCost,
		&t.AppointmentID, &t.PatientID, &t.PractitionerID, &t.Reason, &t.PerformedBy, &t.OccurredAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

func (r *txnRepoPG) Append(ctx context.Context, t *InventoryTransaction) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_transactions (id, transaction_type, product_id, lot_id, session_id,
			location_id, quantity, quantity_before, quantity_after, unit_cost, total_cost,
			appointment_id, patient_id, practitioner_id, reason, performed_by, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		t.ID, t.Type, t.ProductID, t.LotID, t.SessionID,
		t.LocationID, t.Quantity, t.QuantityBefore, t.QuantityAfter, t.UnitCost, t.TotalCost,
		t.AppointmentID, t.PatientID, t.PractitionerID, t.Reason, t.PerformedBy, t.OccurredAt)
	return err
}

func (r *txnRepoPG) ListByLot(ctx context.Context, lotID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM inventory_transactions WHERE lot_id = $1`, lotID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+txnCols+` FROM inventory_transactions
		WHERE lot_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2 OFFSET $3`,
		lotID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InventoryTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (r *txnRepoPG) ListAllByLot(ctx context.Context, lotID uuid.UUID) ([]*InventoryTransaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+txnCols+` FROM inventory_transactions
		WHERE lot_id = $1 ORDER BY occurred_at ASC, id ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InventoryTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *txnRepoPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*InventoryTransaction, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+txnCols+` FROM inventory_transactions
		WHERE session_id = $1 ORDER BY occurred_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*InventoryTransaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository {
	return &sessionRepoPG{pool: pool}
}

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const sessionCols = `id, lot_id, product_id, location_id,
	original_units, current_units, used_units, wasted_units,
	reconstituted_at, reconstituted_by, diluent_type, diluent_volume_ml, concentration,
	stability_hours, status, closed_at, closed_by, close_reason,
	vial_cost, cost_per_unit, revenue_generated, total_patients,
	version, created_at, updated_at`

func scanSession(row pgx.Row) (*OpenVialSession, error) {
	var s OpenVialSession
	err := row.Scan(&s.ID, &s.LotID, &s.ProductID, &s.LocationID,
		&s.OriginalUnits, &s.CurrentUnits, &s.UsedUnits, &s.WastedUnits,
		&s.ReconstitutedAt, &s.ReconstitutedBy, &s.DiluentType, &s.DiluentVolumeML, &s.Concentration,
		&s.StabilityHours, &s.Status, &s.ClosedAt, &s.ClosedBy, &s.CloseReason,
		&s.VialCost, &s.CostPerUnit, &s.RevenueGenerated, &s.TotalPatients,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *OpenVialSession) error {
	s.ID = uuid.New()
	s.Version = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO open_vial_sessions (id, lot_id, product_id, location_id,
			original_units, current_units, used_units, wasted_units,
			reconstituted_at, reconstituted_by, diluent_type, diluent_volume_ml, concentration,
			stability_hours, status, vial_cost, cost_per_unit, revenue_generated,
			total_patients, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		s.ID, s.LotID, s.ProductID, s.LocationID,
		s.OriginalUnits, s.CurrentUnits, s.UsedUnits, s.WastedUnits,
		s.ReconstitutedAt, s.ReconstitutedBy, s.DiluentType, s.DiluentVolumeML, s.Concentration,
		s.StabilityHours, s.Status, s.VialCost, s.CostPerUnit, s.RevenueGenerated,
		s.TotalPatients, s.Version)
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*OpenVialSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx, `SELECT `+sessionCols+` FROM open_vial_sessions WHERE id = $1`, id))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *OpenVialSession) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE open_vial_sessions SET current_units=$3, used_units=$4, wasted_units=$5,
			status=$6, closed_at=$7, closed_by=$8, close_reason=$9,
			revenue_generated=$10, total_patients=$11,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2`,
		s.ID, s.Version, s.CurrentUnits, s.UsedUnits, s.WastedUnits,
		s.Status, s.ClosedAt, s.ClosedBy, s.CloseReason,
		s.RevenueGenerated, s.TotalPatients)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	s.Version++
	return nil
}

func (r *sessionRepoPG) List(ctx context.Context, f SessionFilter, limit, offset int) ([]*OpenVialSession, int, error) {
	var w where
	if f.LotID != nil {
		w.add("lot_id = $%d", *f.LotID)
	}
	if f.ProductID != nil {
		w.add("product_id = $%d", *f.ProductID)
	}
	if f.LocationID != nil {
		w.add("location_id = $%d", *f.LocationID)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM open_vial_sessions`+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+sessionCols+` FROM open_vial_sessions`+w.clause()+` ORDER BY reconstituted_at DESC LIMIT $%d OFFSET $%d`,
		len(w.args)+1, len(w.args)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*OpenVialSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *sessionRepoPG) ListActiveByLot(ctx context.Context, lotID uuid.UUID) ([]*OpenVialSession, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+sessionCols+` FROM open_vial_sessions
		WHERE lot_id = $1 AND status = 'active'
		ORDER BY reconstituted_at ASC`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OpenVialSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// =========== Usage Repository ===========

type usageRepoPG struct{ pool *pgxpool.Pool }

func NewUsageRepoPG(pool *pgxpool.Pool) UsageRepository {
	return &usageRepoPG{pool: pool}
}

func (r *usageRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const usageCols = `id, session_id, patient_id, appointment_id, practitioner_id,
	units_used, areas_injected, notes, performed_by, occurred_at`

func (r *usageRepoPG) Create(ctx context.Context, u *VialUsageRecord) error {
	u.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vial_usage_records (id, session_id, patient_id, appointment_id, practitioner_id,
			units_used, areas_injected, notes, performed_by, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		u.ID, u.SessionID, u.PatientID, u.AppointmentID, u.PractitionerID,
		u.UnitsUsed, u.AreasInjected, u.Notes, u.PerformedBy, u.OccurredAt)
	return err
}

func (r *usageRepoPG) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*VialUsageRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+usageCols+` FROM vial_usage_records
		WHERE session_id = $1 ORDER BY occurred_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*VialUsageRecord
	for rows.Next() {
		var u VialUsageRecord
		if err := rows.Scan(&u.ID, &u.SessionID, &u.PatientID, &u.AppointmentID, &u.PractitionerID,
			&u.UnitsUsed, &u.AreasInjected, &u.Notes, &u.PerformedBy, &u.OccurredAt); err != nil {
			return nil, err
		}
		items = append(items, &u)
	}
	return items, rows.Err()
}

// =========== Waste Repository ===========

type wasteRepoPG struct{ pool *pgxpool.Pool }

func NewWasteRepoPG(pool *pgxpool.Pool) WasteRepository {
	return &wasteRepoPG{pool: pool}
}

func (r *wasteRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const wasteCols = `id, lot_id, session_id, product_id, location_id,
	units_wasted, reason, unit_cost, total_waste_value,
	practitioner_id, appointment_id, notes, recorded_by, occurred_at`

func (r *wasteRepoPG) Create(ctx context.Context, rec *WasteRecord) error {
	rec.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO waste_records (id, lot_id, session_id, product_id, location_id,
			units_wasted, reason, unit_cost, total_waste_value,
			practitioner_id, appointment_id, notes, recorded_by, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		rec.ID, rec.LotID, rec.SessionID, rec.ProductID, rec.LocationID,
		rec.UnitsWasted, rec.Reason, rec.UnitCost, rec.TotalWasteValue,
		rec.PractitionerID, rec.AppointmentID, rec.Notes, rec.RecordedBy, rec.OccurredAt)
	return err
}

func (r *wasteRepoPG) List(ctx context.Context, f WasteFilter, limit, offset int) ([]*WasteRecord, int, error) {
	var w where
	if f.LotID != nil {
		w.add("lot_id = $%d", *f.LotID)
	}
	if f.SessionID != nil {
		w.add("session_id = $%d", *f.SessionID)
	}
	if f.ProductID != nil {
		w.add("product_id = $%d", *f.ProductID)
	}
	if f.LocationID != nil {
		w.add("location_id = $%d", *f.LocationID)
	}
	if f.Reason != "" {
		w.add("reason = $%d", f.Reason)
	}
	if f.From != nil {
		w.add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("occurred_at <= $%d", *f.To)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM waste_records`+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+wasteCols+` FROM waste_records`+w.clause()+` ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`,
		len(w.args)+1, len(w.args)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*WasteRecord
	for rows.Next() {
		var rec WasteRecord
		if err := rows.Scan(&rec.ID, &rec.LotID, &rec.SessionID, &rec.ProductID, &rec.LocationID,
			&rec.UnitsWasted, &rec.Reason, &rec.UnitCost, &rec.TotalWasteValue,
			&rec.PractitionerID, &rec.AppointmentID, &rec.Notes, &rec.RecordedBy, &rec.OccurredAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &rec)
	}
	return items, total, rows.Err()
}

// =========== Alert Repository ===========

type alertRepoPG struct{ pool *pgxpool.Pool }

func NewAlertRepoPG(pool *pgxpool.Pool) AlertRepository {
	return &alertRepoPG{pool: pool}
}

func (r *alertRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const alertCols = `id, alert_type, severity, status, product_id, lot_id, session_id, location_id,
	title, message, current_value, threshold_value, days_until_expiration,
	acknowledged_by, acknowledged_at, resolved_by, resolved_at, resolution,
	created_at, updated_at`

func scanAlert(row pgx.Row) (*InventoryAlert, error) {
	var a InventoryAlert
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.Status, &a.ProductID, &a.LotID, &a.SessionID, &a.LocationID,
		&a.Title, &a.Message, &a.CurrentValue, &a.ThresholdValue, &a.DaysUntilExpiration,
		&a.AcknowledgedBy, &a.AcknowledgedAt, &a.ResolvedBy, &a.ResolvedAt, &a.Resolution,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *alertRepoPG) Create(ctx context.Context, a *InventoryAlert) error {
	a.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO inventory_alerts (id, alert_type, severity, status, product_id, lot_id,
			session_id, location_id, title, message, current_value, threshold_value,
			days_until_expiration)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.Type, a.Severity, a.Status, a.ProductID, a.LotID,
		a.SessionID, a.LocationID, a.Title, a.Message, a.CurrentValue, a.ThresholdValue,
		a.DaysUntilExpiration)
	return err
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*InventoryAlert, error) {
	return scanAlert(r.conn(ctx).QueryRow(ctx, `SELECT `+alertCols+` FROM inventory_alerts WHERE id = $1`, id))
}

func (r *alertRepoPG) Update(ctx context.Context, a *InventoryAlert) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory_alerts SET severity=$2, status=$3, title=$4, message=$5,
			current_value=$6, threshold_value=$7, days_until_expiration=$8,
			acknowledged_by=$9, acknowledged_at=$10,
			resolved_by=$11, resolved_at=$12, resolution=$13, updated_at=NOW()
		WHERE id = $1`,
		a.ID, a.Severity, a.Status, a.Title, a.Message,
		a.CurrentValue, a.ThresholdValue, a.DaysUntilExpiration,
		a.AcknowledgedBy, a.AcknowledgedAt,
		a.ResolvedBy, a.ResolvedAt, a.Resolution)
	return err
}

func (r *alertRepoPG) List(ctx context.Context, f AlertFilter, limit, offset int) ([]*InventoryAlert, int, error) {
	var w where
	if f.Type != "" {
		w.add("alert_type = $%d", f.Type)
	}
	if f.Severity != "" {
		w.add("severity = $%d", f.Severity)
	}
	if f.Status != "" {
		w.add("status = $%d", f.Status)
	}
	if f.ProductID != nil {
		w.add("product_id = $%d", *f.ProductID)
	}
	if f.LotID != nil {
		w.add("lot_id = $%d", *f.LotID)
	}
	if f.SessionID != nil {
		w.add("session_id = $%d", *f.SessionID)
	}
	if f.LocationID != nil {
		w.add("location_id = $%d", *f.LocationID)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM inventory_alerts`+w.clause(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args := append(w.args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+alertCols+` FROM inventory_alerts`+w.clause()+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		len(w.args)+1, len(w.args)+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*InventoryAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *alertRepoPG) FindActive(ctx context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID) (*InventoryAlert, error) {
	var w where
	w.add("alert_type = $%d", alertType)
	w.conds = append(w.conds, "status = 'active'")
	if productID != nil {
		w.add("product_id = $%d", *productID)
	} else {
		w.conds = append(w.conds, "product_id IS NULL")
	}
	if lotID != nil {
		w.add("lot_id = $%d", *lotID)
	} else {
		w.conds = append(w.conds, "lot_id IS NULL")
	}
	if sessionID != nil {
		w.add("session_id = $%d", *sessionID)
	} else {
		w.conds = append(w.conds, "session_id IS NULL")
	}
	if locationID != nil {
		w.add("location_id = $%d", *locationID)
	}

	a, err := scanAlert(r.conn(ctx).QueryRow(ctx,
		`SELECT `+alertCols+` FROM inventory_alerts`+w.clause()+` ORDER BY created_at DESC LIMIT 1`, w.args...))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// =========== Product Catalog ===========

type productCatalogPG struct{ pool *pgxpool.Pool }

func NewProductCatalogPG(pool *pgxpool.Pool) ProductCatalog {
	return &productCatalogPG{pool: pool}
}

func (r *productCatalogPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func (r *productCatalogPG) GetProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	var p Product
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, name, unit_type, reorder_point, reorder_quantity,
			min_stock_level, max_stock_level, units_per_package,
			max_stability_hours, cost_price
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.UnitType, &p.ReorderPoint, &p.ReorderQuantity,
			&p.MinStockLevel, &p.MaxStockLevel, &p.UnitsPerPackage,
			&p.MaxStabilityHours, &p.CostPrice)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
