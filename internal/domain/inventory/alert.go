package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/medspa/inventory/internal/platform/notification"
)

// AlertService raises and manages inventory alerts. It implements
// AlertSink, so the ledger and vial services hand it post-commit
// evaluation hooks; its own failures are logged and never surfaced to
// the mutation that triggered them.
type AlertService struct {
	alerts   AlertRepository
	lots     LotRepository
	sessions SessionRepository
	catalog  ProductCatalog
	notifier *notification.Dispatcher
	logger   zerolog.Logger

	recipient       string
	stabilityMargin time.Duration
	now             func() time.Time
}

func NewAlertService(alerts AlertRepository, lots LotRepository, sessions SessionRepository, catalog ProductCatalog, logger zerolog.Logger) *AlertService {
	return &AlertService{
		alerts:          alerts,
		lots:            lots,
		sessions:        sessions,
		catalog:         catalog,
		logger:          logger,
		stabilityMargin: time.Hour,
		now:             time.Now,
	}
}

// SetNotifier attaches the outbound notification channel. recipient is
// the inventory-manager address alerts are delivered to.
func (a *AlertService) SetNotifier(d *notification.Dispatcher, recipient string) {
	a.notifier = d
	a.recipient = recipient
}

func (a *AlertService) SetClock(now func() time.Time) { a.now = now }

// SetStabilityMargin sets how far ahead of a session's stability
// deadline the stability_closing alert fires.
func (a *AlertService) SetStabilityMargin(d time.Duration) {
	if d > 0 {
		a.stabilityMargin = d
	}
}

// raise creates an alert unless an active one of the same type already
// covers the subject, making re-evaluation idempotent.
func (a *AlertService) raise(ctx context.Context, alert *InventoryAlert) (*InventoryAlert, bool, error) {
	existing, err := a.alerts.FindActive(ctx, alert.Type, alert.ProductID, alert.LotID, alert.SessionID, alert.LocationID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	alert.Status = AlertActive
	if err := a.alerts.Create(ctx, alert); err != nil {
		return nil, false, err
	}
	return alert, true, nil
}

func (a *AlertService) notify(ctx context.Context, templateID string, data map[string]string) {
	if a.notifier == nil || a.recipient == "" {
		return
	}
	if _, err := a.notifier.SendFromTemplate(ctx, templateID, data, a.recipient); err != nil {
		a.logger.Warn().Err(err).Str("template", templateID).Msg("alert notification failed")
	}
}

// EvaluateProduct checks a product's usable stock at a location against
// its reorder thresholds. Hitting zero raises out_of_stock and
// supersedes any active low_stock alert; dropping below the reorder
// point raises low_stock.
func (a *AlertService) EvaluateProduct(ctx context.Context, productID, locationID uuid.UUID) {
	product, err := a.catalog.GetProduct(ctx, productID)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("product_id", productID).Msg("alert evaluation: product lookup failed")
		return
	}

	lots, err := a.lots.ListByProduct(ctx, productID, locationID)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("product_id", productID).Msg("alert evaluation: lot listing failed")
		return
	}

	now := a.now()
	available := decimal.Zero
	for _, lot := range lots {
		if lot.EffectiveStatus(now) == LotAvailable {
			available = available.Add(lot.AvailableQuantity())
		}
	}

	pid, lid := productID, locationID
	switch {
	case available.IsZero():
		threshold := decimal.Zero
		_, created, err := a.raise(ctx, &InventoryAlert{
			Type:           AlertOutOfStock,
			Severity:       SeverityCritical,
			ProductID:      &pid,
			LocationID:     &lid,
			Title:          fmt.Sprintf("Out of stock: %s", product.Name),
			Message:        fmt.Sprintf("No usable stock remains for %s at this location.", product.Name),
			CurrentValue:   &available,
			ThresholdValue: &threshold,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("alert evaluation: raise out_of_stock failed")
			return
		}
		if created {
			a.dismissActive(ctx, AlertLowStock, &pid, nil, nil, &lid, "superseded by out_of_stock")
			a.notify(ctx, "lot-out-of-stock", map[string]string{"product": product.Name})
		}
	case product.ReorderPoint.IsPositive() && available.LessThanOrEqual(product.ReorderPoint):
		threshold := product.ReorderPoint
		_, created, err := a.raise(ctx, &InventoryAlert{
			Type:           AlertLowStock,
			Severity:       SeverityWarning,
			ProductID:      &pid,
			LocationID:     &lid,
			Title:          fmt.Sprintf("Low stock: %s", product.Name),
			Message:        fmt.Sprintf("Usable stock for %s is %s, at or below the reorder point of %s.", product.Name, available, product.ReorderPoint),
			CurrentValue:   &available,
			ThresholdValue: &threshold,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("alert evaluation: raise low_stock failed")
			return
		}
		if created {
			a.notify(ctx, "lot-low-stock", map[string]string{
				"product":   product.Name,
				"available": available.String(),
				"threshold": product.ReorderPoint.String(),
			})
		}
	default:
		// Stock recovered; standing stock alerts no longer apply.
		a.resolveActive(ctx, AlertOutOfStock, &pid, nil, nil, &lid, "stock replenished")
		a.resolveActive(ctx, AlertLowStock, &pid, nil, nil, &lid, "stock replenished")
	}
}

// EvaluateLot checks one lot's expiration window: expired lots get an
// expired alert, lots inside 30 days get expiring_soon with severity by
// proximity.
func (a *AlertService) EvaluateLot(ctx context.Context, lotID uuid.UUID) {
	lot, err := a.lots.GetByID(ctx, lotID)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("lot_id", lotID).Msg("alert evaluation: lot lookup failed")
		return
	}

	now := a.now()
	if lot.Status == LotDepleted || lot.Status == LotRecalled || lot.Status == LotDamaged {
		return
	}
	if lot.CurrentQuantity.IsZero() {
		return
	}

	days := int(lot.ExpirationDate.Sub(now).Hours() / 24)
	productName := lot.LotNumber
	var product *Product
	if p, err := a.catalog.GetProduct(ctx, lot.ProductID); err == nil && p != nil {
		product = p
		productName = p.Name
	}

	pid, lid, locID := lot.ProductID, lot.ID, lot.LocationID
	if lot.EffectiveStatus(now) == LotExpired {
		qty := lot.CurrentQuantity
		_, _, err := a.raise(ctx, &InventoryAlert{
			Type:                AlertExpired,
			Severity:            SeverityCritical,
			ProductID:           &pid,
			LotID:               &lid,
			LocationID:          &locID,
			Title:               fmt.Sprintf("Lot %s expired", lot.LotNumber),
			Message:             fmt.Sprintf("Lot %s of %s expired on %s with %s units on hand.", lot.LotNumber, productName, lot.ExpirationDate.Format("2006-01-02"), lot.CurrentQuantity),
			CurrentValue:        &qty,
			DaysUntilExpiration: &days,
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("alert evaluation: raise expired failed")
		}
		return
	}
	if days > 30 {
		return
	}

	severity := SeverityInfo
	switch {
	case days <= 7:
		severity = SeverityCritical
	case days <= 30:
		severity = SeverityWarning
	}

	qty := lot.CurrentQuantity
	_, created, err := a.raise(ctx, &InventoryAlert{
		Type:                AlertExpiringSoon,
		Severity:            severity,
		ProductID:           &pid,
		LotID:               &lid,
		LocationID:          &locID,
		Title:               fmt.Sprintf("Lot %s expires in %d days", lot.LotNumber, days),
		Message:             fmt.Sprintf("Lot %s of %s expires on %s. %s units remain.", lot.LotNumber, productName, lot.ExpirationDate.Format("2006-01-02"), lot.CurrentQuantity),
		CurrentValue:        &qty,
		DaysUntilExpiration: &days,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("alert evaluation: raise expiring_soon failed")
		return
	}
	if created && product != nil {
		a.notify(ctx, "lot-expiring", map[string]string{
			"lot_number":      lot.LotNumber,
			"product":         product.Name,
			"expiration_date": lot.ExpirationDate.Format("2006-01-02"),
			"remaining":       lot.CurrentQuantity.String(),
		})
	}
}

// EvaluateSession raises stability_closing when an active session is
// inside the warning margin of its stability deadline. Sessions already
// past the deadline are the draw path's concern, not an alert.
func (a *AlertService) EvaluateSession(ctx context.Context, sessionID uuid.UUID) {
	session, err := a.sessions.GetByID(ctx, sessionID)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("session_id", sessionID).Msg("alert evaluation: session lookup failed")
		return
	}
	if session.Terminal() {
		return
	}

	now := a.now()
	remaining := session.ExpiresAt().Sub(now)
	if remaining <= 0 || remaining > a.stabilityMargin {
		return
	}

	productName := session.ProductID.String()
	var product *Product
	if p, err := a.catalog.GetProduct(ctx, session.ProductID); err == nil && p != nil {
		product = p
		productName = p.Name
	}

	pid, sid, locID := session.ProductID, session.ID, session.LocationID
	units := session.CurrentUnits
	minutes := int(remaining.Minutes())
	_, created, err := a.raise(ctx, &InventoryAlert{
		Type:         AlertStabilityClosing,
		Severity:     SeverityWarning,
		ProductID:    &pid,
		SessionID:    &sid,
		LocationID:   &locID,
		Title:        fmt.Sprintf("Open vial stability window closes in %d minutes", minutes),
		Message:      fmt.Sprintf("Open vial of %s must be used or discarded by %s. %s units remain.", productName, session.ExpiresAt().Format(time.RFC3339), session.CurrentUnits),
		CurrentValue: &units,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("alert evaluation: raise stability_closing failed")
		return
	}
	if created && product != nil {
		a.notify(ctx, "vial-stability-closing", map[string]string{
			"product":    product.Name,
			"expires_at": session.ExpiresAt().Format(time.RFC3339),
			"remaining":  session.CurrentUnits.String(),
		})
	}
}

// LotRecalled raises the critical recall alert and flags any open
// sessions still drawing from the lot.
func (a *AlertService) LotRecalled(ctx context.Context, lot *Lot) {
	productName := lot.LotNumber
	if p, err := a.catalog.GetProduct(ctx, lot.ProductID); err == nil && p != nil {
		productName = p.Name
	}
	reason := ""
	if lot.RecallReason != nil {
		reason = *lot.RecallReason
	}

	pid, lid, locID := lot.ProductID, lot.ID, lot.LocationID
	_, created, err := a.raise(ctx, &InventoryAlert{
		Type:       AlertRecall,
		Severity:   SeverityCritical,
		ProductID:  &pid,
		LotID:      &lid,
		LocationID: &locID,
		Title:      fmt.Sprintf("Recall: lot %s", lot.LotNumber),
		Message:    fmt.Sprintf("Lot %s of %s has been recalled: %s", lot.LotNumber, productName, reason),
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("alert evaluation: raise recall failed")
		return
	}
	if !created {
		return
	}

	a.notify(ctx, "lot-recalled", map[string]string{
		"lot_number": lot.LotNumber,
		"product":    productName,
		"reason":     reason,
	})

	sessions, err := a.sessions.ListActiveByLot(ctx, lot.ID)
	if err != nil {
		a.logger.Warn().Err(err).Stringer("lot_id", lot.ID).Msg("recall: session listing failed")
		return
	}
	for _, s := range sessions {
		sid := s.ID
		if _, _, err := a.raise(ctx, &InventoryAlert{
			Type:       AlertRecall,
			Severity:   SeverityCritical,
			ProductID:  &pid,
			LotID:      &lid,
			SessionID:  &sid,
			LocationID: &locID,
			Title:      fmt.Sprintf("Recalled lot has an open vial (lot %s)", lot.LotNumber),
			Message:    fmt.Sprintf("An open vial session drawing from recalled lot %s is still active. Discard it and review patients treated from it.", lot.LotNumber),
		}); err != nil {
			a.logger.Warn().Err(err).Stringer("session_id", s.ID).Msg("recall: session alert failed")
		}
	}
}

// LotVariance raises the critical variance alert when the transaction
// fold disagrees with the cached lot quantity.
func (a *AlertService) LotVariance(ctx context.Context, lot *Lot, computed decimal.Decimal) {
	productName := lot.LotNumber
	if p, err := a.catalog.GetProduct(ctx, lot.ProductID); err == nil && p != nil {
		productName = p.Name
	}

	pid, lid, locID := lot.ProductID, lot.ID, lot.LocationID
	snapshot := lot.CurrentQuantity
	ledger := computed
	_, created, err := a.raise(ctx, &InventoryAlert{
		Type:           AlertVariance,
		Severity:       SeverityCritical,
		ProductID:      &pid,
		LotID:          &lid,
		LocationID:     &locID,
		Title:          fmt.Sprintf("Ledger variance on lot %s", lot.LotNumber),
		Message:        fmt.Sprintf("Lot %s of %s: snapshot %s does not match transaction history %s.", lot.LotNumber, productName, lot.CurrentQuantity, computed),
		CurrentValue:   &snapshot,
		ThresholdValue: &ledger,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("alert evaluation: raise variance failed")
		return
	}
	if created {
		a.notify(ctx, "lot-variance", map[string]string{
			"lot_number": lot.LotNumber,
			"product":    productName,
			"snapshot":   lot.CurrentQuantity.String(),
			"computed":   computed.String(),
		})
	}
}

// SweepExpiring evaluates every lot expiring inside the window and
// every active session's stability deadline, the periodic job behind
// proactive expiry alerts.
func (a *AlertService) SweepExpiring(ctx context.Context, withinDays int, locationID *uuid.UUID) (int, error) {
	if withinDays <= 0 {
		return 0, fmt.Errorf("%w: withinDays must be positive", ErrValidation)
	}
	cutoff := a.now().AddDate(0, 0, withinDays)
	lots, err := a.lots.ListExpiring(ctx, cutoff, locationID)
	if err != nil {
		return 0, err
	}
	for _, lot := range lots {
		a.EvaluateLot(ctx, lot.ID)
	}

	sessions, _, err := a.sessions.List(ctx, SessionFilter{Status: SessionActive, LocationID: locationID}, 500, 0)
	if err != nil {
		return len(lots), err
	}
	for _, session := range sessions {
		a.EvaluateSession(ctx, session.ID)
	}
	return len(lots) + len(sessions), nil
}

func (a *AlertService) dismissActive(ctx context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID, note string) {
	a.closeActive(ctx, alertType, productID, lotID, sessionID, locationID, AlertDismissed, note)
}

func (a *AlertService) resolveActive(ctx context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID, note string) {
	a.closeActive(ctx, alertType, productID, lotID, sessionID, locationID, AlertResolved, note)
}

func (a *AlertService) closeActive(ctx context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID, status, note string) {
	existing, err := a.alerts.FindActive(ctx, alertType, productID, lotID, sessionID, locationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.logger.Warn().Err(err).Str("alert_type", alertType).Msg("alert close: lookup failed")
		}
		return
	}
	if existing == nil {
		return
	}
	now := a.now()
	system := "system"
	existing.Status = status
	existing.ResolvedBy = &system
	existing.ResolvedAt = &now
	existing.Resolution = &note
	if err := a.alerts.Update(ctx, existing); err != nil {
		a.logger.Warn().Err(err).Stringer("alert_id", existing.ID).Msg("alert close: update failed")
	}
}

// GetAlert returns one alert.
func (a *AlertService) GetAlert(ctx context.Context, id uuid.UUID) (*InventoryAlert, error) {
	return a.alerts.GetByID(ctx, id)
}

// ListAlerts returns alerts matching the filter.
func (a *AlertService) ListAlerts(ctx context.Context, f AlertFilter, limit, offset int) ([]*InventoryAlert, int, error) {
	return a.alerts.List(ctx, f, limit, offset)
}

// Acknowledge marks an active alert as seen.
func (a *AlertService) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*InventoryAlert, error) {
	alert, err := a.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status != AlertActive {
		return nil, fmt.Errorf("%w: only active alerts can be acknowledged", ErrValidation)
	}
	now := a.now()
	alert.Status = AlertAcknowledged
	alert.AcknowledgedBy = &actor
	alert.AcknowledgedAt = &now
	if err := a.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Resolve closes an alert with a resolution note.
func (a *AlertService) Resolve(ctx context.Context, id uuid.UUID, resolution, actor string) (*InventoryAlert, error) {
	if resolution == "" {
		return nil, fmt.Errorf("%w: resolution is required", ErrValidation)
	}
	alert, err := a.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == AlertResolved || alert.Status == AlertDismissed {
		return nil, fmt.Errorf("%w: alert is already closed", ErrValidation)
	}
	now := a.now()
	alert.Status = AlertResolved
	alert.ResolvedBy = &actor
	alert.ResolvedAt = &now
	alert.Resolution = &resolution
	if err := a.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}

// Dismiss closes an alert without action.
func (a *AlertService) Dismiss(ctx context.Context, id uuid.UUID, actor string) (*InventoryAlert, error) {
	alert, err := a.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert.Status == AlertResolved || alert.Status == AlertDismissed {
		return nil, fmt.Errorf("%w: alert is already closed", ErrValidation)
	}
	now := a.now()
	note := "dismissed"
	alert.Status = AlertDismissed
	alert.ResolvedBy = &actor
	alert.ResolvedAt = &now
	alert.Resolution = &note
	if err := a.alerts.Update(ctx, alert); err != nil {
		return nil, err
	}
	return alert, nil
}
