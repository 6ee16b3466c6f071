package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/medspa/inventory/internal/platform/audit"
)

// In-memory repositories backing the service tests. They copy on read
// and write and enforce the same version CAS as the Postgres layer, so
// conflict handling is exercised for real.

type memLotRepo struct {
	mu   sync.Mutex
	lots map[uuid.UUID]*Lot
}

func newMemLotRepo() *memLotRepo {
	return &memLotRepo{lots: make(map[uuid.UUID]*Lot)}
}

func copyLot(l *Lot) *Lot {
	c := *l
	return &c
}

func (r *memLotRepo) Create(_ context.Context, l *Lot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	l.ID = uuid.New()
	l.Version = 1
	r.lots[l.ID] = copyLot(l)
	return nil
}

func (r *memLotRepo) GetByID(_ context.Context, id uuid.UUID) (*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lots[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyLot(l), nil
}

func (r *memLotRepo) GetByLotNumber(_ context.Context, productID, locationID uuid.UUID, lotNumber string) (*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lots {
		if l.ProductID == productID && l.LocationID == locationID && l.LotNumber == lotNumber {
			return copyLot(l), nil
		}
	}
	return nil, ErrNotFound
}

func (r *memLotRepo) Update(_ context.Context, l *Lot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.lots[l.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != l.Version {
		return ErrConcurrencyConflict
	}
	l.Version++
	r.lots[l.ID] = copyLot(l)
	return nil
}

func (r *memLotRepo) List(_ context.Context, f LotFilter, limit, offset int) ([]*Lot, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Lot
	for _, l := range r.lots {
		if f.ProductID != nil && l.ProductID != *f.ProductID {
			continue
		}
		if f.LocationID != nil && l.LocationID != *f.LocationID {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		items = append(items, copyLot(l))
	}
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

func (r *memLotRepo) ListByProduct(_ context.Context, productID, locationID uuid.UUID) ([]*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Lot
	for _, l := range r.lots {
		if l.ProductID != productID || l.LocationID != locationID {
			continue
		}
		if l.Status == LotDepleted || l.Status == LotRecalled || l.Status == LotDamaged {
			continue
		}
		items = append(items, copyLot(l))
	}
	// earliest expiration first
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			if items[j].ExpirationDate.Before(items[i].ExpirationDate) {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	return items, nil
}

func (r *memLotRepo) ListExpiring(_ context.Context, before time.Time, locationID *uuid.UUID) ([]*Lot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Lot
	for _, l := range r.lots {
		if l.ExpirationDate.After(before) {
			continue
		}
		if locationID != nil && l.LocationID != *locationID {
			continue
		}
		if l.Status == LotDepleted || l.Status == LotRecalled || l.Status == LotDamaged {
			continue
		}
		items = append(items, copyLot(l))
	}
	return items, nil
}

type memTxnRepo struct {
	mu   sync.Mutex
	txns []*InventoryTransaction
}

func newMemTxnRepo() *memTxnRepo { return &memTxnRepo{} }

func (r *memTxnRepo) Append(_ context.Context, t *InventoryTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.ID = uuid.New()
	c := *t
	r.txns = append(r.txns, &c)
	return nil
}

func (r *memTxnRepo) ListByLot(_ context.Context, lotID uuid.UUID, limit, offset int) ([]*InventoryTransaction, int, error) {
	all, err := r.ListAllByLot(context.Background(), lotID)
	if err != nil {
		return nil, 0, err
	}
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

func (r *memTxnRepo) ListAllByLot(_ context.Context, lotID uuid.UUID) ([]*InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*InventoryTransaction
	for _, t := range r.txns {
		if t.LotID != nil && *t.LotID == lotID {
			c := *t
			items = append(items, &c)
		}
	}
	return items, nil
}

func (r *memTxnRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*InventoryTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*InventoryTransaction
	for _, t := range r.txns {
		if t.SessionID != nil && *t.SessionID == sessionID {
			c := *t
			items = append(items, &c)
		}
	}
	return items, nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*OpenVialSession
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[uuid.UUID]*OpenVialSession)}
}

func copySession(s *OpenVialSession) *OpenVialSession {
	c := *s
	return &c
}

func (r *memSessionRepo) Create(_ context.Context, s *OpenVialSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.ID = uuid.New()
	s.Version = 1
	r.sessions[s.ID] = copySession(s)
	return nil
}

func (r *memSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*OpenVialSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

func (r *memSessionRepo) Update(_ context.Context, s *OpenVialSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != s.Version {
		return ErrConcurrencyConflict
	}
	s.Version++
	r.sessions[s.ID] = copySession(s)
	return nil
}

func (r *memSessionRepo) List(_ context.Context, f SessionFilter, limit, offset int) ([]*OpenVialSession, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*OpenVialSession
	for _, s := range r.sessions {
		if f.LotID != nil && s.LotID != *f.LotID {
			continue
		}
		if f.ProductID != nil && s.ProductID != *f.ProductID {
			continue
		}
		if f.LocationID != nil && s.LocationID != *f.LocationID {
			continue
		}
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		items = append(items, copySession(s))
	}
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

func (r *memSessionRepo) ListActiveByLot(_ context.Context, lotID uuid.UUID) ([]*OpenVialSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*OpenVialSession
	for _, s := range r.sessions {
		if s.LotID == lotID && s.Status == SessionActive {
			items = append(items, copySession(s))
		}
	}
	return items, nil
}

type memUsageRepo struct {
	mu      sync.Mutex
	records []*VialUsageRecord
}

func newMemUsageRepo() *memUsageRepo { return &memUsageRepo{} }

func (r *memUsageRepo) Create(_ context.Context, u *VialUsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u.ID = uuid.New()
	c := *u
	r.records = append(r.records, &c)
	return nil
}

func (r *memUsageRepo) ListBySession(_ context.Context, sessionID uuid.UUID) ([]*VialUsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*VialUsageRecord
	for _, u := range r.records {
		if u.SessionID == sessionID {
			c := *u
			items = append(items, &c)
		}
	}
	return items, nil
}

type memWasteRepo struct {
	mu      sync.Mutex
	records []*WasteRecord
}

func newMemWasteRepo() *memWasteRepo { return &memWasteRepo{} }

func (r *memWasteRepo) Create(_ context.Context, w *WasteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w.ID = uuid.New()
	c := *w
	r.records = append(r.records, &c)
	return nil
}

func (r *memWasteRepo) List(_ context.Context, f WasteFilter, limit, offset int) ([]*WasteRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*WasteRecord
	for _, w := range r.records {
		if f.LotID != nil && (w.LotID == nil || *w.LotID != *f.LotID) {
			continue
		}
		if f.SessionID != nil && (w.SessionID == nil || *w.SessionID != *f.SessionID) {
			continue
		}
		if f.ProductID != nil && w.ProductID != *f.ProductID {
			continue
		}
		if f.Reason != "" && w.Reason != f.Reason {
			continue
		}
		c := *w
		items = append(items, &c)
	}
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

type memAlertRepo struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*InventoryAlert
}

func newMemAlertRepo() *memAlertRepo {
	return &memAlertRepo{alerts: make(map[uuid.UUID]*InventoryAlert)}
}

func copyAlert(a *InventoryAlert) *InventoryAlert {
	c := *a
	return &c
}

func (r *memAlertRepo) Create(_ context.Context, a *InventoryAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	r.alerts[a.ID] = copyAlert(a)
	return nil
}

func (r *memAlertRepo) GetByID(_ context.Context, id uuid.UUID) (*InventoryAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func (r *memAlertRepo) Update(_ context.Context, a *InventoryAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[a.ID]; !ok {
		return ErrNotFound
	}
	r.alerts[a.ID] = copyAlert(a)
	return nil
}

func (r *memAlertRepo) List(_ context.Context, f AlertFilter, limit, offset int) ([]*InventoryAlert, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*InventoryAlert
	for _, a := range r.alerts {
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.ProductID != nil && (a.ProductID == nil || *a.ProductID != *f.ProductID) {
			continue
		}
		if f.LotID != nil && (a.LotID == nil || *a.LotID != *f.LotID) {
			continue
		}
		items = append(items, copyAlert(a))
	}
	total := len(items)
	if offset >= len(items) {
		return nil, total, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, total, nil
}

func (r *memAlertRepo) FindActive(_ context.Context, alertType string, productID, lotID, sessionID, locationID *uuid.UUID) (*InventoryAlert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.alerts {
		if a.Type != alertType || a.Status != AlertActive {
			continue
		}
		if !uuidPtrEqual(a.ProductID, productID) || !uuidPtrEqual(a.LotID, lotID) || !uuidPtrEqual(a.SessionID, sessionID) {
			continue
		}
		if locationID != nil && (a.LocationID == nil || *a.LocationID != *locationID) {
			continue
		}
		return copyAlert(a), nil
	}
	return nil, nil
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type staticCatalog struct {
	products map[uuid.UUID]*Product
}

func newStaticCatalog(products ...*Product) *staticCatalog {
	m := make(map[uuid.UUID]*Product, len(products))
	for _, p := range products {
		m[p.ID] = p
	}
	return &staticCatalog{products: m}
}

func (c *staticCatalog) GetProduct(_ context.Context, id uuid.UUID) (*Product, error) {
	p, ok := c.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// recordingSink captures alert hook invocations.
type recordingSink struct {
	mu        sync.Mutex
	products  []uuid.UUID
	lots      []uuid.UUID
	sessions  []uuid.UUID
	recalls   []uuid.UUID
	variances []uuid.UUID
}

func (s *recordingSink) EvaluateSession(_ context.Context, sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, sessionID)
}

func (s *recordingSink) EvaluateProduct(_ context.Context, productID, _ uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append(s.products, productID)
}

func (s *recordingSink) EvaluateLot(_ context.Context, lotID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lots = append(s.lots, lotID)
}

func (s *recordingSink) LotRecalled(_ context.Context, lot *Lot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recalls = append(s.recalls, lot.ID)
}

func (s *recordingSink) LotVariance(_ context.Context, lot *Lot, _ decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variances = append(s.variances, lot.ID)
}

// captureAudit stores emitted audit events.
type captureAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (c *captureAudit) Record(_ context.Context, e audit.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureAudit) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
