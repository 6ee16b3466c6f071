package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testPatientID = uuid.MustParse("44444444-4444-4444-4444-444444444444")

type vialFixture struct {
	*serviceFixture
	vials    *VialService
	sessions *memSessionRepo
	usage    *memUsageRepo
	waste    *memWasteRepo
}

func newVialFixture(t *testing.T) *vialFixture {
	t.Helper()
	f := &vialFixture{
		serviceFixture: newServiceFixture(t),
		sessions:       newMemSessionRepo(),
		usage:          newMemUsageRepo(),
		waste:          newMemWasteRepo(),
	}
	f.vials = NewVialService(f.sessions, f.usage, f.waste, f.svc, f.catalog, f.audit)
	f.vials.SetClock(fixedClock(testNow))
	return f
}

func (f *vialFixture) open(t *testing.T, lotID uuid.UUID, units string) *OpenVialSession {
	t.Helper()
	session, err := f.vials.Open(context.Background(), OpenVialInput{
		LotID:           lotID,
		Units:           dec(units),
		ReconstitutedBy: "nurse-a",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return session
}

func TestOpenVialDeductsLotAndStartsSession(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")

	session := f.open(t, lot.ID, "100")

	if session.Status != SessionActive {
		t.Errorf("status = %s, want active", session.Status)
	}
	if !session.CurrentUnits.Equal(dec("100")) || !session.OriginalUnits.Equal(dec("100")) {
		t.Errorf("units = %s/%s, want 100/100", session.CurrentUnits, session.OriginalUnits)
	}
	if session.StabilityHours != 24 {
		t.Errorf("stability = %d, want product default 24", session.StabilityHours)
	}
	if !session.VialCost.Equal(dec("400")) || !session.CostPerUnit.Equal(dec("4")) {
		t.Errorf("cost = %s per-unit %s, want 400 / 4", session.VialCost, session.CostPerUnit)
	}

	lotAfter, _ := f.lots.GetByID(context.Background(), lot.ID)
	if !lotAfter.CurrentQuantity.Equal(dec("200")) {
		t.Errorf("lot quantity = %s, want 200", lotAfter.CurrentQuantity)
	}

	history, _ := f.txns.ListAllByLot(context.Background(), lot.ID)
	last := history[len(history)-1]
	if last.Type != TxnReconstitution || !last.Quantity.Equal(dec("-100")) {
		t.Errorf("last entry = %s %s, want reconstitution -100", last.Type, last.Quantity)
	}
}

func TestOpenVialStabilityCappedByProduct(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")

	_, err := f.vials.Open(context.Background(), OpenVialInput{
		LotID:           lot.ID,
		Units:           dec("100"),
		StabilityHours:  48, // product maximum is 24
		ReconstitutedBy: "nurse-a",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestOpenVialRefusesUnusableLot(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	if _, err := f.svc.Recall(context.Background(), lot.ID, RecallNotice{Reason: "recall", RecalledBy: "manager"}); err != nil {
		t.Fatal(err)
	}

	_, err := f.vials.Open(context.Background(), OpenVialInput{
		LotID:           lot.ID,
		Units:           dec("100"),
		ReconstitutedBy: "nurse-a",
	})
	if !errors.Is(err, ErrLotNotUsable) {
		t.Errorf("err = %v, want ErrLotNotUsable", err)
	}
}

func TestDrawRecordsUsageAndLedgerEntry(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	rec, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:     testPatientID,
		Units:         dec("24"),
		AreasInjected: []string{"glabella", "forehead"},
		PerformedBy:   "nurse-a",
	})
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if !rec.UnitsUsed.Equal(dec("24")) {
		t.Errorf("units used = %s, want 24", rec.UnitsUsed)
	}

	after, _ := f.sessions.GetByID(context.Background(), session.ID)
	if !after.CurrentUnits.Equal(dec("76")) || !after.UsedUnits.Equal(dec("24")) {
		t.Errorf("units = %s remaining / %s used", after.CurrentUnits, after.UsedUnits)
	}
	if after.TotalPatients != 1 {
		t.Errorf("total patients = %d, want 1", after.TotalPatients)
	}

	entries, _ := f.txns.ListBySession(context.Background(), session.ID)
	if len(entries) != 1 || entries[0].Type != TxnTreatmentUse {
		t.Fatalf("session ledger entries = %d", len(entries))
	}
	if entries[0].PatientID == nil || *entries[0].PatientID != testPatientID {
		t.Error("ledger entry missing patient link")
	}
	if !entries[0].TotalCost.Equal(dec("96")) {
		t.Errorf("total cost = %s, want 96", entries[0].TotalCost)
	}
}

func TestDrawInsufficientUnits(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "20")

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("20.5"),
		PerformedBy: "nurse-a",
	}); !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestDrawDepletesSessionAtZero(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "20")

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("20"),
		PerformedBy: "nurse-a",
	}); err != nil {
		t.Fatal(err)
	}

	after, _ := f.sessions.GetByID(context.Background(), session.ID)
	if after.Status != SessionDepleted {
		t.Errorf("status = %s, want depleted", after.Status)
	}

	// A depleted session refuses further draws as terminal.
	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("1"),
		PerformedBy: "nurse-a",
	}); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestDrawPastStabilityWindowExpiresSession(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	f.vials.SetClock(fixedClock(testNow.Add(25 * time.Hour)))

	_, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("10"),
		PerformedBy: "nurse-a",
	})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}

	// The refusal persisted the expired status.
	after, _ := f.sessions.GetByID(context.Background(), session.ID)
	if after.Status != SessionExpired {
		t.Errorf("status = %s, want expired", after.Status)
	}
}

func TestDrawRefusedWhenLotRecalled(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	if _, err := f.svc.Recall(context.Background(), lot.ID, RecallNotice{Reason: "recall", RecalledBy: "manager"}); err != nil {
		t.Fatal(err)
	}

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("10"),
		PerformedBy: "nurse-a",
	}); !errors.Is(err, ErrLotNotUsable) {
		t.Errorf("err = %v, want ErrLotNotUsable", err)
	}
}

func TestConcurrentDrawsNeverOversell(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "5")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.vials.Draw(context.Background(), session.ID, DrawInput{
				PatientID:   testPatientID,
				Units:       dec("3"),
				PerformedBy: "nurse",
			})
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientQuantity), errors.Is(err, ErrConcurrencyConflict):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("ok=%d failed=%d, want exactly one of each", ok, failed)
	}

	after, _ := f.sessions.GetByID(context.Background(), session.ID)
	if !after.CurrentUnits.Equal(dec("2")) {
		t.Errorf("remaining = %s, want 2", after.CurrentUnits)
	}
	if after.TotalPatients != 1 {
		t.Errorf("total patients = %d, want 1", after.TotalPatients)
	}
}

func TestCloseWastesRemainderOnce(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("60"),
		PerformedBy: "nurse-a",
	}); err != nil {
		t.Fatal(err)
	}

	closed, err := f.vials.Close(context.Background(), session.ID, CloseInput{
		Reason:   WasteStabilityExceeded,
		ClosedBy: "nurse-a",
	})
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.Status != SessionDiscarded {
		t.Errorf("status = %s, want discarded", closed.Status)
	}
	if !closed.CurrentUnits.IsZero() || !closed.WastedUnits.Equal(dec("40")) {
		t.Errorf("units = %s remaining / %s wasted, want 0 / 40", closed.CurrentUnits, closed.WastedUnits)
	}

	records, _, err := f.waste.List(context.Background(), WasteFilter{SessionID: &session.ID}, 50, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("waste records = %d, want 1", len(records))
	}
	if !records[0].UnitsWasted.Equal(dec("40")) || !records[0].TotalWasteValue.Equal(dec("160")) {
		t.Errorf("waste = %s units worth %s, want 40 / 160", records[0].UnitsWasted, records[0].TotalWasteValue)
	}

	// The second close must not double-count the waste.
	if _, err := f.vials.Close(context.Background(), session.ID, CloseInput{
		Reason:   WasteStabilityExceeded,
		ClosedBy: "nurse-b",
	}); !errors.Is(err, ErrDoubleClose) {
		t.Errorf("second close: err = %v, want ErrDoubleClose", err)
	}
	records, _, _ = f.waste.List(context.Background(), WasteFilter{SessionID: &session.ID}, 50, 0)
	if len(records) != 1 {
		t.Errorf("waste records after second close = %d, want still 1", len(records))
	}
}

func TestCloseFullyUsedSessionCreatesNoWaste(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "20")

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("20"),
		PerformedBy: "nurse-a",
	}); err != nil {
		t.Fatal(err)
	}

	// Depleted is terminal, so close reports a double close rather than
	// zero-unit waste.
	if _, err := f.vials.Close(context.Background(), session.ID, CloseInput{
		Reason:   WasteExpiredUnused,
		ClosedBy: "nurse-a",
	}); !errors.Is(err, ErrDoubleClose) {
		t.Errorf("err = %v, want ErrDoubleClose", err)
	}
}

func TestCloseRejectsUnknownReason(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	if _, err := f.vials.Close(context.Background(), session.ID, CloseInput{
		Reason:   "felt like it",
		ClosedBy: "nurse-a",
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestGetSessionPersistsLazyExpiry(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	f.vials.SetClock(fixedClock(testNow.Add(25 * time.Hour)))
	got, err := f.vials.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != SessionExpired {
		t.Errorf("returned status = %s, want expired", got.Status)
	}
	stored, _ := f.sessions.GetByID(context.Background(), session.ID)
	if stored.Status != SessionExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}
}

func TestUsageHistory(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	practitioner := uuid.New()
	otherPatient := uuid.New()
	draws := []DrawInput{
		{PatientID: testPatientID, Units: dec("10"), PractitionerID: &practitioner, PerformedBy: "nurse-a"},
		{PatientID: testPatientID, Units: dec("5"), PractitionerID: &practitioner, PerformedBy: "nurse-a"},
		{PatientID: otherPatient, Units: dec("15"), PerformedBy: "nurse-a"},
	}
	for _, in := range draws {
		if _, err := f.vials.Draw(context.Background(), session.ID, in); err != nil {
			t.Fatal(err)
		}
	}

	records, summary, err := f.vials.UsageHistory(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("UsageHistory: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("records = %d, want 3", len(records))
	}
	if !summary.TotalUnits.Equal(dec("30")) {
		t.Errorf("total units = %s, want 30", summary.TotalUnits)
	}
	if len(summary.ByPatient) != 2 {
		t.Fatalf("patient groups = %d, want 2", len(summary.ByPatient))
	}
	first := summary.ByPatient[0]
	if first.PatientID != testPatientID || !first.Units.Equal(dec("15")) || first.Draws != 2 {
		t.Errorf("first patient total = %+v, want 15 units over 2 draws for %s", first, testPatientID)
	}
	if len(summary.ByPractitioner) != 1 {
		t.Fatalf("practitioner groups = %d, want 1", len(summary.ByPractitioner))
	}
	if got := summary.ByPractitioner[0]; got.PractitionerID != practitioner || !got.Units.Equal(dec("15")) || got.Draws != 2 {
		t.Errorf("practitioner total = %+v, want 15 units over 2 draws", got)
	}

	if _, _, err := f.vials.UsageHistory(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown session: err = %v, want ErrNotFound", err)
	}
}

func TestVerifyLotConsistentAfterVialUsage(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "100")
	session := f.open(t, lot.ID, "50")

	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("20"),
		PerformedBy: "dr-b",
	}); err != nil {
		t.Fatal(err)
	}

	// The lot gave up 50 units at reconstitution; the draw moved units
	// inside the session, not out of the lot again.
	computed, err := f.svc.VerifyLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("VerifyLot after vial usage: %v", err)
	}
	if !computed.Equal(dec("50")) {
		t.Errorf("computed = %s, want 50", computed)
	}
	if len(f.sink.variances) != 0 {
		t.Errorf("variance hooks fired = %d, want 0", len(f.sink.variances))
	}
}

func TestOpenVialSetsLotOpenedDate(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	if lot.OpenedDate != nil {
		t.Fatalf("opened_date set before first reconstitution: %v", lot.OpenedDate)
	}

	f.open(t, lot.ID, "100")

	got, err := f.svc.GetLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OpenedDate == nil || !got.OpenedDate.Equal(testNow) {
		t.Errorf("opened_date = %v, want %v", got.OpenedDate, testNow)
	}

	// A second vial from the same lot keeps the original date.
	f.open(t, lot.ID, "100")
	again, err := f.svc.GetLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.OpenedDate == nil || !again.OpenedDate.Equal(testNow) {
		t.Errorf("opened_date after second open = %v, want %v", again.OpenedDate, testNow)
	}
}

func TestDrawAccruesRevenue(t *testing.T) {
	f := newVialFixture(t)
	lot := f.receive(t, "BTX-1001", "300")
	session := f.open(t, lot.ID, "100")

	price := dec("12")
	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("24"),
		UnitPrice:   &price,
		PerformedBy: "dr-b",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("10"),
		PerformedBy: "dr-b",
	}); err != nil {
		t.Fatal(err)
	}

	got, err := f.vials.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RevenueGenerated.Equal(dec("288")) {
		t.Errorf("revenue = %s, want 288 (24 units at 12, unpriced draw adds nothing)", got.RevenueGenerated)
	}
}

func TestOpenAndDrawEvaluateSessionHook(t *testing.T) {
	f := newVialFixture(t)
	f.vials.SetAlertSink(f.sink)
	lot := f.receive(t, "BTX-1001", "300")

	session := f.open(t, lot.ID, "100")
	if _, err := f.vials.Draw(context.Background(), session.ID, DrawInput{
		PatientID:   testPatientID,
		Units:       dec("10"),
		PerformedBy: "dr-b",
	}); err != nil {
		t.Fatal(err)
	}

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	if len(f.sink.sessions) != 2 {
		t.Fatalf("session evaluations = %d, want 2 (open and draw)", len(f.sink.sessions))
	}
	for i, id := range f.sink.sessions {
		if id != session.ID {
			t.Errorf("evaluation %d targeted %s, want %s", i, id, session.ID)
		}
	}
}
