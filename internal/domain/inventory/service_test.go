package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	testProductID  = uuid.MustParse("11111111-1111-1111-1111-111111111111")
	testLocationID = uuid.MustParse("22222222-2222-2222-2222-222222222222")
	testLocation2  = uuid.MustParse("33333333-3333-3333-3333-333333333333")
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type serviceFixture struct {
	svc     *Service
	lots    *memLotRepo
	txns    *memTxnRepo
	sink    *recordingSink
	audit   *captureAudit
	catalog *staticCatalog
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		lots:  newMemLotRepo(),
		txns:  newMemTxnRepo(),
		sink:  &recordingSink{},
		audit: &captureAudit{},
	}
	f.catalog = newStaticCatalog(&Product{
		ID:                testProductID,
		Name:              "Botulinum Toxin A",
		UnitType:          "units",
		ReorderPoint:      dec("50"),
		MaxStabilityHours: 24,
		CostPrice:         dec("4"),
	})
	f.svc = NewService(f.lots, f.txns, f.catalog, f.audit)
	f.svc.SetAlertSink(f.sink)
	f.svc.SetClock(fixedClock(testNow))
	return f
}

func (f *serviceFixture) receive(t *testing.T, lotNumber, qty string) *Lot {
	t.Helper()
	lot, err := f.svc.Receive(context.Background(), ReceiveInput{
		ProductID:      testProductID,
		LocationID:     testLocationID,
		LotNumber:      lotNumber,
		Quantity:       dec(qty),
		UnitType:       "units",
		UnitCost:       dec("4"),
		ExpirationDate: testNow.AddDate(0, 6, 0),
		ReceivedBy:     "nurse-a",
	})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return lot
}

func TestReceiveCreatesLotAndOpeningEntry(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	if lot.Status != LotAvailable {
		t.Errorf("status = %s, want available", lot.Status)
	}
	if !lot.CurrentQuantity.Equal(dec("100")) || !lot.InitialQuantity.Equal(dec("100")) {
		t.Errorf("quantities = %s/%s, want 100/100", lot.CurrentQuantity, lot.InitialQuantity)
	}

	history, err := f.txns.ListAllByLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("ListAllByLot: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
	first := history[0]
	if first.Type != TxnReceive || !first.QuantityBefore.IsZero() || !first.QuantityAfter.Equal(dec("100")) {
		t.Errorf("opening entry = %s %s->%s", first.Type, first.QuantityBefore, first.QuantityAfter)
	}
	if !first.TotalCost.Equal(dec("400")) {
		t.Errorf("total cost = %s, want 400", first.TotalCost)
	}
}

func TestReceiveValidation(t *testing.T) {
	f := newServiceFixture(t)
	cases := []struct {
		name string
		in   ReceiveInput
	}{
		{"zero quantity", ReceiveInput{ProductID: testProductID, LocationID: testLocationID, LotNumber: "X", Quantity: decimal.Zero, ExpirationDate: testNow.AddDate(1, 0, 0)}},
		{"negative quantity", ReceiveInput{ProductID: testProductID, LocationID: testLocationID, LotNumber: "X", Quantity: dec("-5"), ExpirationDate: testNow.AddDate(1, 0, 0)}},
		{"past expiration", ReceiveInput{ProductID: testProductID, LocationID: testLocationID, LotNumber: "X", Quantity: dec("10"), ExpirationDate: testNow.AddDate(0, 0, -1)}},
		{"missing lot number", ReceiveInput{ProductID: testProductID, LocationID: testLocationID, Quantity: dec("10"), ExpirationDate: testNow.AddDate(1, 0, 0)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Receive(context.Background(), tc.in); !errors.Is(err, ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestReceiveRejectsDuplicateLotNumber(t *testing.T) {
	f := newServiceFixture(t)
	f.receive(t, "BTX-1001", "100")

	_, err := f.svc.Receive(context.Background(), ReceiveInput{
		ProductID:      testProductID,
		LocationID:     testLocationID,
		LotNumber:      "BTX-1001",
		Quantity:       dec("50"),
		ExpirationDate: testNow.AddDate(0, 6, 0),
		ReceivedBy:     "nurse-a",
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestCommitDeductionReducesBalance(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	txn, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("30"),
		PerformedBy: "nurse-a",
	})
	if err != nil {
		t.Fatalf("CommitDeduction: %v", err)
	}
	if !txn.Quantity.Equal(dec("-30")) {
		t.Errorf("txn quantity = %s, want -30", txn.Quantity)
	}
	if !txn.QuantityBefore.Equal(dec("100")) || !txn.QuantityAfter.Equal(dec("70")) {
		t.Errorf("before/after = %s/%s, want 100/70", txn.QuantityBefore, txn.QuantityAfter)
	}

	got, err := f.lots.GetByID(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !got.CurrentQuantity.Equal(dec("70")) {
		t.Errorf("stored quantity = %s, want 70", got.CurrentQuantity)
	}
}

func TestCommitDeductionInsufficientQuantity(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "10")

	_, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("10.5"),
		PerformedBy: "nurse-a",
	})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("err = %v, want ErrInsufficientQuantity", err)
	}

	// Refused deductions leave no trace in the ledger.
	history, _ := f.txns.ListAllByLot(context.Background(), lot.ID)
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1 (receive only)", len(history))
	}
}

func TestCommitDeductionRespectsReservedQuantity(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "10")

	stored, _ := f.lots.GetByID(context.Background(), lot.ID)
	stored.ReservedQuantity = dec("4")
	if err := f.lots.Update(context.Background(), stored); err != nil {
		t.Fatalf("Update: %v", err)
	}

	_, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("7"),
		PerformedBy: "nurse-a",
	})
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestCommitDeductionExactDepletion(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "25")

	if _, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("25"),
		PerformedBy: "nurse-a",
	}); err != nil {
		t.Fatalf("CommitDeduction: %v", err)
	}

	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if got.Status != LotDepleted {
		t.Errorf("status = %s, want depleted", got.Status)
	}
	if !got.CurrentQuantity.IsZero() {
		t.Errorf("quantity = %s, want 0", got.CurrentQuantity)
	}
}

func TestCommitDeductionLazyExpiry(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	// Move the clock past the expiration date without any writer touching
	// the lot.
	f.svc.SetClock(fixedClock(testNow.AddDate(1, 0, 0)))

	_, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("10"),
		PerformedBy: "nurse-a",
	})
	if !errors.Is(err, ErrLotNotUsable) {
		t.Fatalf("err = %v, want ErrLotNotUsable", err)
	}

	// The refusal persisted the expired status.
	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if got.Status != LotExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestCommitDeductionQuarantineGate(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")
	if _, err := f.svc.Quarantine(context.Background(), lot.ID, "temperature excursion", "manager"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	_, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:    dec("5"),
		PerformedBy: "nurse-a",
	})
	if !errors.Is(err, ErrLotNotUsable) {
		t.Errorf("default deduction from quarantine: err = %v, want ErrLotNotUsable", err)
	}

	// Waste disposal is allowed to drain a quarantined lot explicitly.
	if _, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:        dec("5"),
		Type:            TxnWaste,
		AllowQuarantine: true,
		PerformedBy:     "manager",
	}); err != nil {
		t.Errorf("explicit quarantine deduction: %v", err)
	}
}

func TestConcurrentDeductionsNeverOversell(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "5")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
				Quantity:    dec("3"),
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

	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if !got.CurrentQuantity.Equal(dec("2")) {
		t.Errorf("final quantity = %s, want 2", got.CurrentQuantity)
	}
}

func TestAdjustPositiveAndNegative(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "50")

	txn, err := f.svc.Adjust(context.Background(), lot.ID, dec("-2.5"), "count variance", "manager")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if txn.Type != TxnAdjustmentRemove {
		t.Errorf("type = %s, want adjustment_remove", txn.Type)
	}

	txn, err = f.svc.Adjust(context.Background(), lot.ID, dec("1"), "found vial", "manager")
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if txn.Type != TxnAdjustmentAdd {
		t.Errorf("type = %s, want adjustment_add", txn.Type)
	}

	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if !got.CurrentQuantity.Equal(dec("48.5")) {
		t.Errorf("quantity = %s, want 48.5", got.CurrentQuantity)
	}
}

func TestAdjustCannotGoNegative(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "10")

	_, err := f.svc.Adjust(context.Background(), lot.ID, dec("-10.01"), "count", "manager")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestAdjustToZeroDepletesAndBackRevives(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "10")

	if _, err := f.svc.Adjust(context.Background(), lot.ID, dec("-10"), "damaged in storage", "manager"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if got.Status != LotDepleted {
		t.Fatalf("status = %s, want depleted", got.Status)
	}

	if _, err := f.svc.Adjust(context.Background(), lot.ID, dec("4"), "recount", "manager"); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	got, _ = f.lots.GetByID(context.Background(), lot.ID)
	if got.Status != LotAvailable {
		t.Errorf("status = %s, want available", got.Status)
	}
}

func TestRecallBlocksLotAndNotifiesSink(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	recalled, err := f.svc.Recall(context.Background(), lot.ID, RecallNotice{
		Reason:       "sterility failure",
		RecallNumber: "FDA-2026-0042",
		RecalledBy:   "manager",
	})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if recalled.Status != LotRecalled {
		t.Errorf("status = %s, want recalled", recalled.Status)
	}
	if recalled.RecallReason == nil || *recalled.RecallReason != "sterility failure" {
		t.Error("recall reason not stored")
	}

	// A recall entry with zero quantity lands in the ledger.
	history, _ := f.txns.ListAllByLot(context.Background(), lot.ID)
	last := history[len(history)-1]
	if last.Type != TxnRecall || !last.Quantity.IsZero() {
		t.Errorf("last entry = %s qty %s, want recall qty 0", last.Type, last.Quantity)
	}

	if len(f.sink.recalls) != 1 || f.sink.recalls[0] != lot.ID {
		t.Error("LotRecalled hook not invoked")
	}

	if _, err := f.svc.Recall(context.Background(), lot.ID, RecallNotice{Reason: "again", RecalledBy: "manager"}); !errors.Is(err, ErrValidation) {
		t.Errorf("second recall: err = %v, want ErrValidation", err)
	}

	// Quantity survives the recall untouched.
	got, _ := f.lots.GetByID(context.Background(), lot.ID)
	if !got.CurrentQuantity.Equal(dec("100")) {
		t.Errorf("quantity = %s, want 100", got.CurrentQuantity)
	}
}

func TestTransferPairsEntriesAndCreatesDestinationLot(t *testing.T) {
	f := newServiceFixture(t)
	src := f.receive(t, "BTX-1001", "100")

	dest, err := f.svc.Transfer(context.Background(), src.ID, testLocation2, dec("40"), "manager")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if dest.LocationID != testLocation2 || dest.LotNumber != "BTX-1001" {
		t.Errorf("destination = %s at %s", dest.LotNumber, dest.LocationID)
	}
	if !dest.CurrentQuantity.Equal(dec("40")) {
		t.Errorf("destination quantity = %s, want 40", dest.CurrentQuantity)
	}
	if !dest.ExpirationDate.Equal(src.ExpirationDate) {
		t.Error("destination must keep source expiration")
	}

	srcAfter, _ := f.lots.GetByID(context.Background(), src.ID)
	if !srcAfter.CurrentQuantity.Equal(dec("60")) {
		t.Errorf("source quantity = %s, want 60", srcAfter.CurrentQuantity)
	}

	outHist, _ := f.txns.ListAllByLot(context.Background(), src.ID)
	if outHist[len(outHist)-1].Type != TxnTransferOut {
		t.Error("missing transfer_out entry on source")
	}
	inHist, _ := f.txns.ListAllByLot(context.Background(), dest.ID)
	if len(inHist) != 1 || inHist[0].Type != TxnTransferIn {
		t.Error("missing transfer_in entry on destination")
	}

	// A second transfer tops up the same destination lot.
	dest2, err := f.svc.Transfer(context.Background(), src.ID, testLocation2, dec("10"), "manager")
	if err != nil {
		t.Fatalf("second Transfer: %v", err)
	}
	if dest2.ID != dest.ID {
		t.Error("second transfer should reuse the destination lot")
	}
	if !dest2.CurrentQuantity.Equal(dec("50")) {
		t.Errorf("destination quantity = %s, want 50", dest2.CurrentQuantity)
	}
}

func TestTransferInsufficientQuantity(t *testing.T) {
	f := newServiceFixture(t)
	src := f.receive(t, "BTX-1001", "10")

	if _, err := f.svc.Transfer(context.Background(), src.ID, testLocation2, dec("11"), "manager"); !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestGetLotPersistsLazyExpiry(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	f.svc.SetClock(fixedClock(testNow.AddDate(1, 0, 0)))
	got, err := f.svc.GetLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("GetLot: %v", err)
	}
	if got.Status != LotExpired {
		t.Errorf("returned status = %s, want expired", got.Status)
	}
	stored, _ := f.lots.GetByID(context.Background(), lot.ID)
	if stored.Status != LotExpired {
		t.Errorf("stored status = %s, want expired", stored.Status)
	}
}

func TestStockSummaryExcludesUnusableLots(t *testing.T) {
	f := newServiceFixture(t)
	f.receive(t, "BTX-1001", "100")
	quarantined := f.receive(t, "BTX-1002", "30")
	if _, err := f.svc.Quarantine(context.Background(), quarantined.ID, "review", "manager"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	sum, err := f.svc.StockSummary(context.Background(), testProductID, testLocationID)
	if err != nil {
		t.Fatalf("StockSummary: %v", err)
	}
	if !sum.TotalQuantity.Equal(dec("100")) {
		t.Errorf("total = %s, want 100 (quarantined lot excluded)", sum.TotalQuantity)
	}
	if sum.ActiveLots != 1 {
		t.Errorf("active lots = %d, want 1", sum.ActiveLots)
	}
}

func TestSelectLotFEFO(t *testing.T) {
	f := newServiceFixture(t)

	late, err := f.svc.Receive(context.Background(), ReceiveInput{
		ProductID: testProductID, LocationID: testLocationID, LotNumber: "LATE",
		Quantity: dec("100"), UnitCost: dec("4"),
		ExpirationDate: testNow.AddDate(0, 8, 0), ReceivedBy: "nurse-a",
	})
	if err != nil {
		t.Fatal(err)
	}
	early, err := f.svc.Receive(context.Background(), ReceiveInput{
		ProductID: testProductID, LocationID: testLocationID, LotNumber: "EARLY",
		Quantity: dec("20"), UnitCost: dec("4"),
		ExpirationDate: testNow.AddDate(0, 1, 0), ReceivedBy: "nurse-a",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Small draw comes from the earliest-expiring lot.
	picked, err := f.svc.SelectLotFEFO(context.Background(), testProductID, testLocationID, dec("10"))
	if err != nil {
		t.Fatalf("SelectLotFEFO: %v", err)
	}
	if picked.ID != early.ID {
		t.Errorf("picked %s, want the earlier-expiring lot", picked.LotNumber)
	}

	// A draw the early lot cannot cover skips to the next by expiry.
	picked, err = f.svc.SelectLotFEFO(context.Background(), testProductID, testLocationID, dec("50"))
	if err != nil {
		t.Fatalf("SelectLotFEFO: %v", err)
	}
	if picked.ID != late.ID {
		t.Errorf("picked %s, want the later lot", picked.LotNumber)
	}

	if _, err := f.svc.SelectLotFEFO(context.Background(), testProductID, testLocationID, dec("500")); !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("oversized request: err = %v, want ErrInsufficientQuantity", err)
	}
}

func TestVerifyLotConsistent(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")
	if _, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{Quantity: dec("30"), PerformedBy: "nurse-a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Adjust(context.Background(), lot.ID, dec("-0.5"), "count", "manager"); err != nil {
		t.Fatal(err)
	}

	computed, err := f.svc.VerifyLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatalf("VerifyLot: %v", err)
	}
	if !computed.Equal(dec("69.5")) {
		t.Errorf("computed = %s, want 69.5", computed)
	}
	if len(f.sink.variances) != 0 {
		t.Error("no variance hook expected")
	}
}

func TestVerifyLotDetectsVariance(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")

	// Corrupt the snapshot behind the ledger's back.
	stored, _ := f.lots.GetByID(context.Background(), lot.ID)
	stored.CurrentQuantity = dec("90")
	if err := f.lots.Update(context.Background(), stored); err != nil {
		t.Fatal(err)
	}

	computed, err := f.svc.VerifyLot(context.Background(), lot.ID)
	if !errors.Is(err, ErrVarianceDetected) {
		t.Fatalf("err = %v, want ErrVarianceDetected", err)
	}
	if !computed.Equal(dec("100")) {
		t.Errorf("computed = %s, want 100", computed)
	}
	if len(f.sink.variances) != 1 {
		t.Error("LotVariance hook not invoked")
	}

	// Verification never rewrites the cached quantity.
	after, _ := f.lots.GetByID(context.Background(), lot.ID)
	if !after.CurrentQuantity.Equal(dec("90")) {
		t.Errorf("snapshot = %s, want untouched 90", after.CurrentQuantity)
	}
}

func TestAuditEventsEmitted(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "100")
	if _, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{Quantity: dec("10"), PerformedBy: "nurse-a"}); err != nil {
		t.Fatal(err)
	}

	actions := f.audit.actions()
	if len(actions) != 2 || actions[0] != "lot.receive" || actions[1] != "lot.deduct" {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestCommitDeductionExpiredQuarantinedLot(t *testing.T) {
	f := newServiceFixture(t)
	lot := f.receive(t, "BTX-1001", "10")
	if _, err := f.svc.Quarantine(context.Background(), lot.ID, "temperature excursion", "manager"); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	// Past expiration, the quarantine override no longer applies.
	f.svc.SetClock(fixedClock(testNow.AddDate(1, 0, 0)))

	_, err := f.svc.CommitDeduction(context.Background(), lot.ID, DeductionInput{
		Quantity:        dec("1"),
		Type:            TxnWaste,
		AllowQuarantine: true,
		PerformedBy:     "manager",
	})
	if !errors.Is(err, ErrLotNotUsable) {
		t.Fatalf("expired quarantined deduction: err = %v, want ErrLotNotUsable", err)
	}

	got, err := f.svc.GetLot(context.Background(), lot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CurrentQuantity.Equal(dec("10")) {
		t.Errorf("quantity = %s, want untouched 10", got.CurrentQuantity)
	}
}
