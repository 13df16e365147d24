package ledger_test

import (
	"errors"
	"testing"

	"RewardPool/internal/event"
	"RewardPool/internal/ledger"
	fpmath "RewardPool/internal/math"
	"RewardPool/internal/token"

	"github.com/google/uuid"
)

func mustCredit(t *testing.T, bt *ledger.BalanceTracker, to ledger.AccountKey, amount uint64) {
	t.Helper()
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  to,
			CreditAccount: ledger.NewExternalAccountKey(to.Asset),
			Asset:         to.Asset,
			Amount:        fpmath.NewAmount(amount),
			JournalType:   ledger.JournalTypeCredit,
		}},
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("credit failed: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewUserAccountKey("alice", "LP"), "user:alice:LP"},
		{ledger.NewCustodyAccountKey("pool-1", "RWD"), "custody:pool-1:RWD"},
		{ledger.NewExternalAccountKey("LP"), "external:issuance:LP"},
	}
	for _, tc := range cases {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
		parsed, err := ledger.ParseAccountPath(tc.want)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.want, err)
		}
		if parsed != tc.key {
			t.Errorf("parse %q: got %+v, want %+v", tc.want, parsed, tc.key)
		}
	}

	if _, err := ledger.ParseAccountPath("bogus"); err == nil {
		t.Error("expected error for malformed path")
	}
}

func TestKeyForAddress(t *testing.T) {
	custody := ledger.KeyForAddress(token.Custody("pool-1"), "LP")
	if custody != ledger.NewCustodyAccountKey("pool-1", "LP") {
		t.Errorf("custody address mapped to %+v", custody)
	}
	if custody.Address() != token.Custody("pool-1") {
		t.Errorf("round trip: got %q", custody.Address())
	}

	user := ledger.KeyForAddress(token.Account("alice"), "LP")
	if user != ledger.NewUserAccountKey("alice", "LP") {
		t.Errorf("user address mapped to %+v", user)
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if !bt.GetBalance(ledger.NewUserAccountKey("alice", "LP")).IsZero() {
		t.Error("initial balance should be 0")
	}
}

func TestBalanceTracker_CreditAndQuery(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	mustCredit(t, bt, ledger.NewUserAccountKey("alice", "LP"), 500_000)

	got, err := bt.BalanceOf("LP", token.Account("alice"))
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	if got.String() != "500000" {
		t.Errorf("balance: got %s, want 500000", got)
	}
	if bt.Issued("LP").String() != "500000" {
		t.Errorf("issued: got %s, want 500000", bt.Issued("LP"))
	}
}

func TestBalanceTracker_OverdraftIsAtomic(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := ledger.NewUserAccountKey("alice", "LP")
	custody := ledger.NewCustodyAccountKey("pool-1", "LP")
	mustCredit(t, bt, alice, 100)

	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: custody, CreditAccount: alice,
				Asset: "LP", Amount: fpmath.NewAmount(60)},
			{JournalID: uuid.New(), BatchID: batchID, DebitAccount: custody, CreditAccount: alice,
				Asset: "LP", Amount: fpmath.NewAmount(60)},
		},
	}

	err := bt.ApplyBatch(batch)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("got %v, want ErrInsufficientFunds", err)
	}
	if bt.GetBalance(alice).String() != "100" {
		t.Errorf("alice: got %s, want 100 (first leg must not stick)", bt.GetBalance(alice))
	}
	if !bt.GetBalance(custody).IsZero() {
		t.Errorf("custody: got %s, want 0", bt.GetBalance(custody))
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	alice := ledger.NewUserAccountKey("alice", "LP")
	mustCredit(t, bt, alice, 999)

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = fpmath.Amount{}
	}

	if bt.GetBalance(alice).String() != "999" {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_Rejections(t *testing.T) {
	alice := ledger.NewUserAccountKey("alice", "LP")
	custody := ledger.NewCustodyAccountKey("pool-1", "LP")

	cases := []struct {
		name   string
		mutate func(j *ledger.Journal)
	}{
		{"zero amount", func(j *ledger.Journal) { j.Amount = fpmath.Amount{} }},
		{"self transfer", func(j *ledger.Journal) { j.DebitAccount = j.CreditAccount }},
		{"mismatched batch", func(j *ledger.Journal) { j.BatchID = uuid.New() }},
		{"mixed assets", func(j *ledger.Journal) { j.DebitAccount = ledger.NewCustodyAccountKey("pool-1", "RWD") }},
		{"debit issuance", func(j *ledger.Journal) { j.DebitAccount = ledger.NewExternalAccountKey("LP") }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batchID := uuid.New()
			j := ledger.Journal{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  custody,
				CreditAccount: alice,
				Asset:         "LP",
				Amount:        fpmath.NewAmount(100),
			}
			tc.mutate(&j)
			batch := &ledger.Batch{BatchID: batchID, Journals: []ledger.Journal{j}}
			if err := batch.Validate(); err == nil {
				t.Errorf("%s should fail validation", tc.name)
			}
		})
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_Supply(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateSupply(); err != nil {
		t.Errorf("empty ledger should be consistent: %v", err)
	}

	alice := ledger.NewUserAccountKey("alice", "LP")
	mustCredit(t, bt, alice, 1_000_000)
	if err := v.ValidateSupply(); err != nil {
		t.Errorf("credited ledger should be consistent: %v", err)
	}

	// a balance that appears out of nowhere breaks supply
	bt.SetBalance(ledger.NewUserAccountKey("mallory", "LP"), fpmath.NewAmount(1))
	if err := v.ValidateSupply(); err == nil {
		t.Error("expected supply mismatch")
	}
}

func TestInvariantValidator_CustodyCoversStake(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	mustCredit(t, bt, ledger.NewCustodyAccountKey("pool-1", "LP"), 50)

	if err := v.ValidateCustodyCoversStake("pool-1", "LP", fpmath.NewAmount(50)); err != nil {
		t.Errorf("custody covers stake: %v", err)
	}
	if err := v.ValidateCustodyCoversStake("pool-1", "LP", fpmath.NewAmount(51)); err == nil {
		t.Error("expected shortfall error")
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_Credit(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	evt := &event.TokensCredited{
		CommandID: uuid.New(),
		Asset:     "RWD",
		Pool:      "pool-1",
		Amount:    fpmath.NewAmount(700),
		At:        42,
	}

	batch, err := jg.GenerateCredit(7, evt)
	if err != nil {
		t.Fatalf("GenerateCredit: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("journals: got %d, want 1", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.DebitAccount != ledger.NewCustodyAccountKey("pool-1", "RWD") {
		t.Errorf("debit: got %s", j.DebitAccount.AccountPath())
	}
	if j.Sequence != 7 || j.Timestamp != 42 {
		t.Errorf("sequence/timestamp: got %d/%d, want 7/42", j.Sequence, j.Timestamp)
	}

	evt.Account = "alice"
	if _, err := jg.GenerateCredit(8, evt); err == nil {
		t.Error("expected error when both pool and account are set")
	}
}

func TestJournalGenerator_Transfers(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	instrs := []token.TransferInstruction{
		token.TransferFrom(token.PurposeStake, "LP", token.Account("alice"), token.Custody("pool-1"), fpmath.NewAmount(100)),
		token.Transfer(token.PurposeReward, "RWD", token.Custody("pool-1"), token.Account("alice"), fpmath.Amount{}),
	}

	batch, err := jg.GenerateTransfers(3, "ref", 10, instrs)
	if err != nil {
		t.Fatalf("GenerateTransfers: %v", err)
	}
	if len(batch.Journals) != 1 {
		t.Fatalf("zero-amount instruction should be skipped, got %d journals", len(batch.Journals))
	}
	j := batch.Journals[0]
	if j.JournalType != ledger.JournalTypeStake {
		t.Errorf("type: got %s, want stake", j.JournalType)
	}
	if j.CreditAccount != ledger.NewUserAccountKey("alice", "LP") {
		t.Errorf("credit: got %s", j.CreditAccount.AccountPath())
	}

	empty, err := jg.GenerateTransfers(4, "ref2", 10, nil)
	if err != nil || len(empty.Journals) != 0 {
		t.Errorf("nil instructions: got %v journals, err %v", len(empty.Journals), err)
	}
}

func TestJournalGenerator_MomentOutOfRange(t *testing.T) {
	jg := ledger.NewJournalGenerator()
	evt := &event.TokensCredited{
		CommandID: uuid.New(),
		Asset:     "LP",
		Account:   "alice",
		Amount:    fpmath.NewAmount(1),
		At:        event.MaxMoment,
	}
	batch, err := jg.GenerateCredit(1, evt)
	if err != nil {
		t.Fatalf("GenerateCredit at the bound: %v", err)
	}
	if batch.Journals[0].Timestamp != int64(event.MaxMoment) {
		t.Errorf("timestamp: got %d", batch.Journals[0].Timestamp)
	}

	// would turn negative as int64
	evt.At = 1 << 63
	if _, err := jg.GenerateCredit(2, evt); err == nil {
		t.Error("expected error for a moment past the bound")
	}
	if _, err := jg.GenerateTransfers(3, "ref", event.MaxMoment+1, nil); err == nil {
		t.Error("expected error for transfers past the bound")
	}
}
