package cancel

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradegate/internal/approval"
	"tradegate/internal/audit"
	"tradegate/internal/broker"
	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

type fixture struct {
	store    *approval.ProposalStore
	mock     *broker.Mock
	auditLog *audit.MemoryStore
	mgr      *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    approval.NewProposalStore(0),
		mock:     broker.NewMock(broker.MockConfig{Seed: 1, FillAfterPolls: 1000}),
		auditLog: audit.NewMemoryStore(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.mgr = NewManager(f.store, f.mock, f.auditLog, logger)
	return f
}

// submittedProposal stores a SUBMITTED proposal backed by a real working
// order at the mock broker.
func (f *fixture) submittedProposal(t *testing.T, id string) types.OrderProposal {
	t.Helper()
	intent := types.OrderIntent{
		AccountID:   "DU123456",
		Instrument:  types.Instrument{Symbol: "AAPL", Type: types.InstrumentSTK, Currency: "USD"},
		Side:        types.BUY,
		OrderType:   types.OrderTypeMKT,
		Quantity:    decimal.NewFromInt(10),
		TimeInForce: types.TIFDay,
		Reason:      "rebalancing toward target equity allocation",
		Constraints: types.OrderConstraints{
			MaxSlippageBps: decimal.NewFromInt(50),
			MaxNotional:    decimal.NewFromInt(5000),
		},
	}
	intent.Normalize()
	hash, err := intent.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	used := time.Now().UTC()
	order, err := f.mock.SubmitOrder(context.Background(), intent, &types.ApprovalToken{
		TokenID:    "tok-" + id,
		ProposalID: id,
		IntentHash: hash,
		UsedAt:     &used,
	})
	if err != nil {
		t.Fatalf("mock submit: %v", err)
	}

	now := time.Now().UTC()
	p := types.OrderProposal{
		ProposalID:    id,
		CorrelationID: "corr-" + id,
		Intent:        intent,
		IntentHash:    hash,
		State:         types.StateSubmitted,
		BrokerOrderID: order.BrokerOrderID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.store.Put(p); err != nil {
		t.Fatalf("put: %v", err)
	}
	return p
}

func TestCancelTwoStep(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.submittedProposal(t, "p1")

	req, err := f.mgr.RequestCancel(context.Background(), "p1", "order no longer wanted")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.State != StatePending {
		t.Fatalf("state = %s, want PENDING", req.State)
	}

	// The working order is untouched until the confirm.
	order, _ := f.mock.GetOrderStatus(context.Background(), p.BrokerOrderID)
	if order.Status != types.StatusSubmitted {
		t.Fatalf("order touched before confirm: %s", order.Status)
	}

	done, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if done.State != StateExecuted {
		t.Fatalf("state = %s, want EXECUTED", done.State)
	}

	order, _ = f.mock.GetOrderStatus(context.Background(), p.BrokerOrderID)
	if order.Status != types.StatusCancelled {
		t.Fatalf("broker order = %s, want CANCELLED", order.Status)
	}
	stored, _ := f.store.Get("p1")
	if stored.State != types.StateCancelled {
		t.Fatalf("proposal = %s, want CANCELLED", stored.State)
	}

	stats, _ := f.auditLog.Stats(context.Background())
	for _, want := range []audit.EventType{audit.EventCancelRequested, audit.EventCancelGranted, audit.EventCancelExecuted} {
		if stats[want] != 1 {
			t.Fatalf("audit stats = %v, missing %s", stats, want)
		}
	}

	// A decided request cannot be confirmed again.
	if _, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk"); !errs.IsKind(err, errs.KindState) {
		t.Fatalf("double confirm: got %v, want State error", err)
	}
}

func TestCancelDenyLeavesOrderWorking(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.submittedProposal(t, "p1")

	req, err := f.mgr.RequestCancel(context.Background(), "p1", "fat finger maybe")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	denied, err := f.mgr.Deny(context.Background(), req.RequestID, "ops@desk", "order is fine")
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.State != StateDenied {
		t.Fatalf("state = %s, want DENIED", denied.State)
	}

	order, _ := f.mock.GetOrderStatus(context.Background(), p.BrokerOrderID)
	if order.Status != types.StatusSubmitted {
		t.Fatalf("order = %s, should still be working", order.Status)
	}
	stored, _ := f.store.Get("p1")
	if stored.State != types.StateSubmitted {
		t.Fatalf("proposal = %s, should still be SUBMITTED", stored.State)
	}
}

func TestCancelRequiresSubmittedProposal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := time.Now().UTC()
	if err := f.store.Put(types.OrderProposal{
		ProposalID: "early", State: types.StateRiskApproved, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, err := f.mgr.RequestCancel(context.Background(), "early", "too soon"); !errs.IsKind(err, errs.KindState) {
		t.Fatalf("got %v, want State error", err)
	}
	if _, err := f.mgr.RequestCancel(context.Background(), "missing", "who dis"); errs.ReasonOf(err) != errs.ReasonNotFound {
		t.Fatalf("got %v, want NOT_FOUND", err)
	}
}

func TestModifyCreatesReplacementProposal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.submittedProposal(t, "p1")

	newIntent := p.Intent
	newIntent.Quantity = decimal.NewFromInt(5)

	req, err := f.mgr.RequestModify(context.Background(), "p1", newIntent, "halving the clip size")
	if err != nil {
		t.Fatalf("request modify: %v", err)
	}

	done, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if done.NewProposalID == "" {
		t.Fatal("modify should create a replacement proposal")
	}

	// Old order cancelled, old proposal terminal.
	order, _ := f.mock.GetOrderStatus(context.Background(), p.BrokerOrderID)
	if order.Status != types.StatusCancelled {
		t.Fatalf("old order = %s, want CANCELLED", order.Status)
	}

	// Replacement starts over at PROPOSED with the same correlation id.
	repl, err := f.store.Get(done.NewProposalID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if repl.State != types.StateProposed {
		t.Fatalf("replacement state = %s, want PROPOSED", repl.State)
	}
	if repl.CorrelationID != p.CorrelationID {
		t.Fatal("replacement must keep the correlation id")
	}
	if !repl.Intent.Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("replacement quantity = %s, want 5", repl.Intent.Quantity)
	}
	if repl.IntentHash == p.IntentHash {
		t.Fatal("replacement hash should differ from the original")
	}

	stats, _ := f.auditLog.Stats(context.Background())
	if stats[audit.EventModifyExecuted] != 1 {
		t.Fatalf("audit stats = %v", stats)
	}
}

func TestModifyValidatesNewIntent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.submittedProposal(t, "p1")

	bad := p.Intent
	bad.Quantity = decimal.Zero
	if _, err := f.mgr.RequestModify(context.Background(), "p1", bad, "negative size oops"); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("got %v, want Validation error", err)
	}
}

func TestKillSwitchBlocksConfirm(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.submittedProposal(t, "p1")
	f.mgr.SetKillCheck(func(op string) error {
		return errs.New(errs.KindPolicy, errs.ReasonKillSwitchActive, "kill switch active, refusing %s", op)
	})

	req, err := f.mgr.RequestCancel(context.Background(), "p1", "want out anyway")
	if err != nil {
		t.Fatalf("request should be recordable while halted: %v", err)
	}
	if _, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk"); errs.ReasonOf(err) != errs.ReasonKillSwitchActive {
		t.Fatalf("got %v, want KILL_SWITCH_ACTIVE", err)
	}

	// The request survives the halt and executes once released.
	f.mgr.SetKillCheck(nil)
	done, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk")
	if err != nil {
		t.Fatalf("confirm after release: %v", err)
	}
	if done.State != StateExecuted {
		t.Fatalf("state = %s, want EXECUTED", done.State)
	}
	order, _ := f.mock.GetOrderStatus(context.Background(), p.BrokerOrderID)
	if order.Status != types.StatusCancelled {
		t.Fatalf("order = %s, want CANCELLED", order.Status)
	}
}

func TestPendingRequestExpiry(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.submittedProposal(t, "p1")

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	f.mgr.now = func() time.Time { return now }

	req, err := f.mgr.RequestCancel(context.Background(), "p1", "slow operator today")
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	now = now.Add(PendingTTL)
	if _, err := f.mgr.Confirm(context.Background(), req.RequestID, "ops@desk"); !errs.IsKind(err, errs.KindState) {
		t.Fatalf("got %v, want State error for expired request", err)
	}
	got, _ := f.mgr.Get(req.RequestID)
	if got.State != StateExpired {
		t.Fatalf("state = %s, want EXPIRED", got.State)
	}
	if len(f.mgr.Pending()) != 0 {
		t.Fatal("expired request must not be listed as pending")
	}
}
