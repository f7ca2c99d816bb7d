package sagas

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/messaging"
	"github.com/Tsukikage7/auction-saga/saga"
)

type command struct {
	subject string
	payload map[string]any
}

// recordingBus 记录编排器发布的命令.
type recordingBus struct {
	mu       sync.Mutex
	commands []command
}

func (b *recordingBus) Publish(_ context.Context, subject string, data any, _ ...messaging.PublishOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, _ := data.(map[string]any)
	b.commands = append(b.commands, command{subject: subject, payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, string, messaging.Handler) error {
	return nil
}

func (b *recordingBus) subjects() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.commands))
	for i, c := range b.commands {
		out[i] = c.subject
	}
	return out
}

func (b *recordingBus) since(n int) []string {
	return b.subjects()[n:]
}

func (b *recordingBus) last(subject string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.commands) - 1; i >= 0; i-- {
		if b.commands[i].subject == subject {
			return b.commands[i].payload
		}
	}
	return nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	store    *saga.MemoryStore
	bus      *recordingBus
	registry *saga.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, ctx: context.Background(), store: saga.NewMemoryStore(), bus: &recordingBus{}}
	t.Cleanup(func() { f.store.Close() })

	registry, err := NewRegistry(f.store, f.bus)
	require.NoError(t, err)
	f.registry = registry
	return f
}

func (f *fixture) orchestrator(sagaType saga.Type) *saga.Orchestrator {
	f.t.Helper()
	o, err := f.registry.Get(sagaType)
	require.NoError(f.t, err)
	return o
}

func (f *fixture) deliver(sagaType saga.Type, sagaID, subject string, fields map[string]any) {
	f.t.Helper()
	event := map[string]any{"sagaId": sagaID}
	for k, v := range fields {
		event[k] = v
	}
	data, err := json.Marshal(event)
	require.NoError(f.t, err)
	require.NoError(f.t, f.orchestrator(sagaType).HandleEvent(f.ctx, subject, data))
}

func (f *fixture) state(sagaType saga.Type, sagaID string) *saga.State {
	f.t.Helper()
	st, err := f.store.Get(f.ctx, sagaType, sagaID)
	require.NoError(f.t, err)
	return st
}

func TestDefinitionsAreValid(t *testing.T) {
	for _, def := range All() {
		assert.NoError(t, def.Validate(), def.Type)
	}
	f := newFixture(t)
	assert.Equal(t, []saga.Type{
		saga.TypeAuctionCompletion,
		saga.TypeBidPlacement,
		saga.TypePaymentProcessing,
		saga.TypeUserRegistration,
	}, f.registry.Types())
}

func TestForwardProgression(t *testing.T) {
	tests := []struct {
		name     string
		sagaType saga.Type
		request  map[string]any
		events   []string
		states   []string
		commands []string
	}{
		{
			name:     "user registration",
			sagaType: saga.TypeUserRegistration,
			request:  map[string]any{"userId": "u1", "userEmail": "u1@x.com", "userName": "Ann"},
			events:   []string{"account-created", "profile-created", "email-sent"},
			states:   []string{StateAccountCreated, StateProfileCreated, StateEmailSent},
			commands: []string{"create-account", "create-profile", "send-welcome-email"},
		},
		{
			name:     "bid placement",
			sagaType: saga.TypeBidPlacement,
			request:  map[string]any{"bidId": "b1", "userId": "u1", "listingId": "l1", "bidAmount": 1000},
			events:   []string{"bid-validated", "funds-reserved", "bid-placed", "auction-updated"},
			states:   []string{StateBidValidated, StateFundsReserved, StateBidPlaced, StateAuctionUpdated},
			commands: []string{"validate-bid", "reserve-funds", "place-bid", "update-auction", "send-bid-notification"},
		},
		{
			name:     "auction completion with winner",
			sagaType: saga.TypeAuctionCompletion,
			request:  map[string]any{"listingId": "l1", "sellerId": "s1"},
			events: []string{
				"auction-finalized", "payment-initiated", "payment-processed",
				"item-transferred", "seller-paid", "auction-notifications-sent",
			},
			states: []string{
				StateAuctionFinalized, StatePaymentInitiated, StatePaymentProcessed,
				StateItemTransferred, StateSellerPaid, StateNotificationsSent,
			},
			commands: []string{
				"finalize-auction", "initiate-payment", "process-payment",
				"transfer-item", "pay-seller", "send-auction-notifications",
			},
		},
		{
			name:     "payment processing",
			sagaType: saga.TypePaymentProcessing,
			request:  map[string]any{"userId": "u1", "amount": 250.5, "paymentId": "p1"},
			events:   []string{"payment-validated", "funds-authorized", "payment-captured", "invoice-generated", "receipt-sent"},
			states:   []string{StatePaymentValidated, StateFundsAuthorized, StatePaymentCaptured, StateInvoiceGenerated, StateReceiptSent},
			commands: []string{"validate-payment", "authorize-funds", "capture-payment", "generate-invoice", "send-receipt"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			st, err := f.orchestrator(tt.sagaType).Start(f.ctx, tt.request)
			require.NoError(t, err)
			assert.Equal(t, saga.StateStarted, st.State)

			for i, event := range tt.events {
				fields := map[string]any{}
				if event == "auction-finalized" {
					fields["winnerId"] = "w1"
					fields["finalPrice"] = 1500
				}
				f.deliver(tt.sagaType, st.SagaID, event, fields)
				if i < len(tt.events)-1 {
					assert.Equal(t, tt.states[i], f.state(tt.sagaType, st.SagaID).State)
				}
			}

			final := f.state(tt.sagaType, st.SagaID)
			assert.Equal(t, saga.StateCompleted, final.State)
			assert.Equal(t, tt.states, final.CompletedSteps)
			assert.Equal(t, tt.commands, f.bus.subjects())
		})
	}
}

func TestBidPlacement_EndToEnd(t *testing.T) {
	f := newFixture(t)
	st, err := f.orchestrator(saga.TypeBidPlacement).Start(f.ctx, map[string]any{
		"bidId":     "b1",
		"userId":    "u1",
		"listingId": "l1",
		"bidAmount": 1000,
		"userEmail": "u1@x.com",
	})
	require.NoError(t, err)
	assert.Equal(t, saga.StateStarted, st.State)
	assert.Equal(t, saga.PriorityHigh, st.Priority)
	assert.EqualValues(t, 1000, st.Metadata["bidAmount"])
	assert.Equal(t, "u1@x.com", st.UserEmail)

	f.deliver(saga.TypeBidPlacement, st.SagaID, "bid-validated", map[string]any{"isValid": true})
	assert.Equal(t, StateBidValidated, f.state(saga.TypeBidPlacement, st.SagaID).State)

	f.deliver(saga.TypeBidPlacement, st.SagaID, "funds-reserved", map[string]any{"reservationId": "r1"})
	got := f.state(saga.TypeBidPlacement, st.SagaID)
	assert.Equal(t, StateFundsReserved, got.State)
	assert.Equal(t, "r1", got.MetadataString("reservationId"))
	assert.Equal(t, "r1", f.bus.last("place-bid")["reservationId"])

	f.deliver(saga.TypeBidPlacement, st.SagaID, "bid-placed", nil)
	assert.Equal(t, StateBidPlaced, f.state(saga.TypeBidPlacement, st.SagaID).State)

	f.deliver(saga.TypeBidPlacement, st.SagaID, "auction-updated", nil)
	got = f.state(saga.TypeBidPlacement, st.SagaID)
	assert.Equal(t, saga.StateCompleted, got.State)
	assert.Equal(t, StateAuctionUpdated, got.CompletedSteps[len(got.CompletedSteps)-1])

	notify := f.bus.last("send-bid-notification")
	assert.Equal(t, "b1", notify["bidId"])
	assert.Equal(t, "u1@x.com", notify["userEmail"])

	active, err := f.store.ListActive(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestBidPlacement_CompensationOnPlaceBidFailure(t *testing.T) {
	f := newFixture(t)
	st, err := f.orchestrator(saga.TypeBidPlacement).Start(f.ctx, map[string]any{
		"bidId": "b1", "userId": "u1", "listingId": "l1", "bidAmount": 1000, "userEmail": "u1@x.com",
	})
	require.NoError(t, err)

	f.deliver(saga.TypeBidPlacement, st.SagaID, "bid-validated", map[string]any{"isValid": true})
	f.deliver(saga.TypeBidPlacement, st.SagaID, "funds-reserved", map[string]any{"reservationId": "r1"})
	before := len(f.bus.subjects())

	f.deliver(saga.TypeBidPlacement, st.SagaID, "bid-placed", map[string]any{"success": false, "error": "listing closed"})

	assert.Equal(t, []string{"release-funds"}, f.bus.since(before))
	assert.Equal(t, "r1", f.bus.last("release-funds")["reservationId"])

	got := f.state(saga.TypeBidPlacement, st.SagaID)
	assert.Equal(t, saga.StateFailed, got.State)
	assert.True(t, got.CompensationRequired)
	assert.Equal(t, "listing closed", got.Error)
}

func TestBidPlacement_InvalidBidIsTerminalWithoutCompensation(t *testing.T) {
	f := newFixture(t)
	st, err := f.orchestrator(saga.TypeBidPlacement).Start(f.ctx, map[string]any{
		"bidId": "b1", "userId": "u1", "listingId": "l1", "bidAmount": 1000,
	})
	require.NoError(t, err)

	f.deliver(saga.TypeBidPlacement, st.SagaID, "bid-validated", map[string]any{"isValid": false, "reason": "bid below current price"})

	got := f.state(saga.TypeBidPlacement, st.SagaID)
	assert.Equal(t, saga.StateFailed, got.State)
	assert.Equal(t, "bid below current price", got.Error)
	assert.Equal(t, []string{"validate-bid"}, f.bus.subjects())
}

func TestAuctionCompletion_NoWinnerSkipsPaymentBranch(t *testing.T) {
	f := newFixture(t)
	st, err := f.orchestrator(saga.TypeAuctionCompletion).Start(f.ctx, map[string]any{"listingId": "l1", "sellerId": "s1"})
	require.NoError(t, err)
	assert.Equal(t, saga.PriorityCritical, st.Priority)

	f.deliver(saga.TypeAuctionCompletion, st.SagaID, "auction-finalized", map[string]any{"winnerId": nil})
	assert.Equal(t, []string{"finalize-auction", "send-auction-notifications"}, f.bus.subjects())

	f.deliver(saga.TypeAuctionCompletion, st.SagaID, "payment-initiated", nil)
	assert.Equal(t, StateAuctionFinalized, f.state(saga.TypeAuctionCompletion, st.SagaID).State)

	f.deliver(saga.TypeAuctionCompletion, st.SagaID, "auction-notifications-sent", nil)
	got := f.state(saga.TypeAuctionCompletion, st.SagaID)
	assert.Equal(t, saga.StateCompleted, got.State)
	assert.Equal(t, []string{StateAuctionFinalized, StateNotificationsSent}, got.CompletedSteps)
}

func TestAuctionCompletion_CompensationOrder(t *testing.T) {
	f := newFixture(t)
	st, err := f.orchestrator(saga.TypeAuctionCompletion).Start(f.ctx, map[string]any{"listingId": "l1", "sellerId": "s1"})
	require.NoError(t, err)

	f.deliver(saga.TypeAuctionCompletion, st.SagaID, "auction-finalized", map[string]any{"winnerId": "w1", "finalPrice": 1500})
	for _, event := range []string{"payment-initiated", "payment-processed", "item-transferred", "seller-paid"} {
		f.deliver(saga.TypeAuctionCompletion, st.SagaID, event, nil)
	}
	before := len(f.bus.subjects())

	f.deliver(saga.TypeAuctionCompletion, st.SagaID, "auction-notifications-sent", map[string]any{"status": "FAILED"})

	assert.Equal(t, []string{"reverse-seller-payment", "revert-item-transfer", "refund-payment"}, f.bus.since(before))
	got := f.state(saga.TypeAuctionCompletion, st.SagaID)
	assert.Equal(t, saga.StateFailed, got.State)
	assert.Equal(t, "send-auction-notifications failed", got.Error)
}

func TestPaymentProcessing_CancelCompensatesInReverse(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(saga.TypePaymentProcessing)
	st, err := o.Start(f.ctx, map[string]any{"userId": "u1", "amount": "99.90"})
	require.NoError(t, err)

	for _, event := range []string{"payment-validated", "funds-authorized", "payment-captured", "invoice-generated"} {
		f.deliver(saga.TypePaymentProcessing, st.SagaID, event, nil)
	}
	before := len(f.bus.subjects())

	require.NoError(t, o.Cancel(f.ctx, st.SagaID, "customer request"))
	assert.Equal(t, []string{"void-invoice", "refund-payment", "void-authorization"}, f.bus.since(before))
	assert.Equal(t, saga.StateCancelled, f.state(saga.TypePaymentProcessing, st.SagaID).State)
}

func TestUserRegistration_TimeoutCompensates(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(saga.TypeUserRegistration)
	st, err := o.Start(f.ctx, map[string]any{"userId": "u1", "userEmail": "u1@x.com"})
	require.NoError(t, err)

	f.deliver(saga.TypeUserRegistration, st.SagaID, "account-created", nil)
	f.deliver(saga.TypeUserRegistration, st.SagaID, "profile-created", nil)
	before := len(f.bus.subjects())

	require.NoError(t, o.HandleTimeout(f.ctx, st.SagaID))
	assert.Equal(t, []string{"delete-profile", "delete-account"}, f.bus.since(before))
	assert.Equal(t, "u1", f.bus.last("delete-account")["userId"])
}

func TestSeedValidation(t *testing.T) {
	tests := []struct {
		name string
		def  saga.Definition
		req  map[string]any
		ok   bool
	}{
		{"registration ok", UserRegistration(), map[string]any{"userId": "u1", "userEmail": "a@b.c"}, true},
		{"registration missing email", UserRegistration(), map[string]any{"userId": "u1"}, false},
		{"bid ok", BidPlacement(), map[string]any{"bidId": "b", "userId": "u", "listingId": "l", "bidAmount": 10.5}, true},
		{"bid zero amount", BidPlacement(), map[string]any{"bidId": "b", "userId": "u", "listingId": "l", "bidAmount": 0}, false},
		{"bid amount not a number", BidPlacement(), map[string]any{"bidId": "b", "userId": "u", "listingId": "l", "bidAmount": "lots"}, false},
		{"bid missing listing", BidPlacement(), map[string]any{"bidId": "b", "userId": "u", "bidAmount": 1}, false},
		{"auction ok", AuctionCompletion(), map[string]any{"listingId": "l1"}, true},
		{"auction missing listing", AuctionCompletion(), map[string]any{"sellerId": "s1"}, false},
		{"payment ok", PaymentProcessing(), map[string]any{"userId": "u1", "amount": json.Number("12")}, true},
		{"payment negative", PaymentProcessing(), map[string]any{"userId": "u1", "amount": -3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.def.Seed(tt.req)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.orchestrator(saga.TypeBidPlacement).Start(f.ctx, map[string]any{"bidId": "b1"})
	assert.ErrorIs(t, err, saga.ErrInvalidRequest)
	assert.Empty(t, f.bus.subjects())
}
