package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "sk_test_webhook"

// fakeGateway scripts gateway responses and counts calls.
type fakeGateway struct {
	mu          sync.Mutex
	initCalls   int
	verifyCalls int
	initErr     error
	verifyErr   error
	verifyDelay time.Duration
	verifyWith  *GatewayVerifyResult
}

func (g *fakeGateway) Initialize(ctx context.Context, req *GatewayInitRequest) (*GatewayInitResult, error) {
	g.mu.Lock()
	g.initCalls++
	n := g.initCalls
	g.mu.Unlock()

	if g.initErr != nil {
		return nil, g.initErr
	}
	return &GatewayInitResult{
		AuthorizationURL: fmt.Sprintf("https://checkout.example/%d", n),
		AccessCode:       fmt.Sprintf("access-%d", n),
		Reference:        fmt.Sprintf("ref-%d", n),
	}, nil
}

func (g *fakeGateway) Verify(ctx context.Context, reference string) (*GatewayVerifyResult, error) {
	g.mu.Lock()
	g.verifyCalls++
	g.mu.Unlock()

	if g.verifyDelay > 0 {
		time.Sleep(g.verifyDelay)
	}
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	if g.verifyWith != nil {
		result := *g.verifyWith
		result.Reference = reference
		return &result, nil
	}
	return &GatewayVerifyResult{Status: StatusPending, Reference: reference}, nil
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls, g.verifyCalls
}

// fakeStore is an in-memory TransactionStore. ConditionalMarkProcessed is
// atomic under the mutex, mirroring the database's conditional update.
type fakeStore struct {
	mu       sync.Mutex
	txs      map[string]*Transaction
	upgrades []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{txs: make(map[string]*Transaction)}
}

func (s *fakeStore) FindReusable(ctx context.Context, email, plan string, lookback time.Duration) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-lookback)
	var best *Transaction
	for _, tx := range s.txs {
		if tx.CustomerEmail != email || tx.PlanType != plan {
			continue
		}
		if tx.Status != StatusPending && tx.Status != StatusProcessing {
			continue
		}
		if tx.CreatedAt.Before(cutoff) {
			continue
		}
		if best == nil || tx.CreatedAt.After(best.CreatedAt) {
			best = tx
		}
	}
	if best == nil {
		return nil, ErrTransactionNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *fakeStore) Insert(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.Reference]; ok {
		return nil
	}
	cp := *tx
	s.txs[tx.Reference] = &cp
	return nil
}

func (s *fakeStore) Get(ctx context.Context, reference string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *fakeStore) RecordVerification(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.VerificationCount++
	return nil
}

func (s *fakeStore) UpdateVerification(ctx context.Context, reference string, result *GatewayVerifyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = result.Status
	tx.GatewayResponse = result.GatewayResponse
	return nil
}

func (s *fakeStore) RecordWebhook(ctx context.Context, reference string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	tx.WebhookReceivedCount++
	return &cp, nil
}

func (s *fakeStore) ConditionalMarkProcessed(ctx context.Context, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[reference]
	if !ok {
		return false, nil
	}
	if tx.Processed {
		return false, nil
	}
	tx.Processed = true
	tx.Status = StatusSuccess
	return true, nil
}

func (s *fakeStore) UpdateUserPlan(ctx context.Context, email, plan, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upgrades = append(s.upgrades, fmt.Sprintf("%s|%s|%s", email, plan, reference))
	return nil
}

func (s *fakeStore) upgradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upgrades)
}

func newTestController(t *testing.T, store TransactionStore, gateway Gateway) *Controller {
	t.Helper()
	return NewController(&ControllerConfig{
		Store:         store,
		Gateway:       gateway,
		WebhookSecret: testWebhookSecret,
		Currency:      "NGN",
		Logger:        slog.New(slog.DiscardHandler),
	})
}

func chargeSuccessBody(t *testing.T, reference, email string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": EventChargeSuccess,
		"data": map[string]any{
			"reference": reference,
			"amount":    500000,
			"customer":  map[string]any{"email": email},
			"metadata":  map[string]string{"plan": "pro"},
		},
	})
	require.NoError(t, err)
	return body, SignPayload(body, testWebhookSecret)
}

func TestController_Initialize_ReusesPendingTransaction(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	first, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.NotEmpty(t, first.Reference)

	// Double-click inside the lookback window: no second gateway call.
	second, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Reference, second.Reference)
	assert.Equal(t, first.AuthorizationURL, second.AuthorizationURL)

	initCalls, _ := gateway.calls()
	assert.Equal(t, 1, initCalls)
}

func TestController_Initialize_DifferentPlanStartsNewTransaction(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	_, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	result, err := controller.Initialize(context.Background(), "ada@example.com", 900000, "enterprise", "user-1")
	require.NoError(t, err)
	assert.False(t, result.Reused)

	initCalls, _ := gateway.calls()
	assert.Equal(t, 2, initCalls)
}

func TestController_Initialize_StaleTransactionNotReused(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	stale := &Transaction{
		Reference:     "old-ref",
		CustomerEmail: "ada@example.com",
		PlanType:      "pro",
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC().Add(-31 * time.Minute),
	}
	require.NoError(t, store.Insert(context.Background(), stale))

	result, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)
	assert.False(t, result.Reused)
	assert.NotEqual(t, "old-ref", result.Reference)
}

func TestController_Initialize_GatewayUnavailable(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{initErr: fmt.Errorf("dial: %w", ErrGatewayUnavailable)}
	controller := newTestController(t, store, gateway)

	_, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestController_Verify_SuccessAppliesUpgradeOnce(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{verifyWith: &GatewayVerifyResult{
		Status:        StatusSuccess,
		CustomerEmail: "ada@example.com",
		Metadata:      map[string]string{"plan": "pro"},
	}}
	controller := newTestController(t, store, gateway)

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	resp, err := controller.Verify(context.Background(), init.Reference, false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 1, store.upgradeCount())

	// Second verify is served from cache, no extra gateway call or upgrade.
	cached, err := controller.Verify(context.Background(), init.Reference, false)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, 1, store.upgradeCount())

	_, verifyCalls := gateway.calls()
	assert.Equal(t, 1, verifyCalls)
}

func TestController_Verify_ProcessedFastPathSkipsGateway(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	require.NoError(t, store.Insert(context.Background(), &Transaction{
		Reference:     "ref-done",
		CustomerEmail: "ada@example.com",
		PlanType:      "pro",
		Status:        StatusSuccess,
		Processed:     true,
		Metadata:      Metadata{"plan": "pro", "user_id": "user-1"},
		CreatedAt:     time.Now().UTC(),
	}))

	resp, err := controller.Verify(context.Background(), "ref-done", false)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	// Metadata stored at initialization survives into the synthesized response.
	assert.Equal(t, map[string]string{"plan": "pro", "user_id": "user-1"}, resp.Metadata)

	_, verifyCalls := gateway.calls()
	assert.Equal(t, 0, verifyCalls)
	assert.Equal(t, 0, store.upgradeCount())
}

func TestController_Verify_ForceRefreshBypassesCache(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	_, err = controller.Verify(context.Background(), init.Reference, false)
	require.NoError(t, err)
	_, err = controller.Verify(context.Background(), init.Reference, true)
	require.NoError(t, err)

	_, verifyCalls := gateway.calls()
	assert.Equal(t, 2, verifyCalls)
}

func TestController_Verify_GatewayUnavailable(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{verifyErr: fmt.Errorf("502: %w", ErrGatewayUnavailable)}
	controller := newTestController(t, store, gateway)

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	_, err = controller.Verify(context.Background(), init.Reference, false)
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestController_ProcessWebhook_InvalidSignature(t *testing.T) {
	store := newFakeStore()
	controller := newTestController(t, store, &fakeGateway{})

	body, _ := chargeSuccessBody(t, "ref-1", "ada@example.com")

	_, err := controller.ProcessWebhook(context.Background(), body, "not-a-signature")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, 0, store.upgradeCount())
}

func TestController_ProcessWebhook_ExactlyOnce(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{}
	controller := newTestController(t, store, gateway)

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	body, sig := chargeSuccessBody(t, init.Reference, "ada@example.com")

	// First delivery processes the payment.
	outcome, err := controller.ProcessWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.True(t, outcome.ProcessedNow)
	assert.False(t, outcome.AlreadyProcessed)
	assert.Equal(t, 1, outcome.WebhookCount)
	assert.Equal(t, 1, store.upgradeCount())

	// Redelivery is acknowledged but changes nothing.
	outcome, err = controller.ProcessWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.False(t, outcome.ProcessedNow)
	assert.True(t, outcome.AlreadyProcessed)
	assert.Equal(t, 2, outcome.WebhookCount)
	assert.Equal(t, 1, store.upgradeCount())

	tx, err := store.Get(context.Background(), init.Reference)
	require.NoError(t, err)
	assert.True(t, tx.Processed)
	assert.Equal(t, StatusSuccess, tx.Status)
	assert.Equal(t, 2, tx.WebhookReceivedCount)
}

func TestController_ProcessWebhook_UnknownReference(t *testing.T) {
	store := newFakeStore()
	controller := newTestController(t, store, &fakeGateway{})

	body, sig := chargeSuccessBody(t, "never-seen", "ada@example.com")

	outcome, err := controller.ProcessWebhook(context.Background(), body, sig)
	require.NoError(t, err)
	assert.False(t, outcome.ProcessedNow)
	assert.Equal(t, "transaction not found", outcome.Reason)
}

func TestController_ProcessWebhook_OtherEventsIgnored(t *testing.T) {
	store := newFakeStore()
	controller := newTestController(t, store, &fakeGateway{})

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"event": "transfer.success",
		"data":  map[string]any{"reference": init.Reference},
	})
	require.NoError(t, err)
	sig := SignPayload(body, testWebhookSecret)

	outcome, perr := controller.ProcessWebhook(context.Background(), body, sig)
	require.NoError(t, perr)
	assert.False(t, outcome.ProcessedNow)
	assert.False(t, outcome.AlreadyProcessed)
	assert.Equal(t, 0, store.upgradeCount())

	// The delivery is still counted.
	tx, err := store.Get(context.Background(), init.Reference)
	require.NoError(t, err)
	assert.Equal(t, 1, tx.WebhookReceivedCount)
}

func TestController_ConcurrentVerifyAndWebhook_SingleUpgrade(t *testing.T) {
	store := newFakeStore()
	gateway := &fakeGateway{
		verifyDelay: 10 * time.Millisecond,
		verifyWith: &GatewayVerifyResult{
			Status:        StatusSuccess,
			CustomerEmail: "ada@example.com",
			Metadata:      map[string]string{"plan": "pro"},
		},
	}
	controller := newTestController(t, store, gateway)

	init, err := controller.Initialize(context.Background(), "ada@example.com", 500000, "pro", "user-1")
	require.NoError(t, err)

	body, sig := chargeSuccessBody(t, init.Reference, "ada@example.com")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = controller.Verify(context.Background(), init.Reference, true)
		}()
		go func() {
			defer wg.Done()
			_, _ = controller.ProcessWebhook(context.Background(), body, sig)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.upgradeCount(), "plan upgrade must apply exactly once")

	tx, err := store.Get(context.Background(), init.Reference)
	require.NoError(t, err)
	assert.True(t, tx.Processed)
}
