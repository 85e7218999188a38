package marketapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/marketledger/pkg/marketledger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubLedgerService struct {
	purchaseReceipt marketledger.PurchaseReceipt
	purchaseError   error
	account         marketledger.CreditAccount
	balanceError    error
	topupBalance    marketledger.AmountCents
	topupError      error
	purchases       []marketledger.Purchase
	lead            marketledger.Lead
	addLeadError    error
	leads           []marketledger.Lead

	purchasedLeadID    string
	purchasedWorkspace string
	topupKey           string
}

func (stub *stubLedgerService) Purchase(ctx context.Context, leadID marketledger.LeadID, buyerWorkspaceID marketledger.WorkspaceID) (marketledger.PurchaseReceipt, error) {
	stub.purchasedLeadID = leadID.String()
	stub.purchasedWorkspace = buyerWorkspaceID.String()
	return stub.purchaseReceipt, stub.purchaseError
}

func (stub *stubLedgerService) Balance(ctx context.Context, workspaceID marketledger.WorkspaceID) (marketledger.CreditAccount, error) {
	return stub.account, stub.balanceError
}

func (stub *stubLedgerService) TopUp(ctx context.Context, workspaceID marketledger.WorkspaceID, amount marketledger.PositiveAmountCents, idempotencyKey marketledger.IdempotencyKey) (marketledger.AmountCents, error) {
	stub.topupKey = idempotencyKey.String()
	return stub.topupBalance, stub.topupError
}

func (stub *stubLedgerService) ListPurchases(ctx context.Context, workspaceID marketledger.WorkspaceID, beforeUnixUTC int64, limit int) ([]marketledger.Purchase, error) {
	return stub.purchases, nil
}

func (stub *stubLedgerService) AddLead(ctx context.Context, price marketledger.PositiveAmountCents, metadata marketledger.MetadataJSON) (marketledger.Lead, error) {
	return stub.lead, stub.addLeadError
}

func (stub *stubLedgerService) ListAvailableLeads(ctx context.Context, limit int) ([]marketledger.Lead, error) {
	return stub.leads, nil
}

func testConfig() Config {
	cfg := Config{
		SessionSigningKey: "test-signing-key",
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func newTestRouter(test *testing.T, cfg Config, service LedgerService) *gin.Engine {
	test.Helper()
	handler := &httpHandler{
		logger:  zap.NewNop(),
		service: service,
		cfg:     cfg,
	}
	return setupRouter(cfg, handler, newSessionValidator(cfg))
}

func sessionToken(test *testing.T, cfg Config, workspaceID string, roles []string) string {
	test.Helper()
	token, err := SignSessionToken(cfg, workspaceID, roles, time.Now().UTC().Add(time.Hour))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func performRequest(router *gin.Engine, method string, path string, body string, token string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func errorCode(test *testing.T, recorder *httptest.ResponseRecorder) string {
	test.Helper()
	payload := decodeBody(test, recorder)
	errorObject, ok := payload["error"].(map[string]any)
	if !ok {
		test.Fatalf("missing error object in %q", recorder.Body.String())
	}
	code, _ := errorObject["code"].(string)
	return code
}

func mustReceipt(test *testing.T) marketledger.PurchaseReceipt {
	test.Helper()
	purchaseID, err := marketledger.NewPurchaseID("purchase-1")
	if err != nil {
		test.Fatalf("purchase id: %v", err)
	}
	leadID, err := marketledger.NewLeadID("lead-1")
	if err != nil {
		test.Fatalf("lead id: %v", err)
	}
	amount, err := marketledger.NewPositiveAmountCents(500)
	if err != nil {
		test.Fatalf("amount: %v", err)
	}
	return marketledger.PurchaseReceipt{
		PurchaseID:      purchaseID,
		LeadID:          leadID,
		AmountCents:     amount,
		NewBalanceCents: marketledger.AmountCents(9500),
	}
}

func TestHealthzOpen(test *testing.T) {
	router := newTestRouter(test, testConfig(), &stubLedgerService{})
	recorder := performRequest(router, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("healthz status: want 200, got %d", recorder.Code)
	}
}

func TestPurchaseRequiresSession(test *testing.T) {
	router := newTestRouter(test, testConfig(), &stubLedgerService{})
	recorder := performRequest(router, http.MethodPost, "/api/purchase", `{"lead_id":"lead-1"}`, "")
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("status: want 401, got %d", recorder.Code)
	}
}

func TestPurchaseSuccess(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{purchaseReceipt: mustReceipt(test)}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/purchase", `{"lead_id":"lead-1"}`, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status: want 200, got %d body %s", recorder.Code, recorder.Body.String())
	}
	if stub.purchasedLeadID != "lead-1" {
		test.Fatalf("lead id passed: got %q", stub.purchasedLeadID)
	}
	if stub.purchasedWorkspace != "ws-1" {
		test.Fatalf("workspace passed: got %q", stub.purchasedWorkspace)
	}
	payload := decodeBody(test, recorder)
	if payload["success"] != true {
		test.Fatalf("success flag: got %v", payload["success"])
	}
	if payload["new_balance_cents"] != float64(9500) {
		test.Fatalf("new balance: got %v", payload["new_balance_cents"])
	}
}

func TestPurchaseConflict(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{purchaseError: marketledger.ErrLeadAlreadySold}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/purchase", `{"lead_id":"lead-1"}`, token)
	if recorder.Code != http.StatusConflict {
		test.Fatalf("status: want 409, got %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "leads_no_longer_available" {
		test.Fatalf("error code: got %q", code)
	}
}

func TestPurchaseInsufficientFunds(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{purchaseError: marketledger.InsufficientFundsError{
		RequiredCents: 500,
		CurrentCents:  120,
	}}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/purchase", `{"lead_id":"lead-1"}`, token)
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("status: want 402, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)
	if code := errorCode(test, recorder); code != "insufficient_credits" {
		test.Fatalf("error code: got %q", code)
	}
	if payload["required_cents"] != float64(500) {
		test.Fatalf("required_cents: got %v", payload["required_cents"])
	}
	if payload["current_cents"] != float64(120) {
		test.Fatalf("current_cents: got %v", payload["current_cents"])
	}
}

func TestPurchaseUnknownLead(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{purchaseError: marketledger.ErrLeadNotFound}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/purchase", `{"lead_id":"missing"}`, token)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("status: want 404, got %d", recorder.Code)
	}
}

func TestTopupDuplicateKey(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{topupError: marketledger.ErrDuplicateIdempotencyKey}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/topup", `{"amount_cents":2500,"idempotency_key":"evt-1"}`, token)
	if recorder.Code != http.StatusConflict {
		test.Fatalf("status: want 409, got %d", recorder.Code)
	}
	if code := errorCode(test, recorder); code != "duplicate_topup" {
		test.Fatalf("error code: got %q", code)
	}
}

func TestTopupSuccess(test *testing.T) {
	cfg := testConfig()
	stub := &stubLedgerService{topupBalance: marketledger.AmountCents(12500)}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/topup", `{"amount_cents":2500,"idempotency_key":"evt-1"}`, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status: want 200, got %d body %s", recorder.Code, recorder.Body.String())
	}
	if stub.topupKey != "evt-1" {
		test.Fatalf("idempotency key passed: got %q", stub.topupKey)
	}
	payload := decodeBody(test, recorder)
	if payload["balance_cents"] != float64(12500) {
		test.Fatalf("balance: got %v", payload["balance_cents"])
	}
}

func TestTopupRejectsNonPositiveAmount(test *testing.T) {
	cfg := testConfig()
	router := newTestRouter(test, cfg, &stubLedgerService{})
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/topup", `{"amount_cents":0,"idempotency_key":"evt-1"}`, token)
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("status: want 400, got %d", recorder.Code)
	}
}

func TestAddLeadRequiresAdminRole(test *testing.T) {
	cfg := testConfig()
	router := newTestRouter(test, cfg, &stubLedgerService{})
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodPost, "/api/leads", `{"price_cents":500}`, token)
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("status: want 403, got %d", recorder.Code)
	}
}

func TestAddLeadAsAdmin(test *testing.T) {
	cfg := testConfig()
	leadID, err := marketledger.NewLeadID("lead-9")
	if err != nil {
		test.Fatalf("lead id: %v", err)
	}
	price, err := marketledger.NewPositiveAmountCents(500)
	if err != nil {
		test.Fatalf("price: %v", err)
	}
	metadata, err := marketledger.NewMetadataJSON(`{"region":"us-west"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	stub := &stubLedgerService{lead: marketledger.Lead{
		LeadID:            leadID,
		PriceCents:        price,
		MarketplaceStatus: marketledger.MarketplaceStatusAvailable,
		Metadata:          metadata,
		CreatedUnixUTC:    1700000000,
	}}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-admin", []string{"admin"})

	recorder := performRequest(router, http.MethodPost, "/api/leads", `{"price_cents":500,"metadata":{"region":"us-west"}}`, token)
	if recorder.Code != http.StatusCreated {
		test.Fatalf("status: want 201, got %d body %s", recorder.Code, recorder.Body.String())
	}
}

func TestWalletReturnsBalanceAndHistory(test *testing.T) {
	cfg := testConfig()
	workspaceID, err := marketledger.NewWorkspaceID("ws-1")
	if err != nil {
		test.Fatalf("workspace id: %v", err)
	}
	stub := &stubLedgerService{account: marketledger.CreditAccount{
		WorkspaceID:         workspaceID,
		BalanceCents:        marketledger.AmountCents(9995),
		TotalPurchasedCents: marketledger.AmountCents(10000),
		TotalUsedCents:      marketledger.AmountCents(5),
	}}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	recorder := performRequest(router, http.MethodGet, "/api/wallet", "", token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status: want 200, got %d body %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	wallet, ok := payload["wallet"].(map[string]any)
	if !ok {
		test.Fatalf("missing wallet: %s", recorder.Body.String())
	}
	if wallet["balance_cents"] != float64(9995) {
		test.Fatalf("balance: got %v", wallet["balance_cents"])
	}
}

func TestSessionCookieAccepted(test *testing.T) {
	cfg := testConfig()
	workspaceID, err := marketledger.NewWorkspaceID("ws-1")
	if err != nil {
		test.Fatalf("workspace id: %v", err)
	}
	stub := &stubLedgerService{account: marketledger.CreditAccount{WorkspaceID: workspaceID}}
	router := newTestRouter(test, cfg, stub)
	token := sessionToken(test, cfg, "ws-1", nil)

	request := httptest.NewRequest(http.MethodGet, "/api/wallet", strings.NewReader(""))
	request.AddCookie(&http.Cookie{Name: cfg.SessionCookieName, Value: token})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("status: want 200, got %d body %s", recorder.Code, recorder.Body.String())
	}
}

func TestExpiredSessionRejected(test *testing.T) {
	cfg := testConfig()
	router := newTestRouter(test, cfg, &stubLedgerService{})
	token, err := SignSessionToken(cfg, "ws-1", nil, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	recorder := performRequest(router, http.MethodGet, "/api/wallet", "", token)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("status: want 401, got %d", recorder.Code)
	}
}
