package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/ngoLedger/pkg/idempotency"
	"github.com/mcclellann/ngoLedger/pkg/models"
	"github.com/mcclellann/ngoLedger/pkg/store"
	"github.com/shopspring/decimal"
)

const testOrigin = "http://localhost:3000"

func setupTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	server := NewServer(s)
	return server, server.routes(nil, time.Hour, []string{testOrigin})
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func createMember(t *testing.T, h http.Handler, name string) models.Member {
	t.Helper()
	rr := doJSON(t, h, "POST", "/members", map[string]any{"name": name, "email": "amina@example.org"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var m models.Member
	decodeBody(t, rr, &m)
	return m
}

func dueDate() string {
	return time.Now().AddDate(0, 6, 0).Format("2006-01-02")
}

func TestAPI_CreateAndGetMember(t *testing.T) {
	_, h := setupTestServer(t)

	created := createMember(t, h, "Amina Yusuf")
	if created.MemberCode != "MEM0001" {
		t.Errorf("Expected code MEM0001, got %s", created.MemberCode)
	}

	rr := doJSON(t, h, "GET", "/members/"+created.ID.String(), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var fetched models.Member
	decodeBody(t, rr, &fetched)
	if fetched.ID != created.ID || fetched.Name != "Amina Yusuf" {
		t.Errorf("Fetched member does not match: %+v", fetched)
	}

	var raw map[string]any
	decodeBody(t, rr, &raw)
	if raw["member_code"] != "MEM0001" {
		t.Errorf("Expected member_code MEM0001 in JSON, got %v", raw["member_code"])
	}
	if _, ok := raw["member_id"]; ok {
		t.Errorf("Member JSON should not carry member_id")
	}

	rr = doJSON(t, h, "GET", "/members?q=amina", nil)
	var list []models.Member
	decodeBody(t, rr, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 member matching search, got %d", len(list))
	}
}

func TestAPI_ValidationErrors(t *testing.T) {
	_, h := setupTestServer(t)

	rr := doJSON(t, h, "POST", "/members", map[string]any{"email": "not-an-email"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", rr.Code)
	}
	var resp ErrorResponse
	decodeBody(t, rr, &resp)
	if resp.Details["name"] == "" {
		t.Errorf("Expected details for name, got %+v", resp.Details)
	}

	rr = doJSON(t, h, "POST", "/savings", map[string]any{"member_id": "nope", "amount": 10, "type": "deposit"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad member id, got %d", rr.Code)
	}

	rr = doJSON(t, h, "GET", "/loans/not-a-uuid", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for bad loan id, got %d", rr.Code)
	}
}

func TestAPI_NotFound(t *testing.T) {
	_, h := setupTestServer(t)

	rr := doJSON(t, h, "GET", "/loans/"+uuid.New().String(), nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", rr.Code)
	}

	rr = doJSON(t, h, "POST", "/savings", map[string]any{"member_id": uuid.New().String(), "amount": 10, "type": "deposit"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown member, got %d", rr.Code)
	}
}

func TestAPI_SavingsAreClamped(t *testing.T) {
	_, h := setupTestServer(t)
	m := createMember(t, h, "Amina Yusuf")

	for _, tx := range []map[string]any{
		{"member_id": m.ID, "amount": "100", "type": "deposit", "payment_method": "cash"},
		{"member_id": m.ID, "amount": "150", "type": "withdrawal", "payment_method": "cash"},
	} {
		rr := doJSON(t, h, "POST", "/savings", tx)
		if rr.Code != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
		}
	}

	rr := doJSON(t, h, "GET", "/members/"+m.ID.String(), nil)
	var fetched models.Member
	decodeBody(t, rr, &fetched)
	if !fetched.TotalSavings.IsZero() {
		t.Errorf("Expected total savings 0, got %s", fetched.TotalSavings)
	}

	rr = doJSON(t, h, "GET", "/members/"+m.ID.String()+"/savings", nil)
	var txs []models.SavingsTransaction
	decodeBody(t, rr, &txs)
	if len(txs) != 2 || txs[0].Type != models.SavingsTypeWithdrawal {
		t.Errorf("Expected 2 transactions, newest first, got %+v", txs)
	}
}

func TestAPI_LoanLifecycle(t *testing.T) {
	_, h := setupTestServer(t)
	m := createMember(t, h, "Amina Yusuf")

	rr := doJSON(t, h, "POST", "/loans", map[string]any{
		"member_id":     m.ID,
		"amount":        "1000",
		"interest_rate": "10",
		"due_date":      dueDate(),
		"purpose":       "Seeds",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}
	var loan models.Loan
	decodeBody(t, rr, &loan)
	if loan.LoanCode != "LOAN0001" {
		t.Errorf("Expected loan_code LOAN0001, got %q", loan.LoanCode)
	}
	if !loan.TotalAmount.Equal(decimal.NewFromInt(1100)) {
		t.Errorf("Expected total 1100, got %s", loan.TotalAmount)
	}

	payPath := "/loans/" + loan.ID.String() + "/payments"
	rr = doJSON(t, h, "POST", payPath, map[string]any{"amount": "1100", "payment_method": "mobile"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, "GET", "/loans/"+loan.ID.String(), nil)
	decodeBody(t, rr, &loan)
	if loan.Status != models.LoanStatusPaid || !loan.RemainingAmount.IsZero() {
		t.Errorf("Expected paid loan with nothing remaining, got %s / %s", loan.Status, loan.RemainingAmount)
	}

	rr = doJSON(t, h, "POST", payPath, map[string]any{"amount": "10"})
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for payment on paid loan, got %d", rr.Code)
	}

	rr = doJSON(t, h, "GET", payPath, nil)
	var payments []models.LoanPayment
	decodeBody(t, rr, &payments)
	if len(payments) != 1 {
		t.Errorf("Expected 1 payment, got %d", len(payments))
	}

	rr = doJSON(t, h, "GET", "/members/"+m.ID.String(), nil)
	var fetched models.Member
	decodeBody(t, rr, &fetched)
	if !fetched.TotalLoans.IsZero() {
		t.Errorf("Expected member total loans 0, got %s", fetched.TotalLoans)
	}
}

func TestAPI_DeleteMember(t *testing.T) {
	_, h := setupTestServer(t)
	m := createMember(t, h, "Amina Yusuf")
	doJSON(t, h, "POST", "/savings", map[string]any{"member_id": m.ID, "amount": "20", "type": "deposit"})

	rr := doJSON(t, h, "DELETE", "/members/"+m.ID.String(), nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for member with records, got %d", rr.Code)
	}

	rr = doJSON(t, h, "POST", "/members/"+m.ID.String()+"/deactivate", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 on deactivate, got %d", rr.Code)
	}

	empty := createMember(t, h, "Joseph Okello")
	rr = doJSON(t, h, "DELETE", "/members/"+empty.ID.String(), nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", rr.Code)
	}
}

func TestAPI_ExpensesSummaryAndReconciliation(t *testing.T) {
	_, h := setupTestServer(t)
	m := createMember(t, h, "Amina Yusuf")
	doJSON(t, h, "POST", "/savings", map[string]any{"member_id": m.ID, "amount": "500", "type": "deposit"})

	rr := doJSON(t, h, "POST", "/expenses", map[string]any{"description": "Stationery", "category": "office", "amount": "50", "date": "2026-01-15"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, "GET", "/dashboard/summary", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var summary models.Summary
	decodeBody(t, rr, &summary)
	if !summary.NetBalance.Equal(decimal.NewFromInt(450)) {
		t.Errorf("Expected net balance 450, got %s", summary.NetBalance)
	}

	rr = doJSON(t, h, "GET", "/reconciliation", nil)
	var report struct {
		Violations []json.RawMessage `json:"violations"`
	}
	decodeBody(t, rr, &report)
	if len(report.Violations) != 0 {
		t.Errorf("Expected a consistent ledger, got %d violations", len(report.Violations))
	}

	rr = doJSON(t, h, "POST", "/loans/overdue", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200 from overdue sweep, got %d", rr.Code)
	}
}

type memIdempotency struct {
	mu    sync.Mutex
	saved map[string]*idempotency.Response
	locks map[string]bool
}

func (m *memIdempotency) Get(_ context.Context, key string) (*idempotency.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[key], nil
}

func (m *memIdempotency) Save(_ context.Context, key string, resp *idempotency.Response, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[key] = resp
	return nil
}

func (m *memIdempotency) Reserve(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return false, nil
	}
	m.locks[key] = true
	return true, nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

func TestAPI_IdempotentRetry(t *testing.T) {
	server, _ := setupTestServer(t)
	h := server.routes(&memIdempotency{saved: map[string]*idempotency.Response{}, locks: map[string]bool{}}, time.Hour, []string{testOrigin})
	m := createMember(t, h, "Amina Yusuf")

	deposit := map[string]any{"member_id": m.ID, "amount": "75", "type": "deposit"}
	first := doJSON(t, h, "POST", "/savings", deposit, idempotency.HeaderKey, "retry-1")
	second := doJSON(t, h, "POST", "/savings", deposit, idempotency.HeaderKey, "retry-1")

	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("Expected both responses 201, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get(idempotency.HeaderReplayed) != "true" {
		t.Errorf("Expected the retry to be replayed")
	}

	rr := doJSON(t, h, "GET", "/members/"+m.ID.String(), nil)
	var fetched models.Member
	decodeBody(t, rr, &fetched)
	if !fetched.TotalSavings.Equal(decimal.NewFromInt(75)) {
		t.Errorf("Expected one deposit of 75, got total %s", fetched.TotalSavings)
	}
}

func TestAPI_CORSOrigins(t *testing.T) {
	_, h := setupTestServer(t)

	rr := doJSON(t, h, "GET", "/health", nil, "Origin", testOrigin)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != testOrigin {
		t.Errorf("Expected allowed origin %s, got %q", testOrigin, got)
	}
	if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Errorf("Expected credentials for a listed origin")
	}

	rr = doJSON(t, h, "GET", "/health", nil, "Origin", "https://evil.example.com")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Expected no CORS header for an unlisted origin, got %q", got)
	}
}

func TestAPI_Health(t *testing.T) {
	_, h := setupTestServer(t)
	rr := doJSON(t, h, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", rr.Code)
	}
}
