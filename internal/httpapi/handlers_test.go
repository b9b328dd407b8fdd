package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/outbox"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store/memory"
	"tokoledger/backend/internal/valuation"
)

const testManagerPIN = "482913"

// newTestAPI wires the full request path over the in-memory store with
// synchronous ledger hooks, so ledger figures are final when a handler returns.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", "admin123")
	t.Setenv("SEED_STAFF_PASSWORD", "staff123")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	repo := memory.NewSeeded(logger)
	valuer := valuation.New(repo, valuation.DefaultUnitsPerPack)
	capital := ledger.New(repo, valuer, nil, ledger.Config{InitialCapital: decimal.NewFromInt(200000)}, logger)
	hooks := outbox.NewHooks(outbox.NewSyncQueue(capital, logger), logger)
	svc := service.New(repo, capital, valuer, hooks, logger)
	auth := NewAuthManager(context.Background(), AuthConfig{
		Secret:     "test-secret-key",
		TokenTTL:   time.Hour,
		ManagerPIN: testManagerPIN,
	}, repo, logger)

	return New(svc, auth, "*", logger)
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
	csrf    string
}

func newClient(t *testing.T, api *API, username, password string) *client {
	t.Helper()
	c := &client{t: t, handler: api.Handler()}
	c.token = login(t, c.handler, username, password)
	c.csrf = fetchCSRFToken(t, c.handler)
	return c
}

func (c *client) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	res := httptest.NewRecorder()
	c.handler.ServeHTTP(res, req)
	return res
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	var payload domain.LoginResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.NotEmpty(t, payload.AccessToken)
	return payload.AccessToken
}

func fetchCSRFToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&payload))
	require.NotEmpty(t, payload["csrf_token"])
	return payload["csrf_token"]
}

func decodeBody[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&out), res.Body.String())
	return out
}

func ledgerFigures(t *testing.T, c *client) domain.LedgerRecord {
	t.Helper()
	res := c.do(http.MethodGet, "/api/v1/ledger", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	return decodeBody[domain.LedgerView](t, res).Record
}

func assertAmount(t *testing.T, want int64, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, got.Equal(decimal.NewFromInt(want)), "%s: got %s want %d", field, got, want)
}

func TestHandleHealth(t *testing.T) {
	res := httptest.NewRecorder()
	newTestAPI(t).Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, res.Code)
	body := decodeBody[map[string]any](t, res)
	assert.Equal(t, true, body["ok"])
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	newTestAPI(t).Handler().ServeHTTP(res, req)
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLedgerRequiresAuth(t *testing.T) {
	res := httptest.NewRecorder()
	newTestAPI(t).Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/v1/ledger", nil))
	assert.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestLedgerSnapshotStartsAtInitialCapital(t *testing.T) {
	c := newClient(t, newTestAPI(t), "staff", "staff123")

	res := c.do(http.MethodGet, "/api/v1/ledger", nil)
	require.Equal(t, http.StatusOK, res.Code)
	view := decodeBody[domain.LedgerView](t, res)

	assertAmount(t, 200000, view.Record.CashInHand, "cash")
	assertAmount(t, 0, view.Record.TotalStockValue, "stock")
	assert.Equal(t, "IDR", view.Currency)
	assert.NotEmpty(t, view.Formatted["cash_in_hand"])
}

func TestStockAndSaleFlowMovesLedger(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")
	admin := newClient(t, api, "admin", "admin123")

	res := staff.do(http.MethodPost, "/api/v1/stock/entries", domain.StockAddRequest{
		Channel: "retail", SKU: "beras-5kg", Name: "Beras 5kg", UnitPrice: "1000", Quantity: 5,
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	added := decodeBody[domain.StockAddResponse](t, res)

	rec := ledgerFigures(t, staff)
	assertAmount(t, 195000, rec.CashInHand, "cash after stock")
	assertAmount(t, 5000, rec.TotalStockValue, "stock after stock")
	assertAmount(t, 5000, rec.TotalInvestment, "investment")

	res = staff.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{
		Channel: "retail", SKU: "beras-5kg", Quantity: 2, UnitPrice: "1500",
	})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	sale := decodeBody[map[string]domain.Sale](t, res)["sale"]
	assertAmount(t, 1000, sale.NetProfit, "sale profit")

	rec = ledgerFigures(t, staff)
	assertAmount(t, 198000, rec.CashInHand, "cash after sale")
	assertAmount(t, 3000, rec.TotalStockValue, "stock after sale")
	assertAmount(t, 1000, rec.TotalProfit, "profit after sale")

	res = staff.do(http.MethodDelete, "/api/v1/sales/"+sale.ID, nil)
	assert.Equal(t, http.StatusForbidden, res.Code, "staff cannot reverse a sale")

	res = admin.do(http.MethodDelete, "/api/v1/sales/"+sale.ID, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	rec = ledgerFigures(t, admin)
	assertAmount(t, 195000, rec.CashInHand, "cash after reversal")
	assertAmount(t, 5000, rec.TotalStockValue, "stock after reversal")
	assertAmount(t, 0, rec.TotalProfit, "profit after reversal")

	res = admin.do(http.MethodDelete, "/api/v1/stock/entries/"+added.Entry.ID, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	deleted := decodeBody[domain.StockEntryDeleteResponse](t, res)
	assert.Zero(t, deleted.RemainingCount)

	rec = ledgerFigures(t, admin)
	assertAmount(t, 200000, rec.CashInHand, "cash reset")
	assertAmount(t, 0, rec.TotalStockValue, "stock reset")
	assertAmount(t, 0, rec.TotalInvestment, "investment reset")
}

func TestSaleErrorsMapToStatus(t *testing.T) {
	c := newClient(t, newTestAPI(t), "staff", "staff123")

	res := c.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{Channel: "retail", SKU: "missing", Quantity: 1})
	assert.Equal(t, http.StatusNotFound, res.Code)

	res = c.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{Channel: "bulk", SKU: "x", Quantity: 1})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = c.do(http.MethodPost, "/api/v1/stock/entries", domain.StockAddRequest{
		Channel: "retail", SKU: "teh", Name: "Teh", UnitPrice: "500", Quantity: 1,
	})
	require.Equal(t, http.StatusCreated, res.Code)

	res = c.do(http.MethodPost, "/api/v1/sales", domain.SaleCreateRequest{Channel: "retail", SKU: "teh", Quantity: 3})
	assert.Equal(t, http.StatusConflict, res.Code)
}

func TestWithdrawalTwoPhaseFlow(t *testing.T) {
	c := newClient(t, newTestAPI(t), "admin", "admin123")

	res := c.do(http.MethodPost, "/api/v1/ledger/withdrawals", domain.WithdrawalProposeRequest{Amount: "250000"})
	assert.Equal(t, http.StatusBadRequest, res.Code, "cannot withdraw more than cash in hand")

	res = c.do(http.MethodPost, "/api/v1/ledger/withdrawals", domain.WithdrawalProposeRequest{Amount: "50000"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	proposal := decodeBody[map[string]domain.WithdrawalProposal](t, res)["proposal"]
	require.NotEmpty(t, proposal.ID)

	rec := ledgerFigures(t, c)
	assertAmount(t, 200000, rec.CashInHand, "proposal alone moves nothing")

	confirmPath := "/api/v1/ledger/withdrawals/" + proposal.ID + "/confirm"
	res = c.do(http.MethodPost, confirmPath, domain.WithdrawalConfirmRequest{ManagerPIN: "000000"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = c.do(http.MethodPost, confirmPath, domain.WithdrawalConfirmRequest{ManagerPIN: testManagerPIN})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	confirmed := decodeBody[domain.WithdrawalResponse](t, res)
	assert.Equal(t, proposal.ID, confirmed.ProposalID)
	assertAmount(t, 150000, confirmed.Ledger.CashInHand, "cash after withdrawal")

	res = c.do(http.MethodPost, confirmPath, domain.WithdrawalConfirmRequest{ManagerPIN: testManagerPIN})
	assert.Equal(t, http.StatusNotFound, res.Code, "a proposal confirms once")

	rec = ledgerFigures(t, c)
	assertAmount(t, 150000, rec.CashInHand, "cash unchanged by second confirm")
}

func TestWithdrawalCancel(t *testing.T) {
	c := newClient(t, newTestAPI(t), "admin", "admin123")

	res := c.do(http.MethodPost, "/api/v1/ledger/withdrawals", domain.WithdrawalProposeRequest{Amount: "1000"})
	require.Equal(t, http.StatusCreated, res.Code)
	proposal := decodeBody[map[string]domain.WithdrawalProposal](t, res)["proposal"]

	res = c.do(http.MethodDelete, "/api/v1/ledger/withdrawals/"+proposal.ID, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = c.do(http.MethodPost, "/api/v1/ledger/withdrawals/"+proposal.ID+"/confirm", domain.WithdrawalConfirmRequest{ManagerPIN: testManagerPIN})
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestWithdrawalRoutesAreAdminOnly(t *testing.T) {
	c := newClient(t, newTestAPI(t), "staff", "staff123")

	res := c.do(http.MethodPost, "/api/v1/ledger/withdrawals", domain.WithdrawalProposeRequest{Amount: "1000"})
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = c.do(http.MethodPost, "/api/v1/ledger/refresh", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestLedgerRefresh(t *testing.T) {
	c := newClient(t, newTestAPI(t), "admin", "admin123")

	res := c.do(http.MethodPost, "/api/v1/ledger/refresh", nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	rec := decodeBody[map[string]domain.LedgerRecord](t, res)["ledger"]
	assertAmount(t, 200000, rec.CashInHand, "cash")
}

func TestCustomerLifecycle(t *testing.T) {
	api := newTestAPI(t)
	staff := newClient(t, api, "staff", "staff123")
	admin := newClient(t, api, "admin", "admin123")

	res := staff.do(http.MethodPost, "/api/v1/customers", domain.CustomerCreateRequest{Name: "Bu Sari", Phone: "0812"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())
	customer := decodeBody[map[string]domain.Customer](t, res)["customer"]

	newName := "Ibu Sari"
	res = staff.do(http.MethodPatch, "/api/v1/customers/"+customer.ID, domain.CustomerUpdateRequest{Name: &newName})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, newName, decodeBody[map[string]domain.Customer](t, res)["customer"].Name)

	res = staff.do(http.MethodDelete, "/api/v1/customers/"+customer.ID, nil)
	assert.Equal(t, http.StatusForbidden, res.Code)

	res = admin.do(http.MethodDelete, "/api/v1/customers/"+customer.ID, nil)
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = admin.do(http.MethodGet, "/api/v1/customers/"+customer.ID, nil)
	assert.Equal(t, http.StatusNotFound, res.Code)
}

func TestStaffManagement(t *testing.T) {
	api := newTestAPI(t)
	admin := newClient(t, api, "admin", "admin123")

	res := admin.do(http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "budi", Password: "budi1234"})
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = admin.do(http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "budi", Password: "other123"})
	assert.Equal(t, http.StatusConflict, res.Code)
	res = admin.do(http.MethodPost, "/api/v1/users/staff", domain.StaffCreateRequest{Username: "bo", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, res.Code)

	res = admin.do(http.MethodGet, "/api/v1/users/staff", nil)
	require.Equal(t, http.StatusOK, res.Code)
	listed := decodeBody[map[string][]domain.StaffUser](t, res)["staff"]
	usernames := make([]string, 0, len(listed))
	for _, u := range listed {
		usernames = append(usernames, u.Username)
	}
	assert.Contains(t, usernames, "budi")

	budi := newClient(t, api, "budi", "budi1234")
	res = budi.do(http.MethodGet, "/api/v1/users/staff", nil)
	assert.Equal(t, http.StatusForbidden, res.Code)
}

func TestAuditLogsRecordLedgerActions(t *testing.T) {
	c := newClient(t, newTestAPI(t), "admin", "admin123")

	res := c.do(http.MethodPost, "/api/v1/ledger/refresh", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = c.do(http.MethodGet, "/api/v1/audit-logs", nil)
	require.Equal(t, http.StatusOK, res.Code)
	logs := decodeBody[map[string][]domain.AuditLog](t, res)["audit_logs"]
	require.NotEmpty(t, logs)
	assert.Equal(t, "ledger_refresh", logs[0].Action)
}

func TestUnknownSubroutesReturn404(t *testing.T) {
	c := newClient(t, newTestAPI(t), "admin", "admin123")

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodDelete, "/api/v1/sales/a/b", nil).Code)
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPost, "/api/v1/ledger/withdrawals/abc/approve", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, c.do(http.MethodGet, "/api/v1/ledger/withdrawals/abc/confirm", nil).Code)
}
