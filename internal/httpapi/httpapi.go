// Package httpapi exposes the shop and capital ledger over JSON/HTTP.
package httpapi

import (
	"crypto/rand"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/domain"
	"tokoledger/backend/internal/service"
)

const maxJSONBody = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrf          csrfGuard
	log           logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, logger logrus.FieldLogger) *API {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		secret = []byte("csrf-fallback-secret-change-me!!")
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
		csrf:          csrfGuard{secret: secret},
		log:           logger.WithField("component", "httpapi"),
	}
}

var (
	anyRole   = []string{domain.RoleStaff, domain.RoleAdmin}
	adminOnly = []string{domain.RoleAdmin}
)

type route struct {
	pattern string
	handler http.HandlerFunc
	roles   []string
}

func (a *API) routes() []route {
	return []route{
		{"/healthz", a.handleHealth, nil},
		{"/api/v1/auth/login", a.handleLogin, nil},
		{"/api/v1/auth/csrf-token", a.handleCSRFToken, nil},

		{"/api/v1/customers", a.handleCustomers, anyRole},
		{"/api/v1/customers/", a.handleCustomerActions, anyRole},
		{"/api/v1/stock/items", a.handleStockItems, anyRole},
		{"/api/v1/stock/entries", a.handleStockEntries, anyRole},
		{"/api/v1/stock/entries/", a.handleStockEntryActions, adminOnly},
		{"/api/v1/sales", a.handleSales, anyRole},
		{"/api/v1/sales/", a.handleSaleActions, adminOnly},

		{"/api/v1/ledger", a.handleLedger, anyRole},
		{"/api/v1/ledger/refresh", a.handleLedgerRefresh, adminOnly},
		{"/api/v1/ledger/withdrawals", a.handleWithdrawals, adminOnly},
		{"/api/v1/ledger/withdrawals/", a.handleWithdrawalActions, adminOnly},

		{"/api/v1/users/staff", a.handleStaff, adminOnly},
		{"/api/v1/audit-logs", a.handleAuditLogs, adminOnly},
	}
}

// Handler returns the routed API wrapped in the middleware stack.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, rt := range a.routes() {
		h := rt.handler
		if rt.roles != nil {
			h = a.authorized(rt.roles, h)
		}
		mux.HandleFunc(rt.pattern, h)
	}

	var h http.Handler = mux
	h = a.requireCSRF(h)
	h = limitJSONBody(h)
	h = a.securityHeaders(h)
	h = a.logRequests(h)
	return h
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authorized parses the bearer token and rejects actors outside roles.
func (a *API) authorized(roles []string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !slices.Contains(roles, actor.Role) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}
		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.log.WithField("username", req.Username).Info("login rejected")
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"csrf_token": a.csrf.token()})
}

func (a *API) handleStaff(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"staff": a.auth.ListStaff(r.Context())})
	case http.MethodPost:
		var req domain.StaffCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateStaff(r.Context(), req)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	logs, err := a.service.ListAuditLogs(r.Context(), q.Get("date"), parsePositiveLimit(q.Get("limit"), 100, 500))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}
