package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"tokoledger/backend/internal/ledger"
	"tokoledger/backend/internal/service"
	"tokoledger/backend/internal/store"
)

// statusFor maps service, ledger and auth errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrProposalNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrProposalExpired):
		return http.StatusGone
	case errors.Is(err, store.ErrInvalidTransaction),
		errors.Is(err, ledger.ErrInvalidWithdrawal),
		errors.Is(err, ErrInvalidStaff):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrConflict),
		errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail logs 5xx causes and replies without them.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status < http.StatusInternalServerError {
		writeError(w, status, err)
		return
	}
	a.log.WithError(err).WithFields(logrus.Fields{
		"path":   r.URL.Path,
		"status": status,
	}).Error("request failed")
	msg := "internal server error"
	if status == http.StatusServiceUnavailable {
		msg = "ledger temporarily unavailable"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dest any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// parsePositiveLimit falls back on missing or non-positive input and clamps to
// ceiling.
func parsePositiveLimit(raw string, fallback, ceiling int) int {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || limit <= 0 {
		limit = fallback
	}
	if ceiling > 0 {
		limit = min(limit, ceiling)
	}
	return limit
}

// pathID returns the first segment after prefix and whatever follows it.
func pathID(path, prefix string) (string, string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	id, tail, _ := strings.Cut(rest, "/")
	return id, tail
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
