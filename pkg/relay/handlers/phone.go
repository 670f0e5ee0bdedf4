package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/vango-go/voice-relay/pkg/relay/store"
)

var phoneShape = regexp.MustCompile(`^\d{10}$`)

// VerifyPhoneHandler backs the demo login: it checks a 10-digit phone number
// against the customer store.
type VerifyPhoneHandler struct {
	Customers store.Store
	Logger    *slog.Logger
}

func (h VerifyPhoneHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		PhoneNumber string `json:"phone_number"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if !phoneShape.MatchString(req.PhoneNumber) {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "phone_number must be a 10-digit number")
		return
	}

	customer, err := h.Customers.LookupByKey(r.Context(), req.PhoneNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "not_found", "no customer with that phone number")
			return
		}
		if h.Logger != nil {
			h.Logger.Error("verify phone lookup failed", "error", err)
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", "lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Verified    bool   `json:"verified"`
		Name        string `json:"name"`
		PhoneNumber string `json:"phone_number"`
		CustomerID  string `json:"customer_id,omitempty"`
	}{
		Verified:    true,
		Name:        customer.Name,
		PhoneNumber: customer.PhoneNumber,
		CustomerID:  customer.CustomerID,
	})
}

// RandomPhoneHandler hands the demo client a seeded customer to log in as.
type RandomPhoneHandler struct {
	Customers store.Store
	Logger    *slog.Logger
}

func (h RandomPhoneHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	key, err := h.Customers.RandomKey(r.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("random phone failed", "error", err)
		}
		writeJSONError(w, http.StatusInternalServerError, "internal", "no customers available")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		PhoneNumber string `json:"phone_number"`
	}{PhoneNumber: key})
}
