// Package api exposes the lending engine over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/lending-engine/internal/events"
	"github.com/atmx/lending-engine/internal/gateway"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

const maxBodyBytes = 1 << 20

// Handler serves the lending API.
type Handler struct {
	engine *lending.Engine
	auth   *Authenticator
}

func NewHandler(engine *lending.Engine, auth *Authenticator) *Handler {
	return &Handler{engine: engine, auth: auth}
}

// Routes registers the authenticated API on r, normally mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth.Middleware)

		r.Post("/collateral/deposit", h.Deposit)
		r.Post("/borrow", h.Borrow)
		r.Post("/repay", h.Repay)
		r.Post("/repay-all", h.RepayAll)
		r.Post("/liquidate/{userID}", h.Liquidate)

		r.Get("/price", h.GetPrice)
		r.Put("/price", h.SetPrice)
		r.Post("/price/refresh", h.RefreshPrice)

		r.Get("/positions", h.Positions)
		r.Get("/positions/me", h.MyPosition)

		r.Post("/withdraw", h.Withdraw)
		r.Get("/withdrawals/pending", h.PendingWithdrawals)
		r.Post("/withdrawals/{intentID}/resolve", h.ResolveWithdrawal)

		r.Get("/external-balance/{account}", h.ExternalBalance)
	})
}

// EventRoutes registers the authenticated event stream on r. It must sit
// outside any request timeout.
func (h *Handler) EventRoutes(r chi.Router, hub *events.Hub) {
	r.With(h.auth.Middleware).Get("/ws", hub.Handler(h.subscriber))
}

// subscriber scopes a stream to the caller's own events; admins see all.
func (h *Handler) subscriber(r *http.Request) events.Subscriber {
	caller, _ := Caller(r)
	return events.Subscriber{UserID: caller.String(), All: h.engine.IsAdmin(caller)}
}

// --- Request/Response types ---

// AmountRequest is the body of deposit, borrow and repay.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// PriceRequest is the body of PUT /price. Price is scaled by 100.
type PriceRequest struct {
	Price uint64 `json:"price"`
}

// WithdrawRequest is the body of POST /withdraw.
type WithdrawRequest struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
}

// ResolveRequest is the body of POST /withdrawals/{intentID}/resolve.
type ResolveRequest struct {
	Outcome   model.IntentState `json:"outcome"` // "confirmed" or "failed"
	ReceiptID string            `json:"receipt_id,omitempty"`
}

// PriceResponse reports the current quote.
type PriceResponse struct {
	Price      uint64    `json:"price"`
	USD        string    `json:"usd"`
	ObservedAt time.Time `json:"observed_at"`
}

// LiquidateResponse reports whether the target was seized.
type LiquidateResponse struct {
	UserID model.UserID `json:"user_id"`
	Seized bool         `json:"seized"`
}

// BalanceResponse is the external ledger balance of an account.
type BalanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

// --- HTTP Handlers ---

// Deposit handles POST /api/v1/collateral/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	user, req, ok := h.amountRequest(w, r)
	if !ok {
		return
	}
	pos, err := h.engine.Deposit(r.Context(), user, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Borrow handles POST /api/v1/borrow
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	user, req, ok := h.amountRequest(w, r)
	if !ok {
		return
	}
	pos, err := h.engine.Borrow(r.Context(), user, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Repay handles POST /api/v1/repay
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	user, req, ok := h.amountRequest(w, r)
	if !ok {
		return
	}
	pos, err := h.engine.Repay(r.Context(), user, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// RepayAll handles POST /api/v1/repay-all
func (h *Handler) RepayAll(w http.ResponseWriter, r *http.Request) {
	user, _ := Caller(r)
	pos, err := h.engine.RepayAll(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// Liquidate handles POST /api/v1/liquidate/{userID}
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	target, err := model.ParseUserID(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	seized, err := h.engine.Liquidate(r.Context(), caller, target)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LiquidateResponse{UserID: target, Seized: seized})
}

// GetPrice handles GET /api/v1/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, priceResponse(h.engine.Price()))
}

// SetPrice handles PUT /api/v1/price
func (h *Handler) SetPrice(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.engine.SetPrice(r.Context(), caller, req.Price); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse(h.engine.Price()))
}

// RefreshPrice handles POST /api/v1/price/refresh
func (h *Handler) RefreshPrice(w http.ResponseWriter, r *http.Request) {
	q, err := h.engine.RefreshPrice(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, priceResponse(q))
}

// Positions handles GET /api/v1/positions
func (h *Handler) Positions(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.Positions(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []model.UserPosition{}
	}
	writeJSON(w, http.StatusOK, list)
}

// MyPosition handles GET /api/v1/positions/me
func (h *Handler) MyPosition(w http.ResponseWriter, r *http.Request) {
	user, _ := Caller(r)
	health, err := h.engine.Health(r.Context(), user)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// Withdraw handles POST /api/v1/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	user, _ := Caller(r)
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	out, err := h.engine.Withdraw(r.Context(), user, req.Destination, req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PendingWithdrawals handles GET /api/v1/withdrawals/pending
func (h *Handler) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	list, err := h.engine.PendingWithdrawals(r.Context(), caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if list == nil {
		list = []model.TransferIntent{}
	}
	writeJSON(w, http.StatusOK, list)
}

// ResolveWithdrawal handles POST /api/v1/withdrawals/{intentID}/resolve
func (h *Handler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, _ := Caller(r)
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	intent, err := h.engine.ResolveWithdrawal(r.Context(), caller, chi.URLParam(r, "intentID"), req.Outcome, req.ReceiptID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ExternalBalance handles GET /api/v1/external-balance/{account}
func (h *Handler) ExternalBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	bal, err := h.engine.ExternalBalance(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{Account: account, Balance: bal})
}

// --- Helpers ---

func (h *Handler) amountRequest(w http.ResponseWriter, r *http.Request) (model.UserID, AmountRequest, bool) {
	user, _ := Caller(r)
	var req AmountRequest
	if !decode(w, r, &req) {
		return "", req, false
	}
	return user, req, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func priceResponse(q model.PriceQuote) PriceResponse {
	return PriceResponse{Price: q.Price, USD: oracle.FormatPrice(q.Price), ObservedAt: q.ObservedAt}
}

// statusFor maps engine errors to HTTP statuses. Ambiguous outcomes win over
// whatever cause they wrap.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrAmbiguous):
		return http.StatusGatewayTimeout
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidUser),
		errors.Is(err, lending.ErrInvalidAccount),
		errors.Is(err, lending.ErrInvalidOutcome),
		errors.Is(err, lending.ErrOverflow),
		errors.Is(err, oracle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrIntentNotFound):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrBusy), errors.Is(err, lending.ErrIntentSettled):
		return http.StatusConflict
	case errors.Is(err, lending.ErrLimitExceeded),
		errors.Is(err, lending.ErrNoDebt),
		errors.Is(err, lending.ErrInsufficientCollateral),
		errors.Is(err, lending.ErrAmountBelowFee):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lending.ErrRejected),
		errors.Is(err, gateway.ErrRejected),
		errors.Is(err, gateway.ErrMalformed),
		errors.Is(err, oracle.ErrFeedMalformed):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrUnavailable),
		errors.Is(err, oracle.ErrFeedUnavailable),
		errors.Is(err, oracle.ErrNoFeed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusGatewayTimeout {
		slog.Error("request failed", "status", status, "err", err)
	}

	var amb *lending.AmbiguousError
	if errors.As(err, &amb) {
		writeJSON(w, status, map[string]string{
			"error":     err.Error(),
			"intent_id": amb.IntentID,
			"state":     string(model.IntentPending),
		})
		return
	}
	if status == http.StatusInternalServerError {
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
