package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"kinboardBack/internal/models"
	"kinboardBack/internal/premium"
	"kinboardBack/internal/premium/trial"
)

// PremiumHandler exposes the reconciliation engine over HTTP. All routes
// except the websocket upgrade sit behind the JWT middleware, which puts
// user_id into the request context.
type PremiumHandler struct {
	Module *premium.Module
}

func NewPremiumHandler(module *premium.Module) *PremiumHandler {
	return &PremiumHandler{Module: module}
}

func userIDFromRequest(r *http.Request) (int, bool) {
	userID, ok := r.Context().Value("user_id").(int)
	return userID, ok
}

func (h *PremiumHandler) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// premiumError maps the engine's error taxonomy onto HTTP statuses.
func (h *PremiumHandler) premiumError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrPlanUnavailable):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrOperationInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrEngineNotReady), errors.Is(err, models.ErrStoreUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, trial.ErrTrialAlreadyUsed):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetStatus returns the engine snapshot. Initialization failures still
// produce a snapshot: the device shows the conservative not-entitled default
// and retries later.
func (h *PremiumHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if eng == nil {
		h.premiumError(w, err)
		return
	}

	status := eng.Status()
	resp := map[string]interface{}{"status": status}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetPlans lists the purchasable catalog.
func (h *PremiumHandler) GetPlans(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if eng == nil {
		h.premiumError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"plans": eng.Status().Plans})
}

type startSubscriptionRequest struct {
	PlanID string `json:"plan_id"`
}

// StartSubscription launches the native purchase flow for a plan. 202: the
// result arrives later through the event relay, never in this response.
func (h *PremiumHandler) StartSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req startSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if err != nil {
		h.premiumError(w, err)
		return
	}
	if err := eng.StartSubscription(r.Context(), req.PlanID); err != nil {
		h.premiumError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"result": "purchase_started"})
}

// Restore re-reconciles everything the store still attributes to the user.
func (h *PremiumHandler) Restore(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if err != nil {
		h.premiumError(w, err)
		return
	}
	restored, err := eng.Restore(r.Context())
	if err != nil {
		h.premiumError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"restored": restored,
		"status":   eng.Status(),
	})
}

// StartTrial opens the one-per-lifetime trial window.
func (h *PremiumHandler) StartTrial(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if err != nil {
		h.premiumError(w, err)
		return
	}
	win, err := eng.StartTrial(r.Context())
	if err != nil {
		h.premiumError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"trial":  win,
		"status": eng.Status(),
	})
}

// CancelGuidance tells the client where cancellation actually happens.
func (h *PremiumHandler) CancelGuidance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	eng, err := h.Module.EngineFor(r.Context(), userID)
	if eng == nil {
		h.premiumError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"guidance": eng.CancelGuidance()})
}

type purchaseEventRequest struct {
	EventType string `json:"event_type"`
	Record    *struct {
		ProductID             string `json:"product_id"`
		TransactionID         string `json:"transaction_id"`
		OriginalTransactionID string `json:"original_transaction_id"`
		TransactionTimeMillis int64  `json:"transaction_time_millis"`
		ReceiptPayload        string `json:"receipt_payload"`
	} `json:"record,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IngestEvents is the device relay: native billing callbacks land here and
// feed the gateway's event stream. The user id always comes from the token,
// never from the payload, so a device cannot push records into another
// account.
func (h *PremiumHandler) IngestEvents(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req purchaseEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}

	switch req.EventType {
	case "purchase":
		if req.Record == nil {
			http.Error(w, "record is required for purchase events", http.StatusBadRequest)
			return
		}
		record := models.PurchaseRecord{
			UserID:                userID,
			ProductID:             req.Record.ProductID,
			TransactionID:         req.Record.TransactionID,
			OriginalTransactionID: req.Record.OriginalTransactionID,
			ReceiptPayload:        req.Record.ReceiptPayload,
		}
		if req.Record.TransactionTimeMillis > 0 {
			record.TransactionTime = time.UnixMilli(req.Record.TransactionTimeMillis).UTC()
		}
		if err := h.Module.Store().Ingest(r.Context(), record); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	case "failure":
		h.Module.Store().ReportFailure(userID, models.ParseGatewayErrorCode(req.Code), req.Message)
	default:
		http.Error(w, "unsupported event_type", http.StatusBadRequest)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"result": "accepted"})
}

// WSTicket issues a short-lived ticket for the entitlement websocket.
func (h *PremiumHandler) WSTicket(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ticket, err := h.Module.Tickets().NewTicket(userID)
	if err != nil {
		http.Error(w, "Failed to issue ticket", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"ticket": ticket})
}

// ServeWS upgrades to the entitlement push socket. Authenticated by ticket,
// not by the JWT middleware.
func (h *PremiumHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.Module.Hub().ServeWS(w, r)
}

type deviceTokenRequest struct {
	Token string `json:"token"`
}

// RegisterDeviceToken stores an FCM token for cross-device entitlement
// pushes.
func (h *PremiumHandler) RegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := h.Module.Tokens().InsertToken(r.Context(), userID, req.Token); err != nil {
		http.Error(w, "Failed to insert token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *PremiumHandler) DeleteDeviceToken(w http.ResponseWriter, r *http.Request) {
	if _, ok := userIDFromRequest(r); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	token := r.URL.Query().Get(":token")
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if err := h.Module.Tokens().DeleteToken(r.Context(), token); err != nil {
		http.Error(w, "Failed to delete token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
