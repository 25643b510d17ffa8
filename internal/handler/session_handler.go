package handler

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qrorder-auth/internal/fingerprint"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/service"
	"qrorder-auth/internal/util"
)

// SessionHandler handles HTTP requests for contextual sessions
type SessionHandler struct {
	sessions *service.SessionService
}

func NewSessionHandler(sessions *service.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Post("/devices", h.RegisterDevice)
	router.Post("/sessions", h.CreateSession)
	router.Get("/sessions/{sessionID}", h.ValidateSession)
	router.Delete("/sessions/{sessionID}", h.ExpireSession)
	router.Post("/sessions/{sessionID}/activity", h.UpdateActivity)
	router.Post("/sessions/{sessionID}/customer", h.AssociateCustomer)
	router.Post("/sessions/{sessionID}/orders", h.RecordOrder)
}

// CreateSession creates a session or reattaches the live one the device
// already holds for the same store and table.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req service.CreateSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()

	res, err := h.sessions.CreateSession(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	status, message := http.StatusCreated, "Session created"
	if res.Attached {
		status, message = http.StatusOK, "Session resumed"
	}
	respondWithJSON(w, status, successResponse(res, message))
	util.Debug("Session created via HTTP",
		util.String("session_id", res.Session.ID),
		util.Bool("attached", res.Attached),
		util.Duration("duration", time.Since(startTime)))
}

// ValidateSession checks the session against the store and table the
// client is ordering from. table is empty for delivery.
func (h *SessionHandler) ValidateSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sess, err := h.sessions.ValidateSession(r.Context(), chi.URLParam(r, "sessionID"), q.Get("store"), q.Get("table"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sess, "Session is valid"))
}

func (h *SessionHandler) UpdateActivity(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.UpdateActivity(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sess, "Session extended"))
}

type associateCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

func (h *SessionHandler) AssociateCustomer(w http.ResponseWriter, r *http.Request) {
	var req associateCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	sess, err := h.sessions.AssociateCustomer(r.Context(), chi.URLParam(r, "sessionID"), req.CustomerID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sess, "Customer associated"))
}

type recordOrderRequest struct {
	Amount int64 `json:"amount"`
}

func (h *SessionHandler) RecordOrder(w http.ResponseWriter, r *http.Request) {
	var req recordOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	sess, err := h.sessions.RecordOrder(r.Context(), chi.URLParam(r, "sessionID"), req.Amount)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(sess, "Order recorded"))
}

func (h *SessionHandler) ExpireSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.ExpireSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session expired"))
}

type registerDeviceRequest struct {
	DeviceInfo   models.DeviceInfo `json:"device_info"`
	PreviousHash string            `json:"previous_hash,omitempty"`
}

type registerDeviceResponse struct {
	Fingerprint string              `json:"fingerprint"`
	Confidence  float64             `json:"confidence"`
	Change      *fingerprint.Change `json:"change,omitempty"`
}

// RegisterDevice derives the fingerprint for the submitted device signals.
func (h *SessionHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	res, change, err := h.sessions.RegisterDevice(r.Context(), req.DeviceInfo, req.PreviousHash)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	out := registerDeviceResponse{Fingerprint: res.Hash, Confidence: res.Confidence, Change: change}
	respondWithJSON(w, http.StatusOK, successResponse(out, "Device registered"))
}

// clientIP strips the port RemoteAddr carries unless middleware.RealIP
// already replaced it with a bare address.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
