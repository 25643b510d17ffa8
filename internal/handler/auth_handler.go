package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"qrorder-auth/internal/service"
	"qrorder-auth/internal/util"
)

// AuthHandler handles the WhatsApp magic link and code flows
type AuthHandler struct {
	auth *service.AuthService
}

func NewAuthHandler(auth *service.AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth/whatsapp", func(r chi.Router) {
		r.Post("/link", h.RequestMagicLink)
		r.Get("/verify", h.VerifyMagicLink)
		r.Post("/code", h.RequestCode)
		r.Post("/code/verify", h.VerifyCode)
	})
}

func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req service.AuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	req.IPAddress = clientIP(r)

	challenge, err := h.auth.RequestMagicLink(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, successResponse(challenge, "Magic link sent"))
}

// VerifyMagicLink consumes the token from the link. session is optional and
// defaults to the session the link was requested from.
func (h *AuthHandler) VerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	q := r.URL.Query()

	res, err := h.auth.VerifyToken(r.Context(), q.Get("token"), q.Get("session"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(res, "Authenticated"))
	util.Debug("Magic link verified via HTTP",
		util.String("session_id", res.Session.ID),
		util.Duration("duration", time.Since(startTime)))
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req service.AuthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	req.IPAddress = clientIP(r)

	challenge, err := h.auth.RequestCode(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, successResponse(challenge, "Code sent"))
}

type verifyCodeRequest struct {
	Phone     string `json:"phone"`
	Code      string `json:"code"`
	StoreID   string `json:"store_id"`
	SessionID string `json:"session_id"`
}

func (h *AuthHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req verifyCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	res, err := h.auth.VerifyCode(r.Context(), req.Phone, req.Code, req.StoreID, req.SessionID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(res, "Authenticated"))
	util.Debug("Code verified via HTTP",
		util.String("session_id", res.Session.ID),
		util.Duration("duration", time.Since(startTime)))
}
