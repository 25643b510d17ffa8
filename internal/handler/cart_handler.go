package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"qrorder-auth/internal/cart"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/service"
)

// CartHandler serves the cart of the device behind a session
type CartHandler struct {
	carts *service.CartService
}

func NewCartHandler(carts *service.CartService) *CartHandler {
	return &CartHandler{carts: carts}
}

func (h *CartHandler) RegisterRoutes(router chi.Router) {
	router.Get("/sessions/{sessionID}/cart", h.GetCart)
	router.Delete("/sessions/{sessionID}/cart", h.ClearCart)
	router.Post("/sessions/{sessionID}/cart/items", h.AddItem)
	router.Delete("/sessions/{sessionID}/cart/items", h.RemoveItem)
	router.Get("/sessions/{sessionID}/cart/checkout", h.CheckoutReady)
}

// cartLine is a cart item plus the key that removes it.
type cartLine struct {
	Key string `json:"key"`
	models.CartItem
}

type cartResponse struct {
	Items        []cartLine `json:"items"`
	StoreID      string     `json:"store_id"`
	TableID      string     `json:"table_id,omitempty"`
	DeliveryMode bool       `json:"delivery_mode"`
	LastUpdated  time.Time  `json:"last_updated"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Total        int64      `json:"total"`
}

func toCartResponse(v *service.CartView) cartResponse {
	return cartResponse{
		Items: lo.Map(v.Cart.Items, func(item models.CartItem, _ int) cartLine {
			return cartLine{Key: cart.IdentityKey(item), CartItem: item}
		}),
		StoreID:      v.Cart.StoreID,
		TableID:      v.Cart.TableID,
		DeliveryMode: v.Cart.DeliveryMode,
		LastUpdated:  v.Cart.LastUpdated,
		ExpiresAt:    v.Cart.ExpiresAt,
		Total:        v.Total,
	}
}

func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	v, err := h.carts.GetCart(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(toCartResponse(v), ""))
}

func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var item models.CartItem
	if err := decodeJSON(w, r, &item); err != nil {
		respondWithError(w, r, err)
		return
	}

	v, err := h.carts.AddItem(r.Context(), chi.URLParam(r, "sessionID"), item)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(toCartResponse(v), "Item added"))
}

// RemoveItem drops the line named by the key query parameter.
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		respondWithError(w, r, service.ErrInvalidInput)
		return
	}

	v, err := h.carts.RemoveItem(r.Context(), chi.URLParam(r, "sessionID"), key)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(toCartResponse(v), "Item removed"))
}

func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if err := h.carts.ClearCart(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Cart cleared"))
}

// CheckoutReady reports whether the cart can be handed to checkout under
// this session.
func (h *CartHandler) CheckoutReady(w http.ResponseWriter, r *http.Request) {
	v, err := h.carts.CheckoutReady(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(toCartResponse(v), "Cart ready for checkout"))
}
