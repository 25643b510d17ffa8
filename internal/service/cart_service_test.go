package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"qrorder-auth/internal/cart"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/models"
)

func TestCartMergesByIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	add := func(item models.CartItem) *CartView {
		t.Helper()
		v, err := env.carts.AddItem(ctx, sess.ID, item)
		if err != nil {
			t.Fatalf("AddItem: %v", err)
		}
		return v
	}

	add(models.CartItem{ProductIdentify: "burger", Quantity: 1, UnitPrice: 3000, AdditionalIDs: []string{"bacon", "cheese"}})
	v := add(models.CartItem{ProductIdentify: "burger", Quantity: 2, UnitPrice: 3000, AdditionalIDs: []string{"cheese", "bacon"}})
	if len(v.Cart.Items) != 1 || v.Cart.Items[0].Quantity != 3 {
		t.Fatalf("identical items not merged: %+v", v.Cart.Items)
	}

	v = add(models.CartItem{ProductIdentify: "burger", Quantity: 1, UnitPrice: 3000, AdditionalIDs: []string{"bacon", "cheese"}, Notes: "no onion"})
	if len(v.Cart.Items) != 2 || v.Total != 12000 {
		t.Fatalf("items with different notes merged: %+v total=%d", v.Cart.Items, v.Total)
	}

	key := cart.IdentityKey(models.CartItem{ProductIdentify: "burger", AdditionalIDs: []string{"cheese", "bacon"}})
	v, err := env.carts.RemoveItem(ctx, sess.ID, key)
	if err != nil || len(v.Cart.Items) != 1 || v.Cart.Items[0].Notes != "no onion" {
		t.Fatalf("RemoveItem = %+v, %v", v, err)
	}

	if _, err := env.carts.AddItem(ctx, sess.ID, models.CartItem{ProductIdentify: "burger"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero quantity: want ErrInvalidInput, got %v", err)
	}
}

func TestCartExpiryCappedAtSession(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t, "S1", "T1", "F1")

	v, err := env.carts.AddItem(context.Background(), sess.ID, models.CartItem{ProductIdentify: "soda", Quantity: 1, UnitPrice: 800})
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	// Cart TTL is four hours, the table session three.
	if !v.Cart.ExpiresAt.Equal(sess.ExpiresAt) {
		t.Fatalf("cart expires %v, session %v", v.Cart.ExpiresAt, sess.ExpiresAt)
	}
}

func TestExpiredCartSyncsEmpty(t *testing.T) {
	env := newTestEnv(t, func(p *config.PolicyConfig) { p.CartTTLHours = 1 })
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	if _, err := env.carts.AddItem(ctx, sess.ID, models.CartItem{ProductIdentify: "soda", Quantity: 1, UnitPrice: 800}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	env.clock.Advance(61 * time.Minute)

	v, err := env.carts.GetCart(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(v.Cart.Items) != 0 {
		t.Fatalf("expired cart kept items: %+v", v.Cart.Items)
	}
	if _, err := env.carts.CheckoutReady(ctx, sess.ID); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("want ErrCartEmpty, got %v", err)
	}
}

func TestCartFollowsContextAndGatesCheckout(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	t1 := env.createSession(t, "S1", "T1", "F1")

	if _, err := env.carts.AddItem(ctx, t1.ID, models.CartItem{ProductIdentify: "pizza", Quantity: 1, UnitPrice: 5000}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if _, err := env.carts.CheckoutReady(ctx, t1.ID); err != nil {
		t.Fatalf("CheckoutReady: %v", err)
	}

	// Same device moves to another table; items follow.
	t2 := env.createSession(t, "S1", "T2", "F1")
	v, err := env.carts.GetCart(ctx, t2.ID)
	if err != nil {
		t.Fatalf("GetCart: %v", err)
	}
	if len(v.Cart.Items) != 1 || v.Cart.TableID != "T2" {
		t.Fatalf("cart not re-keyed: %+v", v.Cart)
	}
	if _, err := env.carts.CheckoutReady(ctx, t2.ID); err != nil {
		t.Fatalf("CheckoutReady at new table: %v", err)
	}
	if _, err := env.carts.CheckoutReady(ctx, t1.ID); !errors.Is(err, ErrSessionContextMismatch) {
		t.Fatalf("old table session: want ErrSessionContextMismatch, got %v", err)
	}
}

func TestCartRequiresLiveSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	if _, err := env.carts.CheckoutReady(ctx, sess.ID); !errors.Is(err, ErrCartEmpty) {
		t.Fatalf("no cart: want ErrCartEmpty, got %v", err)
	}
	env.clock.Advance(3 * time.Hour)
	if _, err := env.carts.AddItem(ctx, sess.ID, models.CartItem{ProductIdentify: "soda", Quantity: 1}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("want ErrSessionExpired, got %v", err)
	}
	if _, err := env.carts.GetCart(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}
