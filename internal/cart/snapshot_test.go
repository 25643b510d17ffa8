package cart

import (
	"errors"
	"testing"
	"time"

	"qrorder-auth/internal/models"
)

var t0 = time.Date(2026, 4, 2, 19, 0, 0, 0, time.UTC)

func TestAddItemMergesSameIdentity(t *testing.T) {
	s := New("S1", "T1")
	burger := models.CartItem{ProductIdentify: "burger", Quantity: 1, UnitPrice: 3000, AdditionalIDs: []string{"bacon", "cheese"}, Notes: "no onion"}
	same := models.CartItem{ProductIdentify: "burger", Quantity: 2, UnitPrice: 3000, AdditionalIDs: []string{"cheese", " bacon"}, Notes: "no onion "}

	if err := s.AddItem(burger, t0); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := s.AddItem(same, t0); err != nil {
		t.Fatalf("AddItem: %v", err)
	}

	items := s.Items()
	if len(items) != 1 || items[0].Quantity != 3 {
		t.Fatalf("items = %+v", items)
	}
	if s.Total() != 9000 {
		t.Fatalf("total = %d", s.Total())
	}
}

func TestAddItemKeepsDistinctIdentities(t *testing.T) {
	base := models.CartItem{ProductIdentify: "burger", Quantity: 1, AdditionalIDs: []string{"cheese"}, Notes: ""}
	variants := []models.CartItem{
		{ProductIdentify: "pizza", Quantity: 1, AdditionalIDs: []string{"cheese"}},
		{ProductIdentify: "burger", Quantity: 1, AdditionalIDs: []string{"cheese", "bacon"}},
		{ProductIdentify: "burger", Quantity: 1, AdditionalIDs: []string{"cheese"}, Notes: "well done"},
	}
	for _, v := range variants {
		s := New("S1", "T1")
		_ = s.AddItem(base, t0)
		_ = s.AddItem(v, t0)
		if n := len(s.Items()); n != 2 {
			t.Fatalf("%+v merged with base: %d lines", v, n)
		}
	}
}

func TestSeparatorsInFieldsDoNotMerge(t *testing.T) {
	pairs := [][2]models.CartItem{
		{
			{ProductIdentify: "P", Quantity: 1, AdditionalIDs: []string{"a,b"}},
			{ProductIdentify: "P", Quantity: 1, AdditionalIDs: []string{"a", "b"}},
		},
		{
			{ProductIdentify: "P|x", Quantity: 1, Notes: "y"},
			{ProductIdentify: "P", Quantity: 1, AdditionalIDs: []string{"x"}, Notes: "y"},
		},
		{
			{ProductIdentify: "P", Quantity: 1, AdditionalIDs: []string{"a"}, Notes: "|b"},
			{ProductIdentify: "P", Quantity: 1, AdditionalIDs: []string{"a|"}, Notes: "b"},
		},
	}
	for _, pair := range pairs {
		s := New("S1", "T1")
		_ = s.AddItem(pair[0], t0)
		_ = s.AddItem(pair[1], t0)
		if n := len(s.Items()); n != 2 {
			t.Fatalf("%+v and %+v merged into %d line(s)", pair[0], pair[1], n)
		}

		if !s.RemoveItem(IdentityKey(pair[1]), t0) {
			t.Fatalf("RemoveItem missed %+v", pair[1])
		}
		left := s.Items()
		if len(left) != 1 || IdentityKey(left[0]) != IdentityKey(pair[0]) {
			t.Fatalf("RemoveItem(%+v) left %+v", pair[1], left)
		}
	}
}

func TestAddItemRejectsInvalid(t *testing.T) {
	s := New("S1", "")
	for _, it := range []models.CartItem{
		{ProductIdentify: "", Quantity: 1},
		{ProductIdentify: "x", Quantity: 0},
		{ProductIdentify: "x", Quantity: 1, UnitPrice: -1},
	} {
		if err := s.AddItem(it, t0); !errors.Is(err, ErrInvalidItem) {
			t.Fatalf("AddItem(%+v) = %v", it, err)
		}
	}
}

func TestRemoveItem(t *testing.T) {
	s := New("S1", "T1")
	item := models.CartItem{ProductIdentify: "soda", Quantity: 2, AdditionalIDs: []string{"ice", "lemon"}}
	_ = s.AddItem(item, t0)

	if s.RemoveItem("soda||", t0) {
		t.Fatalf("removed a line with a different identity")
	}
	if !s.RemoveItem(IdentityKey(models.CartItem{ProductIdentify: "soda", AdditionalIDs: []string{"lemon", "ice"}}), t0) {
		t.Fatalf("RemoveItem missed the line")
	}
	if len(s.Items()) != 0 {
		t.Fatalf("items = %+v", s.Items())
	}
}

func TestSetContextKeepsItems(t *testing.T) {
	s := New("S1", "T1")
	_ = s.AddItem(models.CartItem{ProductIdentify: "fries", Quantity: 1}, t0)
	s.SetContext("S1", "", t0)

	m := s.Model()
	if !m.DeliveryMode || m.TableID != "" || len(m.Items) != 1 {
		t.Fatalf("after context switch: %+v", m)
	}
}

func TestExtendCappedAndSyncClearsExpired(t *testing.T) {
	s := New("S1", "T1")
	_ = s.AddItem(models.CartItem{ProductIdentify: "fries", Quantity: 1}, t0)

	ceiling := t0.Add(time.Hour)
	s.Extend(t0, 4*time.Hour, ceiling)
	if !s.ExpiresAt().Equal(ceiling) {
		t.Fatalf("expiry %v not capped at %v", s.ExpiresAt(), ceiling)
	}

	if s.Sync(t0.Add(30 * time.Minute)) {
		t.Fatalf("live cart cleared")
	}
	if !s.Sync(t0.Add(2 * time.Hour)) {
		t.Fatalf("expired cart not cleared")
	}
	if len(s.Items()) != 0 || len(s.Model().Items) != 0 {
		t.Fatalf("items survived sync: %+v", s.Items())
	}
}

func TestFromModelCopies(t *testing.T) {
	m := &models.CartSnapshot{StoreID: "S1", Items: []models.CartItem{{ProductIdentify: "a", Quantity: 1}}}
	s := FromModel(m)
	_ = s.AddItem(models.CartItem{ProductIdentify: "a", Quantity: 1}, t0)
	if m.Items[0].Quantity != 1 {
		t.Fatalf("FromModel aliases the source items")
	}
}
