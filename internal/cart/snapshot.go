// Package cart implements the cart snapshot rules: item identity and merging,
// context switching and TTL.
package cart

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"qrorder-auth/internal/models"

	"github.com/samber/lo"
)

var ErrInvalidItem = errors.New("invalid cart item")

// Snapshot wraps a stored cart. It is not safe for concurrent use.
type Snapshot struct {
	data models.CartSnapshot
}

func New(storeID, tableID string) *Snapshot {
	return &Snapshot{data: models.CartSnapshot{
		StoreID:      storeID,
		TableID:      tableID,
		DeliveryMode: tableID == "",
	}}
}

func FromModel(m *models.CartSnapshot) *Snapshot {
	if m == nil {
		return &Snapshot{}
	}
	s := &Snapshot{data: *m}
	s.data.Items = slices.Clone(m.Items)
	return s
}

func (s *Snapshot) Model() *models.CartSnapshot {
	out := s.data
	out.Items = slices.Clone(s.data.Items)
	if out.Items == nil {
		out.Items = []models.CartItem{}
	}
	return &out
}

// IdentityKey encodes product id, sorted additional ids and notes as a
// URL-safe opaque string. Items with equal keys are the same line, and any
// difference in the three parts gives a different key.
func IdentityKey(item models.CartItem) string {
	raw, _ := json.Marshal([]any{
		strings.TrimSpace(item.ProductIdentify),
		normalizeAdditionalIDs(item.AdditionalIDs),
		strings.TrimSpace(item.Notes),
	})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func normalizeAdditionalIDs(ids []string) []string {
	out := lo.Compact(lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) }))
	slices.Sort(out)
	return out
}

// AddItem sums quantity into an existing line with the same identity, or
// appends a new line.
func (s *Snapshot) AddItem(item models.CartItem, now time.Time) error {
	item.ProductIdentify = strings.TrimSpace(item.ProductIdentify)
	item.Notes = strings.TrimSpace(item.Notes)
	item.AdditionalIDs = normalizeAdditionalIDs(item.AdditionalIDs)
	if item.ProductIdentify == "" || item.Quantity <= 0 || item.UnitPrice < 0 {
		return ErrInvalidItem
	}

	key := IdentityKey(item)
	for i := range s.data.Items {
		if IdentityKey(s.data.Items[i]) == key {
			s.data.Items[i].Quantity += item.Quantity
			s.data.LastUpdated = now
			return nil
		}
	}
	s.data.Items = append(s.data.Items, item)
	s.data.LastUpdated = now
	return nil
}

// RemoveItem drops the line with key. It reports whether a line was removed.
func (s *Snapshot) RemoveItem(key string, now time.Time) bool {
	idx := slices.IndexFunc(s.data.Items, func(it models.CartItem) bool { return IdentityKey(it) == key })
	if idx < 0 {
		return false
	}
	s.data.Items = slices.Delete(s.data.Items, idx, idx+1)
	s.data.LastUpdated = now
	return true
}

// SetContext re-keys the cart to a store and table. Items are kept.
func (s *Snapshot) SetContext(storeID, tableID string, now time.Time) {
	if s.data.StoreID == storeID && s.data.TableID == tableID {
		return
	}
	s.data.StoreID = storeID
	s.data.TableID = tableID
	s.data.DeliveryMode = tableID == ""
	s.data.LastUpdated = now
}

// Extend sets the expiry to now+ttl, never past ceiling.
func (s *Snapshot) Extend(now time.Time, ttl time.Duration, ceiling time.Time) {
	exp := now.Add(ttl)
	if !ceiling.IsZero() && ceiling.Before(exp) {
		exp = ceiling
	}
	s.data.ExpiresAt = exp
}

// Cap pulls the expiry in to ceiling and reports whether it moved.
func (s *Snapshot) Cap(ceiling time.Time) bool {
	if ceiling.IsZero() || !ceiling.Before(s.data.ExpiresAt) {
		return false
	}
	s.data.ExpiresAt = ceiling
	return true
}

func (s *Snapshot) IsExpired(now time.Time) bool {
	return !now.Before(s.data.ExpiresAt)
}

// Sync clears the items of an expired cart and reports whether it did.
func (s *Snapshot) Sync(now time.Time) bool {
	if !s.IsExpired(now) || len(s.data.Items) == 0 {
		return false
	}
	s.data.Items = nil
	s.data.LastUpdated = now
	return true
}

func (s *Snapshot) Items() []models.CartItem {
	return slices.Clone(s.data.Items)
}

func (s *Snapshot) ExpiresAt() time.Time { return s.data.ExpiresAt }

func (s *Snapshot) StoreID() string { return s.data.StoreID }

func (s *Snapshot) TableID() string { return s.data.TableID }

func (s *Snapshot) Total() int64 {
	return lo.SumBy(s.data.Items, func(it models.CartItem) int64 { return it.UnitPrice * int64(it.Quantity) })
}
