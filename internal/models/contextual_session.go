package models

import "time"

type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionBlocked SessionState = "blocked"
)

// ContextualSession is one diner's ordering context at a store, and at a
// table unless TableID is empty (delivery).
type ContextualSession struct {
	ID              string       `json:"id" db:"session_id"`
	StoreID         string       `json:"store_id" db:"store_id"`
	TableID         string       `json:"table_id,omitempty" db:"table_id"`
	IsDelivery      bool         `json:"is_delivery" db:"is_delivery"`
	Fingerprint     string       `json:"fingerprint" db:"fingerprint"`
	IPAddress       string       `json:"ip_address" db:"ip_address"`
	UserAgent       string       `json:"user_agent" db:"user_agent"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	LastActivity    time.Time    `json:"last_activity" db:"last_activity"`
	ExpiresAt       time.Time    `json:"expires_at" db:"expires_at"`
	IsAuthenticated bool         `json:"is_authenticated" db:"is_authenticated"`
	CustomerID      string       `json:"customer_id,omitempty" db:"customer_id"`
	OrderCount      int          `json:"order_count" db:"order_count"`
	TotalSpent      int64        `json:"total_spent" db:"total_spent"` // minor currency units
	State           SessionState `json:"state" db:"state"`
	Version         int64        `json:"version" db:"version"`
}

// IsExpired reports whether the session is past its expiry at now.
func (s *ContextualSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MatchesContext reports whether the session belongs to storeID/tableID.
func (s *ContextualSession) MatchesContext(storeID, tableID string) bool {
	return s.StoreID == storeID && s.TableID == tableID
}

// TupleKey identifies the (fingerprint, store, table) slot a session occupies.
func (s *ContextualSession) TupleKey() string {
	return SessionTupleKey(s.Fingerprint, s.StoreID, s.TableID)
}

// TableKey identifies the store/table pair for per-table limits.
func (s *ContextualSession) TableKey() string {
	return s.StoreID + "|" + s.TableID
}

func SessionTupleKey(fingerprint, storeID, tableID string) string {
	return fingerprint + "|" + storeID + "|" + tableID
}
