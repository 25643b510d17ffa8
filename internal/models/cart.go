package models

import "time"

type CartItem struct {
	ProductIdentify string   `json:"product_identify"`
	Name            string   `json:"name,omitempty"`
	Quantity        int      `json:"quantity"`
	UnitPrice       int64    `json:"unit_price"`
	AdditionalIDs   []string `json:"additional_ids,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

type CartSnapshot struct {
	Items        []CartItem `json:"items"`
	StoreID      string     `json:"store_id"`
	TableID      string     `json:"table_id,omitempty"`
	DeliveryMode bool       `json:"delivery_mode"`
	LastUpdated  time.Time  `json:"last_updated"`
	ExpiresAt    time.Time  `json:"expires_at"`
}
