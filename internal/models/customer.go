package models

import "time"

type Customer struct {
	CustomerBucket int       `json:"-" db:"customer_bucket"`
	CustomerID     string    `json:"customer_id" db:"customer_id"`
	StoreID        string    `json:"store_id" db:"store_id"`
	Phone          string    `json:"phone,omitempty" db:"-"`
	PhoneHash      string    `json:"-" db:"phone_hash"`
	PhoneEncrypted string    `json:"-" db:"phone_encrypted"`
	PhoneDEK       string    `json:"-" db:"phone_dek"`
	PhoneKeyID     string    `json:"-" db:"phone_key_id"`
	Name           string    `json:"name,omitempty" db:"name"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
