package models

import "time"

// RateLimitRule is one sliding-window quota on a composite key such as
// "whatsapp:phone:hour:+5511999999999".
type RateLimitRule struct {
	Key    string        `json:"key"`
	Limit  int           `json:"limit"`
	Window time.Duration `json:"window"`
}

type RateLimitResult struct {
	Key         string    `json:"key"`
	Allowed     bool      `json:"allowed"`
	Count       int       `json:"count"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}
