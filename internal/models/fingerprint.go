package models

import "time"

// DeviceInfo is the set of client signals a fingerprint is derived from.
type DeviceInfo struct {
	UserAgent           string  `json:"user_agent"`
	Platform            string  `json:"platform,omitempty"`
	ScreenResolution    string  `json:"screen_resolution,omitempty"`
	Timezone            string  `json:"timezone,omitempty"`
	Language            string  `json:"language,omitempty"`
	CanvasHash          string  `json:"canvas_hash,omitempty"`
	WebGLHash           string  `json:"webgl_hash,omitempty"`
	DeviceMemory        float64 `json:"device_memory,omitempty"`
	HardwareConcurrency int     `json:"hardware_concurrency,omitempty"`
	ColorDepth          int     `json:"color_depth,omitempty"`
	PixelRatio          float64 `json:"pixel_ratio,omitempty"`
}

type StoredFingerprint struct {
	Hash               string     `json:"hash" db:"hash"`
	DeviceInfo         DeviceInfo `json:"device_info" db:"device_info"`
	Confidence         float64    `json:"confidence" db:"confidence"`
	UsageCount         int64      `json:"usage_count" db:"usage_count"`
	SuspiciousActivity int        `json:"suspicious_activity" db:"suspicious_activity"`
	IsBlocked          bool       `json:"is_blocked" db:"is_blocked"`
	FirstSeen          time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen           time.Time  `json:"last_seen" db:"last_seen"`
}
