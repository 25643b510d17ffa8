// Package fingerprint derives a stable device identity from client signals
// and compares identities for drift.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strconv"
	"strings"

	"qrorder-auth/internal/models"
)

var ErrMissingUserAgent = errors.New("user agent is required")

type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Result struct {
	Hash       string            `json:"hash"`
	Confidence float64           `json:"confidence"`
	DeviceInfo models.DeviceInfo `json:"device_info"`
}

type Change struct {
	HasChanged    bool      `json:"has_changed"`
	Similarity    float64   `json:"similarity"`
	RiskLevel     RiskLevel `json:"risk_level"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
}

// Confidence lost when an optional signal is missing.
var signalWeights = []struct {
	name    string
	present func(models.DeviceInfo) bool
	weight  float64
}{
	{"canvas", func(d models.DeviceInfo) bool { return d.CanvasHash != "" }, 0.2},
	{"webgl", func(d models.DeviceInfo) bool { return d.WebGLHash != "" }, 0.2},
	{"screen", func(d models.DeviceInfo) bool { return d.ScreenResolution != "" }, 0.1},
	{"timezone", func(d models.DeviceInfo) bool { return d.Timezone != "" }, 0.1},
	{"language", func(d models.DeviceInfo) bool { return d.Language != "" }, 0.05},
	{"platform", func(d models.DeviceInfo) bool { return d.Platform != "" }, 0.05},
	{"memory", func(d models.DeviceInfo) bool { return d.DeviceMemory > 0 }, 0.05},
	{"concurrency", func(d models.DeviceInfo) bool { return d.HardwareConcurrency > 0 }, 0.05},
	{"color_depth", func(d models.DeviceInfo) bool { return d.ColorDepth > 0 }, 0.05},
	{"pixel_ratio", func(d models.DeviceInfo) bool { return d.PixelRatio > 0 }, 0.05},
}

const minConfidence = 0.1

// Engine is stateless; DriftRiskFields is how many of OS family, timezone and
// screen resolution must differ for a change to be high risk.
type Engine struct {
	DriftRiskFields int
}

func NewEngine(driftRiskFields int) *Engine {
	if driftRiskFields <= 0 {
		driftRiskFields = 2
	}
	return &Engine{DriftRiskFields: driftRiskFields}
}

// Generate hashes the normalized signals. Identical signals always produce the
// same hash.
func (e *Engine) Generate(signals models.DeviceInfo) (Result, error) {
	info := Normalize(signals)
	if info.UserAgent == "" {
		return Result{}, ErrMissingUserAgent
	}

	confidence := 1.0
	for _, s := range signalWeights {
		if !s.present(info) {
			confidence -= s.weight
		}
	}
	confidence = max(confidence, minConfidence)

	sum := sha256.Sum256([]byte(canonical(info)))
	return Result{
		Hash:       hex.EncodeToString(sum[:]),
		Confidence: roundTo(confidence, 2),
		DeviceInfo: info,
	}, nil
}

// DetectChange compares two device profiles claimed by the same identity.
func (e *Engine) DetectChange(previous, current models.DeviceInfo) Change {
	a, b := Normalize(previous), Normalize(current)
	if canonical(a) == canonical(b) {
		return Change{Similarity: 1, RiskLevel: RiskNone}
	}

	fields := comparableFields(a, b)
	compared, equal := 0, 0
	var changed []string
	for _, f := range fields {
		if f.left == "" || f.right == "" {
			continue
		}
		compared++
		if f.left == f.right {
			equal++
		} else {
			changed = append(changed, f.name)
		}
	}

	similarity := 0.0
	if compared > 0 {
		similarity = roundTo(float64(equal)/float64(compared), 2)
	}

	structural := 0
	for _, name := range changed {
		if name == "os_family" || name == "timezone" || name == "screen_resolution" {
			structural++
		}
	}

	risk := RiskLow
	switch {
	case structural >= e.DriftRiskFields:
		risk = RiskHigh
	case structural > 0 || similarity < 0.7:
		risk = RiskMedium
	}

	return Change{
		HasChanged:    true,
		Similarity:    similarity,
		RiskLevel:     risk,
		ChangedFields: changed,
	}
}

// Normalize trims and lowercases free-form signals and orders screen
// dimensions so a rotated device keeps its identity.
func Normalize(d models.DeviceInfo) models.DeviceInfo {
	d.UserAgent = strings.TrimSpace(d.UserAgent)
	d.Platform = strings.ToLower(strings.TrimSpace(d.Platform))
	d.ScreenResolution = normalizeResolution(d.ScreenResolution)
	d.Timezone = strings.TrimSpace(d.Timezone)
	d.Language = strings.ToLower(strings.TrimSpace(d.Language))
	d.CanvasHash = strings.TrimSpace(d.CanvasHash)
	d.WebGLHash = strings.TrimSpace(d.WebGLHash)
	if d.DeviceMemory < 0 {
		d.DeviceMemory = 0
	}
	if d.HardwareConcurrency < 0 {
		d.HardwareConcurrency = 0
	}
	if d.ColorDepth < 0 {
		d.ColorDepth = 0
	}
	if d.PixelRatio < 0 {
		d.PixelRatio = 0
	}
	return d
}

// OSFamily classifies the platform and user agent into a coarse OS family.
func OSFamily(d models.DeviceInfo) string {
	s := strings.ToLower(d.Platform + " " + d.UserAgent)
	switch {
	case strings.Contains(s, "iphone"), strings.Contains(s, "ipad"), strings.Contains(s, "ipod"):
		return "ios"
	case strings.Contains(s, "android"):
		return "android"
	case strings.Contains(s, "windows"), strings.Contains(s, "win32"), strings.Contains(s, "win64"):
		return "windows"
	case strings.Contains(s, "cros "):
		return "chromeos"
	case strings.Contains(s, "mac"):
		return "macos"
	case strings.Contains(s, "linux"):
		return "linux"
	default:
		return ""
	}
}

type fieldPair struct {
	name        string
	left, right string
}

func comparableFields(a, b models.DeviceInfo) []fieldPair {
	return []fieldPair{
		{"os_family", OSFamily(a), OSFamily(b)},
		{"timezone", a.Timezone, b.Timezone},
		{"screen_resolution", a.ScreenResolution, b.ScreenResolution},
		{"user_agent", a.UserAgent, b.UserAgent},
		{"language", a.Language, b.Language},
		{"canvas", a.CanvasHash, b.CanvasHash},
		{"webgl", a.WebGLHash, b.WebGLHash},
		{"device_memory", formatFloat(a.DeviceMemory), formatFloat(b.DeviceMemory)},
		{"hardware_concurrency", formatInt(a.HardwareConcurrency), formatInt(b.HardwareConcurrency)},
		{"color_depth", formatInt(a.ColorDepth), formatInt(b.ColorDepth)},
		{"pixel_ratio", formatFloat(a.PixelRatio), formatFloat(b.PixelRatio)},
	}
}

func canonical(d models.DeviceInfo) string {
	parts := []string{
		"ua=" + d.UserAgent,
		"platform=" + d.Platform,
		"screen=" + d.ScreenResolution,
		"tz=" + d.Timezone,
		"lang=" + d.Language,
		"canvas=" + d.CanvasHash,
		"webgl=" + d.WebGLHash,
		"mem=" + formatFloat(d.DeviceMemory),
		"cores=" + formatInt(d.HardwareConcurrency),
		"depth=" + formatInt(d.ColorDepth),
		"ratio=" + formatFloat(d.PixelRatio),
	}
	return strings.Join(parts, "|")
}

func normalizeResolution(s string) string {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", ""))
	dims := strings.Split(s, "x")
	if len(dims) != 2 {
		return s
	}
	w, err1 := strconv.Atoi(dims[0])
	h, err2 := strconv.Atoi(dims[1])
	if err1 != nil || err2 != nil {
		return s
	}
	sides := []int{w, h}
	sort.Sort(sort.Reverse(sort.IntSlice(sides)))
	return strconv.Itoa(sides[0]) + "x" + strconv.Itoa(sides[1])
}

func formatInt(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func roundTo(v float64, places int) float64 {
	p := 1.0
	for i := 0; i < places; i++ {
		p *= 10
	}
	return float64(int64(v*p+0.5)) / p
}
