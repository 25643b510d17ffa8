package fingerprint

import (
	"errors"
	"testing"

	"qrorder-auth/internal/models"
)

var iphone = models.DeviceInfo{
	UserAgent:           "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15",
	Platform:            "iPhone",
	ScreenResolution:    "390x844",
	Timezone:            "America/Sao_Paulo",
	Language:            "pt-BR",
	CanvasHash:          "c4nv4s",
	WebGLHash:           "w3bgl",
	DeviceMemory:        4,
	HardwareConcurrency: 6,
	ColorDepth:          24,
	PixelRatio:          3,
}

func TestGenerateDeterministic(t *testing.T) {
	e := NewEngine(2)
	a, err := e.Generate(iphone)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	b, err := e.Generate(iphone)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if a.Hash != b.Hash || len(a.Hash) != 64 {
		t.Fatalf("hash not deterministic: %q vs %q", a.Hash, b.Hash)
	}
	if a.Confidence != 1 {
		t.Fatalf("full signal set confidence = %v", a.Confidence)
	}

	// Formatting noise does not change identity.
	noisy := iphone
	noisy.Language = " PT-br "
	noisy.ScreenResolution = "844 x 390"
	c, _ := e.Generate(noisy)
	if c.Hash != a.Hash {
		t.Fatalf("normalized signals produced a different hash")
	}
}

func TestGenerateMissingSignalsLowerConfidence(t *testing.T) {
	e := NewEngine(2)
	partial := iphone
	partial.WebGLHash = ""
	res, err := e.Generate(partial)
	if err != nil {
		t.Fatalf("missing optional signal must not fail: %v", err)
	}
	if res.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want 0.8", res.Confidence)
	}

	bare, err := e.Generate(models.DeviceInfo{UserAgent: "curl/8"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if bare.Confidence != minConfidence {
		t.Fatalf("bare confidence = %v", bare.Confidence)
	}

	if _, err := e.Generate(models.DeviceInfo{}); !errors.Is(err, ErrMissingUserAgent) {
		t.Fatalf("want ErrMissingUserAgent, got %v", err)
	}
}

func TestDetectChange(t *testing.T) {
	e := NewEngine(2)

	same := e.DetectChange(iphone, iphone)
	if same.HasChanged || same.RiskLevel != RiskNone || same.Similarity != 1 {
		t.Fatalf("identical profiles: %+v", same)
	}

	minor := iphone
	minor.Language = "en-us"
	if c := e.DetectChange(iphone, minor); !c.HasChanged || c.RiskLevel != RiskLow {
		t.Fatalf("language change: %+v", c)
	}

	oneStructural := iphone
	oneStructural.Timezone = "Europe/Lisbon"
	if c := e.DetectChange(iphone, oneStructural); c.RiskLevel != RiskMedium {
		t.Fatalf("timezone only: %+v", c)
	}

	desktop := iphone
	desktop.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64)"
	desktop.Platform = "Win32"
	desktop.ScreenResolution = "1920x1080"
	desktop.Timezone = "Europe/Berlin"
	c := e.DetectChange(iphone, desktop)
	if c.RiskLevel != RiskHigh {
		t.Fatalf("os+resolution+timezone change: %+v", c)
	}
	if c.Similarity >= 1 {
		t.Fatalf("similarity = %v", c.Similarity)
	}
}

func TestOSFamily(t *testing.T) {
	cases := map[string]models.DeviceInfo{
		"ios":     {UserAgent: "Mozilla/5.0 (iPad; CPU OS 16_0 like Mac OS X)"},
		"android": {UserAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8)"},
		"macos":   {UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4)"},
		"windows": {Platform: "Win32"},
		"linux":   {UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"},
	}
	for want, d := range cases {
		if got := OSFamily(d); got != want {
			t.Fatalf("OSFamily(%q) = %q, want %q", d.UserAgent+d.Platform, got, want)
		}
	}
}
