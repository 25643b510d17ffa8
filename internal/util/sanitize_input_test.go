package util

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "+5511999999999", want: "+5511999999999"},
		{in: "+55 (11) 99999-9999", want: "+5511999999999"},
		{in: "5511999999999", want: "+5511999999999"},
		{in: " +1 415.555.0100 ", want: "+14155550100"},
		{in: "", wantErr: true},
		{in: "12345", wantErr: true},
		{in: "+55119999999999999", wantErr: true},
		{in: "+55abc9999999", wantErr: true},
		{in: "55+11999999999", wantErr: true},
		{in: "0011999999999", wantErr: true},
	}

	for _, tc := range cases {
		got, err := NormalizePhone(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidPhone) {
				t.Fatalf("NormalizePhone(%q): want ErrInvalidPhone, got %q, %v", tc.in, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("NormalizePhone(%q): unexpected error %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizePhone(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+5511999991234"); got != "**********1234" {
		t.Fatalf("MaskPhone = %q", got)
	}
	if got := MaskPhone("123"); got != "***" {
		t.Fatalf("MaskPhone short = %q", got)
	}
}

func TestContainsSuspicious(t *testing.T) {
	if !ContainsSuspicious("<script>alert(1)</script>") {
		t.Fatal("expected markup to be suspicious")
	}
	if ContainsSuspicious("no onions") {
		t.Fatal("plain note flagged as suspicious")
	}
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now = %v", got)
	}
}
