package config

import (
	"testing"
	"time"
)

func TestEnvOrAndFirst(t *testing.T) {
	t.Setenv("KP_TEST_A", "")
	t.Setenv("KP_TEST_B", "b")

	if got := EnvOr("KP_TEST_A", "fallback"); got != "fallback" {
		t.Errorf("EnvOr(empty) = %q", got)
	}
	if got := EnvOr("KP_TEST_B", "fallback"); got != "b" {
		t.Errorf("EnvOr(set) = %q", got)
	}
	if got := EnvFirst("KP_TEST_A", "KP_TEST_B"); got != "b" {
		t.Errorf("EnvFirst = %q, want b", got)
	}
	if got := EnvFirst("KP_TEST_A"); got != "" {
		t.Errorf("EnvFirst(all empty) = %q", got)
	}
}

func TestEnvInt(t *testing.T) {
	tests := []struct {
		val  string
		want int
	}{
		{"", 7},
		{"12", 12},
		{"twelve", 7},
	}
	for _, tt := range tests {
		t.Setenv("KP_TEST_INT", tt.val)
		if got := EnvInt("KP_TEST_INT", 7); got != tt.want {
			t.Errorf("EnvInt(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}

func TestEnvFloat(t *testing.T) {
	tests := []struct {
		val     string
		want    float64
		wantErr bool
	}{
		{val: "", want: 1.5},
		{val: "2.5", want: 2.5},
		{val: "fast", wantErr: true},
		{val: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Setenv("KP_TEST_FLOAT", tt.val)
		got, err := EnvFloat("KP_TEST_FLOAT", 1.5)
		if (err != nil) != tt.wantErr {
			t.Errorf("EnvFloat(%q) error = %v, wantErr %v", tt.val, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("EnvFloat(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestEnvDuration(t *testing.T) {
	tests := []struct {
		val     string
		want    time.Duration
		wantErr bool
	}{
		{val: "", want: time.Second},
		{val: "250ms", want: 250 * time.Millisecond},
		{val: "soon", wantErr: true},
		{val: "-2s", wantErr: true},
	}
	for _, tt := range tests {
		t.Setenv("KP_TEST_TIMEOUT", tt.val)
		got, err := EnvDuration("KP_TEST_TIMEOUT", time.Second)
		if (err != nil) != tt.wantErr {
			t.Errorf("EnvDuration(%q) error = %v, wantErr %v", tt.val, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("EnvDuration(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}
