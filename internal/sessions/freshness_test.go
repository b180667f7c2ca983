package sessions

import (
	"testing"
	"time"
)

func TestMatchResetTrigger(t *testing.T) {
	triggers := []string{"new"}

	tests := []struct {
		name      string
		text      string
		matched   bool
		remainder string
	}{
		{"exact", "new", true, ""},
		{"exact uppercase", "NEW", true, ""},
		{"prefix keeps remainder", "new please help", true, "please help"},
		{"no word boundary", "newspaper", false, ""},
		{"embedded", "something new", false, ""},
		{"empty", "", false, ""},
		{"whitespace only", "   ", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matched, remainder := MatchResetTrigger(tt.text, triggers)
			if matched != tt.matched || remainder != tt.remainder {
				t.Errorf("MatchResetTrigger(%q) = (%v, %q), want (%v, %q)",
					tt.text, matched, remainder, tt.matched, tt.remainder)
			}
		})
	}
}

func TestEvaluateFreshness(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		entry  *Entry
		maxAge time.Duration
		want   bool
	}{
		{"nil entry", nil, time.Hour, false},
		{"no session id", &Entry{UpdatedAt: now}, time.Hour, false},
		{"within max age", &Entry{SessionID: "s", UpdatedAt: now.Add(-30 * time.Minute)}, time.Hour, true},
		{"exactly max age", &Entry{SessionID: "s", UpdatedAt: now.Add(-time.Hour)}, time.Hour, true},
		{"past max age", &Entry{SessionID: "s", UpdatedAt: now.Add(-2 * time.Hour)}, time.Hour, false},
		{"zero max age never stale", &Entry{SessionID: "s", UpdatedAt: now.Add(-8760 * time.Hour)}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EvaluateFreshness(tt.entry, now, tt.maxAge); got != tt.want {
				t.Errorf("EvaluateFreshness() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFreshnessPolicy_MaxAge(t *testing.T) {
	p := FreshnessPolicy{
		DMMaxAge:     24 * time.Hour,
		GroupMaxAge:  6 * time.Hour,
		ThreadMaxAge: time.Hour,
		PerChannel:   map[string]time.Duration{"slack": 30 * time.Minute},
	}

	if got := p.MaxAge(ResetDM, "telegram"); got != 24*time.Hour {
		t.Errorf("dm max age = %v", got)
	}
	if got := p.MaxAge(ResetGroup, "telegram"); got != 6*time.Hour {
		t.Errorf("group max age = %v", got)
	}
	if got := p.MaxAge(ResetThread, "telegram"); got != time.Hour {
		t.Errorf("thread max age = %v", got)
	}
	// Channel override beats the per-type default.
	if got := p.MaxAge(ResetDM, "Slack"); got != 30*time.Minute {
		t.Errorf("channel override = %v", got)
	}
}

func TestClassifyReset(t *testing.T) {
	if got := ClassifyReset(false, ""); got != ResetDM {
		t.Errorf("plain dm = %v", got)
	}
	if got := ClassifyReset(true, ""); got != ResetGroup {
		t.Errorf("group = %v", got)
	}
	if got := ClassifyReset(true, "42"); got != ResetThread {
		t.Errorf("thread = %v", got)
	}
}
