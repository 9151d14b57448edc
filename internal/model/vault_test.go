package model

import (
	"testing"
	"time"
)

func intPtr(v int) *int { return &v }

// TestShareLinkStateAt covers the computed link state machine.
func TestShareLinkStateAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		count     int
		max       *int
		want      ShareLinkState
	}{
		{"no constraints", nil, 10, nil, ShareLinkActive},
		{"future expiry", &future, 0, nil, ShareLinkActive},
		{"past expiry", &past, 0, nil, ShareLinkExpired},
		{"expiry at now", &now, 0, nil, ShareLinkExpired},
		{"capacity left", nil, 1, intPtr(2), ShareLinkActive},
		{"quota used", nil, 2, intPtr(2), ShareLinkExhausted},
		{"expired wins over exhausted", &past, 5, intPtr(1), ShareLinkExpired},
		{"zero quota", nil, 0, intPtr(0), ShareLinkExhausted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShareLinkStateAt(now, tt.expiresAt, tt.count, tt.max); got != tt.want {
				t.Errorf("ShareLinkStateAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestScopeValid checks the exactly-one-owner rule.
func TestScopeValid(t *testing.T) {
	if (Scope{}).Valid() {
		t.Error("empty scope should be invalid")
	}
	if (Scope{PersonalVaultID: "p", OrganizationID: "o"}).Valid() {
		t.Error("ambiguous scope should be invalid")
	}
	if !(Scope{OrganizationID: "o"}).Valid() {
		t.Error("org scope should be valid")
	}
	if (Scope{OrganizationID: "org-1/01J0000000000000000000000"}).Valid() {
		t.Error("scope id with a slash should be invalid")
	}
	if got := (Scope{PersonalVaultID: "p1"}).Key(); got != "personal/p1" {
		t.Errorf("Key() = %v, want %v", got, "personal/p1")
	}
}

// TestCompletion checks that optional requests never block completion.
func TestCompletion(t *testing.T) {
	sub := &PortalSubmission{ID: "s"}
	reqs := []PortalRequest{
		{ID: "r1", Required: true, Submission: sub},
		{ID: "r2", Required: true, Submission: sub},
		{ID: "r3", Required: true},
		{ID: "o1", Required: false},
		{ID: "o2", Required: false, Submission: sub},
	}

	st := Completion(reqs)
	if st.IsComplete {
		t.Error("IsComplete = true with a required request outstanding")
	}
	if st.Total != 5 || st.Required != 3 || st.Fulfilled != 3 || st.RequiredFulfilled != 2 {
		t.Errorf("Completion() = %+v", st)
	}

	reqs[2].Submission = sub
	if !Completion(reqs).IsComplete {
		t.Error("IsComplete = false with all required requests fulfilled")
	}

	if !Completion(nil).IsComplete {
		t.Error("empty portal should be complete")
	}
}

// TestPrincipalCanAccess checks personal and organization scope membership.
func TestPrincipalCanAccess(t *testing.T) {
	p := Principal{UserID: "u1", PersonalVaultID: "pv1", OrganizationIDs: []string{"org-a"}}

	tests := []struct {
		scope Scope
		want  bool
	}{
		{Scope{PersonalVaultID: "pv1"}, true},
		{Scope{PersonalVaultID: "pv2"}, false},
		{Scope{OrganizationID: "org-a"}, true},
		{Scope{OrganizationID: "org-b"}, false},
		{Scope{}, false},
	}
	for _, tt := range tests {
		if got := p.CanAccess(tt.scope); got != tt.want {
			t.Errorf("CanAccess(%+v) = %v, want %v", tt.scope, got, tt.want)
		}
	}
}

func TestPINMatches(t *testing.T) {
	open := ShareLink{}
	if !open.PINMatches("") || !open.PINMatches("anything") {
		t.Error("link without PIN should match any input")
	}
	locked := ShareLink{PIN: "4821"}
	if !locked.PINMatches("4821") {
		t.Error("correct PIN rejected")
	}
	for _, pin := range []string{"", "482", "48210", "1284"} {
		if locked.PINMatches(pin) {
			t.Errorf("PINMatches(%q) = true", pin)
		}
	}
	portal := Portal{PIN: "9999"}
	if portal.PINMatches("0000") || !portal.PINMatches("9999") {
		t.Error("portal PIN comparison wrong")
	}
}
