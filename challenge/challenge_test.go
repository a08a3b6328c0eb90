package challenge

import "testing"

func TestBuildDefaultsReasonWhenEmpty(t *testing.T) {
	b := NewBuilder("base-sepolia", "0xUSDC", "0xR", "1000000", 60, "/relay")
	body := b.Build("")
	if body.Error != "payment required" {
		t.Fatalf("expected default reason, got %q", body.Error)
	}
}

func TestBuildEmitsConfiguredTerms(t *testing.T) {
	b := NewBuilder("base-sepolia", "0xUSDC", "0xR", "1000000", 60, "/relay")
	body := b.Build("insufficient balance")
	if len(body.Accepts) != 1 {
		t.Fatalf("expected exactly one accepted term, got %d", len(body.Accepts))
	}
	got := body.Accepts[0]
	if got.Scheme != Scheme {
		t.Fatalf("expected scheme %q, got %q", Scheme, got.Scheme)
	}
	if got.Network != "base-sepolia" || got.Asset != "0xUSDC" || got.PayTo != "0xR" {
		t.Fatalf("unexpected challenge terms: %+v", got)
	}
	if got.MaxAmountRequired != "1000000" {
		t.Fatalf("expected top-up amount 1000000, got %s", got.MaxAmountRequired)
	}
	if got.MaxTimeoutSeconds != 60 {
		t.Fatalf("expected max timeout 60, got %d", got.MaxTimeoutSeconds)
	}
}

func TestBuildResourceNonceVariesPerCall(t *testing.T) {
	b := NewBuilder("base-sepolia", "0xUSDC", "0xR", "1000000", 60, "/relay")
	first := b.Build("").Accepts[0].Resource
	second := b.Build("").Accepts[0].Resource
	if first == second {
		t.Fatalf("expected distinct resource nonces across challenges")
	}
}

func TestRequirementsResourceHasNoNonce(t *testing.T) {
	b := NewBuilder("base-sepolia", "0xUSDC", "0xR", "1000000", 60, "/relay")
	reqs := b.Requirements()
	if reqs.Resource != "/relay" {
		t.Fatalf("expected stable resource prefix for settlement requirements, got %q", reqs.Resource)
	}
}
