package selector

import (
	"testing"

	"github.com/modelfleet/router/internal/auth"
	"github.com/modelfleet/router/internal/registry"
	"github.com/modelfleet/router/internal/state"
)

func newFleet(t *testing.T) (*registry.Registry, *state.Store) {
	t.Helper()
	reg, err := registry.New([]registry.Spec{
		{Model: "llama", Kind: "chat", GPU: "0", Strategy: "long", BaseURL: "http://h0", Container: "c0"},
		{Model: "llama", Kind: "chat", GPU: "1", Strategy: "throughput", BaseURL: "http://h1", Container: "c1"},
		{Model: "bge-embed", Kind: "embeddings", GPU: "0", BaseURL: "http://h2", Container: "c2"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg, state.New(reg)
}

func TestSelectUnknownModel(t *testing.T) {
	reg, st := newFleet(t)
	_, err := Select(reg, st, Config{}, "does-not-exist", nil, auth.RoleInteractive)
	if err != ErrUnknownModel {
		t.Fatalf("err = %v, want ErrUnknownModel", err)
	}
}

func TestSelectStickyWins(t *testing.T) {
	reg, st := newFleet(t)
	st.SetSticky("1", "llama@1")

	id, err := Select(reg, st, Config{AdaptiveEnabled: true, Threshold: 2048}, "llama", nil, auth.RoleInteractive)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@1" {
		t.Errorf("Select = %q, want llama@1 (sticky)", id)
	}
}

func TestSelectStickyRejectedWhenStrategyMismatches(t *testing.T) {
	reg, st := newFleet(t)
	st.SetSticky("1", "llama@1") // throughput backend

	long := 4000
	id, err := Select(reg, st, Config{AdaptiveEnabled: true, Threshold: 2048}, "llama", &long, auth.RoleAutomation)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@0" {
		t.Errorf("Select = %q, want llama@0 (adaptive long match, sticky ignored)", id)
	}
}

func TestSelectAdaptivePicksLongForLargeEstimate(t *testing.T) {
	reg, st := newFleet(t)
	long := 5000
	id, err := Select(reg, st, Config{AdaptiveEnabled: true, Threshold: 2048}, "llama", &long, auth.RoleAutomation)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@0" {
		t.Errorf("Select = %q, want llama@0 (long strategy)", id)
	}
}

func TestSelectAdaptivePicksThroughputForSmallEstimate(t *testing.T) {
	reg, st := newFleet(t)
	small := 10
	id, err := Select(reg, st, Config{AdaptiveEnabled: true, Threshold: 2048}, "llama", &small, auth.RoleAutomation)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@1" {
		t.Errorf("Select = %q, want llama@1 (throughput strategy)", id)
	}
}

func TestSelectRoleAffinityWithAdaptiveDisabled(t *testing.T) {
	reg, st := newFleet(t)

	id, err := Select(reg, st, Config{AdaptiveEnabled: false}, "llama", nil, auth.RoleInteractive)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@0" {
		t.Errorf("interactive Select = %q, want llama@0 (GPU 0 affinity)", id)
	}

	id, err = Select(reg, st, Config{AdaptiveEnabled: false}, "llama", nil, auth.RoleAutomation)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "llama@1" {
		t.Errorf("automation Select = %q, want llama@1 (GPU 1 affinity)", id)
	}
}

func TestSelectNonChatModelIgnoresStrategy(t *testing.T) {
	reg, st := newFleet(t)
	id, err := Select(reg, st, Config{AdaptiveEnabled: true, Threshold: 2048}, "bge-embed", nil, auth.RoleInteractive)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "bge-embed@0" {
		t.Errorf("Select = %q, want bge-embed@0", id)
	}
}

func TestSelectFallsBackToFirstCandidate(t *testing.T) {
	reg, st := newFleet(t)
	// No sticky set, adaptive disabled, role affinity has no matching GPU
	// for embeddings (only GPU 0 exists for bge-embed, but automation
	// prefers GPU 1) — falls through to the deterministic first candidate.
	id, err := Select(reg, st, Config{AdaptiveEnabled: false}, "bge-embed", nil, auth.RoleAutomation)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if id != "bge-embed@0" {
		t.Errorf("Select = %q, want bge-embed@0 (fallback)", id)
	}
}
