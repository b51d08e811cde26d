package models

import (
	"sort"
	"testing"
)

func TestLookupExactAndPrefix(t *testing.T) {
	if m := Lookup("claude-sonnet-4-5"); m == nil || m.Provider != "anthropic" {
		t.Fatalf("exact lookup: %+v", m)
	}
	// Versioned id resolves to its registered base.
	if m := Lookup("claude-sonnet-4-5-20250929"); m == nil || m.ID != "claude-sonnet-4-5" {
		t.Fatalf("versioned lookup: %+v", m)
	}
	if m := Lookup("no-such-model"); m != nil {
		t.Fatalf("unknown id resolved: %+v", m)
	}
}

func TestContextWindowFor(t *testing.T) {
	if got := ContextWindowFor("claude-sonnet-4-5", 0); got <= 0 {
		t.Fatalf("known model window: %d", got)
	}
	if got := ContextWindowFor("no-such-model", 4096); got != 4096 {
		t.Fatalf("fallback: %d", got)
	}
}

func TestAllSortedByProviderThenID(t *testing.T) {
	all := All()
	if len(all) == 0 {
		t.Fatal("empty registry")
	}
	sorted := sort.SliceIsSorted(all, func(i, j int) bool {
		if all[i].Provider != all[j].Provider {
			return all[i].Provider < all[j].Provider
		}
		return all[i].ID < all[j].ID
	})
	if !sorted {
		t.Fatal("All() is not sorted")
	}
}

func TestByProvider(t *testing.T) {
	for _, m := range ByProvider("anthropic") {
		if m.Provider != "anthropic" {
			t.Fatalf("wrong provider: %+v", m)
		}
	}
	if len(ByProvider("anthropic")) == 0 {
		t.Fatal("no anthropic models registered")
	}
}

func TestDescriptorCarriesWindow(t *testing.T) {
	m := Lookup("claude-sonnet-4-5")
	d := m.Descriptor()
	if d.ContextWindow != m.ContextWindow || d.ID != m.ID || d.Provider != m.Provider {
		t.Fatalf("descriptor: %+v", d)
	}
}
