package broker

import (
	"context"
	"testing"

	"tradegate/internal/errs"
	"tradegate/pkg/types"
)

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query, target string
		atLeast       float64
		below         float64
	}{
		{"AAPL", "AAPL", 1, 1.01},
		{"aapl", "AAPL", 1, 1.01}, // case-insensitive
		{"AAP", "AAPL", FuzzyThreshold, 1},
		{"Apple", "Apple Inc", FuzzyThreshold, 1},
		{"XYZQ", "AAPL", 0, FuzzyThreshold},
		{"", "AAPL", 0, 0.01},
	}
	for _, tt := range tests {
		got := Similarity(tt.query, tt.target)
		if got < tt.atLeast || got >= tt.below {
			t.Errorf("Similarity(%q, %q) = %v, want in [%v, %v)", tt.query, tt.target, got, tt.atLeast, tt.below)
		}
	}
}

func TestSearchInstruments(t *testing.T) {
	t.Parallel()

	m := NewMock(MockConfig{Seed: 1})

	// Exact symbol ranks first.
	got, err := m.SearchInstruments(context.Background(), "AAPL", SearchFilters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 || got[0].Instrument.Symbol != "AAPL" {
		t.Fatalf("search AAPL: got %+v, want AAPL first", got)
	}
	if got[0].Score != 1 {
		t.Fatalf("exact match score = %v, want 1", got[0].Score)
	}

	// Company name matches too.
	got, err = m.SearchInstruments(context.Background(), "Apple", SearchFilters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 || got[0].Instrument.Symbol != "AAPL" {
		t.Fatalf("search Apple: got %+v, want AAPL", got)
	}

	// Garbage scores below the threshold and returns nothing.
	got, _ = m.SearchInstruments(context.Background(), "ZZZZZZ", SearchFilters{})
	if len(got) != 0 {
		t.Fatalf("search ZZZZZZ: got %+v, want empty", got)
	}

	// Empty query is a wildcard, filtered and limited.
	got, _ = m.SearchInstruments(context.Background(), "", SearchFilters{Type: types.InstrumentETF, Limit: 2})
	if len(got) != 2 {
		t.Fatalf("wildcard ETF limit 2: got %d results", len(got))
	}
	for _, c := range got {
		if c.Instrument.Type != types.InstrumentETF {
			t.Fatalf("filter leaked: %+v", c)
		}
	}
}

func TestResolveInstrument(t *testing.T) {
	t.Parallel()

	m := NewMock(MockConfig{Seed: 1})

	// ConID wins over everything.
	inst, err := m.ResolveInstrument(context.Background(), ResolveHint{ConID: 265598, Symbol: "SPY"})
	if err != nil {
		t.Fatalf("resolve by con_id: %v", err)
	}
	if inst.Symbol != "AAPL" {
		t.Fatalf("con_id 265598 resolved to %s, want AAPL", inst.Symbol)
	}

	// Unknown ConID is not found even with a valid symbol fallback.
	if _, err := m.ResolveInstrument(context.Background(), ResolveHint{ConID: 999, Symbol: "AAPL"}); errs.ReasonOf(err) != errs.ReasonNotFound {
		t.Fatalf("unknown con_id: got %v, want NOT_FOUND", err)
	}

	// Exact symbol, case-normalized.
	inst, err = m.ResolveInstrument(context.Background(), ResolveHint{Symbol: "spy"})
	if err != nil {
		t.Fatalf("resolve spy: %v", err)
	}
	if inst.ConID != 756733 {
		t.Fatalf("spy resolved to con_id %d, want 756733", inst.ConID)
	}

	// Type filter disambiguates.
	if _, err := m.ResolveInstrument(context.Background(), ResolveHint{Symbol: "SPY", Type: types.InstrumentFUT}); errs.ReasonOf(err) != errs.ReasonNotFound {
		t.Fatalf("SPY as FUT: got %v, want NOT_FOUND", err)
	}

	// Fuzzy fallback: prefix clears the threshold.
	inst, err = m.ResolveInstrument(context.Background(), ResolveHint{Symbol: "GOOG"})
	if err != nil {
		t.Fatalf("resolve GOOG: %v", err)
	}
	if inst.Symbol != "GOOGL" {
		t.Fatalf("GOOG resolved to %s, want GOOGL", inst.Symbol)
	}

	// No hint at all.
	if _, err := m.ResolveInstrument(context.Background(), ResolveHint{}); !errs.IsKind(err, errs.KindValidation) {
		t.Fatalf("empty hint: got %v, want Validation error", err)
	}
}
