package meddpicc

import "testing"

func TestParseCategory(t *testing.T) {
	cases := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"pain", Pain, true},
		{"economic_buyer", EconomicBuyer, true},
		{"economicBuyer", EconomicBuyer, true},
		{"paperProcess", PaperProcess, true},
		{" timing ", Timing, true},
		{"internal_sponsor", "", false},
		{"", "", false},
		{"budgets", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseCategory(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ParseCategory(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSpokenNameNeverSaysChampion(t *testing.T) {
	if got := Champion.SpokenName(); got != "Internal Sponsor" {
		t.Fatalf("champion spoken name = %q, want Internal Sponsor", got)
	}
}

func TestAllCategoriesValid(t *testing.T) {
	if len(AllCategories) != 10 {
		t.Fatalf("expected 10 categories, got %d", len(AllCategories))
	}
	for _, c := range AllCategories {
		if !c.Valid() {
			t.Errorf("category %q should be valid", c)
		}
	}
	if Category("nonsense").Valid() {
		t.Error("unknown category should be invalid")
	}
}
