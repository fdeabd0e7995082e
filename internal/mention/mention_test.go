package mention

import (
	"reflect"
	"testing"

	"github.com/convo/internal/model"
)

func TestExtract(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"hi @Ana, ping @Ben", []string{"Ana", "Ben"}},
		{"@Ana@Ben", []string{"Ana", "Ben"}},
		{"mail me at a@b_c", []string{"b_c"}},
		{"no mentions here", nil},
		{"", nil},
		{"@ alone and trailing @", nil},
	}
	for _, tc := range cases {
		got := Extract(tc.text)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("Extract(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestResolveExactCaseSensitive(t *testing.T) {
	roster := []model.Participant{
		{UserID: "u1", DisplayName: "Ana"},
		{UserID: "u2", DisplayName: "Ben"},
	}

	got := Resolve([]string{"Ana", "Carl"}, roster)
	if len(got) != 1 || got[0].UserID != "u1" {
		t.Fatalf("Resolve = %v, want only Ana", got)
	}

	// Case differs — no match, even though a human would read it as the same name.
	if got := Resolve([]string{"ana", "BEN"}, roster); got != nil {
		t.Fatalf("case-insensitive match slipped through: %v", got)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	roster := []model.Participant{{UserID: "u1", DisplayName: "Ana"}}
	got := Resolve([]string{"Ana", "Ana", "Ana"}, roster)
	if len(got) != 1 {
		t.Fatalf("duplicate mentions produced %d participants, want 1", len(got))
	}
}

func TestResolveEmptyInputs(t *testing.T) {
	if got := Resolve(nil, []model.Participant{{UserID: "u1", DisplayName: "Ana"}}); got != nil {
		t.Fatalf("Resolve(nil, roster) = %v", got)
	}
	if got := Resolve([]string{"Ana"}, nil); got != nil {
		t.Fatalf("Resolve(tokens, nil) = %v", got)
	}
}
