package flow

import (
	"strings"
	"testing"

	"github.com/fluxodesk/fluxodesk/internal/models"
)

var menuOptions = []models.MenuOption{
	{ID: "opt_1", Label: "Suporte"},
	{ID: "opt_2", Label: "Vendas"},
	{ID: "opt_3", Label: "Financeiro"},
}

func TestMatchOption(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string // option id, "" for no match
	}{
		{"numeric 2 selects second option", "2", "opt_2"},
		{"numeric with spaces", " 1 ", "opt_1"},
		{"numeric out of range high", "4", ""},
		{"numeric out of range low", "0", ""},
		{"exact label case-insensitive", "vendas", "opt_2"},
		{"input contains label", "quero falar com o suporte", "opt_1"},
		{"label contains input", "financ", "opt_3"},
		{"no match", "cancelar tudo", ""},
		{"empty input", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MatchOption(tc.input, menuOptions)
			if tc.want == "" {
				if got != nil {
					t.Errorf("expected no match, got %s", got.ID)
				}
				return
			}
			if got == nil || got.ID != tc.want {
				t.Errorf("MatchOption(%q) = %v, want %s", tc.input, got, tc.want)
			}
		})
	}
}

func TestMatchOption_FirstInListOrder(t *testing.T) {
	ambiguous := []models.MenuOption{
		{ID: "a", Label: "Plano Basico"},
		{ID: "b", Label: "Plano Premium"},
	}
	got := MatchOption("plano", ambiguous)
	if got == nil || got.ID != "a" {
		t.Errorf("substring tie should resolve to the first option, got %v", got)
	}
}

func TestRenderMenu(t *testing.T) {
	rendered := RenderMenu("Como podemos ajudar?", menuOptions)
	lines := strings.Split(rendered, "\n")
	if len(lines) != 4 {
		t.Fatalf("expected title plus 3 numbered lines, got %d: %q", len(lines), rendered)
	}
	if lines[0] != "Como podemos ajudar?" {
		t.Errorf("unexpected title line %q", lines[0])
	}
	if lines[1] != "1. Suporte" || lines[3] != "3. Financeiro" {
		t.Errorf("unexpected numbering: %q", rendered)
	}

	noTitle := RenderMenu("", menuOptions[:1])
	if noTitle != "1. Suporte" {
		t.Errorf("menu without title should start at the first option, got %q", noTitle)
	}
}
