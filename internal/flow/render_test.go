package flow

import "testing"

func TestRender(t *testing.T) {
	vars := map[string]string{"name": "Ana", "next_cycle_date": "2026-10-21"}
	tests := []struct {
		template string
		want     string
	}{
		{"", ""},
		{"Hola", "Hola"},
		{"Hola {name}", "Hola Ana"},
		{"{name}: {next_cycle_date}", "Ana: 2026-10-21"},
		{"Hola {name}, {missing}", "Hola {name}, {missing}"},
		{"JSON {\"a\": 1}", "JSON {\"a\": 1}"},
	}
	for _, tt := range tests {
		if got := Render(tt.template, vars); got != tt.want {
			t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
	if got := Render("Hola {name}", nil); got != "Hola {name}" {
		t.Errorf("Render with nil vars = %q", got)
	}
}
