package protocol_test

import (
	"testing"

	"stackmem/pkg/protocol"
)

func TestSanitizeFTS5Query(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"single word", "refactor", `"refactor"`},
		{"strips quotes", `re"factor rout"er`, `"refactor" OR "router"`},
		{"multiple words", "refactor router", `"refactor" OR "router"`},
		{"fts operators quoted", "and or not", `"and" OR "or" OR "not"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := protocol.SanitizeFTS5Query(tt.input)
			if got != tt.want {
				t.Errorf("SanitizeFTS5Query(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
