package main

import (
	"testing"

	"stackmem/pkg/protocol"
)

func TestParseAnchorPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		wantType protocol.AnchorType
		wantText string
	}{
		{"fact: the api is rate limited", protocol.AnchorFact, "the api is rate limited"},
		{"decision: use sqlite", protocol.AnchorDecision, "use sqlite"},
		{"constraint: never exceed 3 retries", protocol.AnchorConstraint, "never exceed 3 retries"},
		{"interface: handler takes context first", protocol.AnchorInterfaceContract, "handler takes context first"},
		{"todo: add backoff jitter", protocol.AnchorTodo, "add backoff jitter"},
		{"risk: migration may lock the table", protocol.AnchorRisk, "migration may lock the table"},
		{"DECISION: uppercase prefix works", protocol.AnchorDecision, "uppercase prefix works"},
		{"no prefix at all", protocol.AnchorFact, "no prefix at all"},
		{"factish text", protocol.AnchorFact, "factish text"},
	}

	for _, tc := range cases {
		typ, text := parseAnchorPrefix(tc.in)
		if typ != tc.wantType || text != tc.wantText {
			t.Errorf("parseAnchorPrefix(%q) = (%s, %q), want (%s, %q)",
				tc.in, typ, text, tc.wantType, tc.wantText)
		}
	}
}
