package workflow

import (
	"strings"
	"testing"
)

func TestParseDefinition_RoundTrip(t *testing.T) {
	def := &Definition{
		Nodes: []Node{
			{ID: "t", Type: NodeTrigger},
			{ID: "d", Type: NodeDelivery},
		},
		Edges: []Edge{{Source: "t", Target: "d"}},
	}
	raw, err := def.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	parsed, err := ParseDefinition(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed.Nodes) != 2 || len(parsed.Edges) != 1 {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestParseDefinition_BadJSON(t *testing.T) {
	if _, err := ParseDefinition("{nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		def     Definition
		wantErr string
	}{
		{
			name:    "empty",
			def:     Definition{},
			wantErr: "no nodes",
		},
		{
			name: "empty node id",
			def: Definition{Nodes: []Node{
				{ID: "", Type: NodeTrigger},
			}},
			wantErr: "empty id",
		},
		{
			name: "duplicate id",
			def: Definition{Nodes: []Node{
				{ID: "a", Type: NodeTrigger},
				{ID: "a", Type: NodeDelivery},
			}},
			wantErr: "duplicate node id",
		},
		{
			name: "unknown type",
			def: Definition{Nodes: []Node{
				{ID: "t", Type: NodeTrigger},
				{ID: "x", Type: "teleport"},
			}},
			wantErr: "unknown node type",
		},
		{
			name: "no trigger",
			def: Definition{Nodes: []Node{
				{ID: "d", Type: NodeDelivery},
			}},
			wantErr: "exactly one trigger",
		},
		{
			name: "two triggers",
			def: Definition{Nodes: []Node{
				{ID: "t1", Type: NodeTrigger},
				{ID: "t2", Type: NodeTrigger},
			}},
			wantErr: "exactly one trigger",
		},
		{
			name: "edge from unknown node",
			def: Definition{
				Nodes: []Node{{ID: "t", Type: NodeTrigger}},
				Edges: []Edge{{Source: "ghost", Target: "t"}},
			},
			wantErr: "edge from unknown",
		},
		{
			name: "edge to unknown node",
			def: Definition{
				Nodes: []Node{{ID: "t", Type: NodeTrigger}},
				Edges: []Edge{{Source: "t", Target: "ghost"}},
			},
			wantErr: "edge to unknown",
		},
		{
			name: "autoreply without keywords",
			def: Definition{Nodes: []Node{
				{ID: "t", Type: NodeTrigger},
				{ID: "ask", Type: NodeAutoReply, Config: NodeConfig{Prompt: "请确认"}},
			}},
			wantErr: "no expected keywords",
		},
		{
			name: "autoreply with keywords",
			def: Definition{Nodes: []Node{
				{ID: "t", Type: NodeTrigger},
				{ID: "ask", Type: NodeAutoReply, Config: NodeConfig{ExpectedKeywords: []string{"确认"}}},
			}},
		},
		{
			name: "valid",
			def: Definition{
				Nodes: []Node{
					{ID: "t", Type: NodeTrigger},
					{ID: "c", Type: NodeCondition},
					{ID: "d", Type: NodeDelivery},
					{ID: "n", Type: NodeNotify},
				},
				Edges: []Edge{
					{Source: "t", Target: "c"},
					{Source: "c", Target: "d", SourceHandle: "output_1"},
					{Source: "c", Target: "n", SourceHandle: "output_2"},
				},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestNext(t *testing.T) {
	def := Definition{
		Nodes: []Node{
			{ID: "t", Type: NodeTrigger},
			{ID: "c", Type: NodeCondition},
			{ID: "a", Type: NodeDelivery},
			{ID: "b", Type: NodeNotify},
		},
		Edges: []Edge{
			{Source: "t", Target: "c"},
			{Source: "c", Target: "a", SourceHandle: "output_1"},
			{Source: "c", Target: "b", SourceHandle: "output_2"},
		},
	}

	if n := def.Next("t", ""); n == nil || n.ID != "c" {
		t.Fatalf("next(t) = %+v", n)
	}
	if n := def.Next("c", "output_2"); n == nil || n.ID != "b" {
		t.Fatalf("next(c, output_2) = %+v", n)
	}
	if n := def.Next("c", "output_1"); n == nil || n.ID != "a" {
		t.Fatalf("next(c, output_1) = %+v", n)
	}
	// Unmatched handle falls back to the first outgoing edge.
	if n := def.Next("c", "output_9"); n == nil || n.ID != "a" {
		t.Fatalf("next(c, output_9) = %+v", n)
	}
	if n := def.Next("a", ""); n != nil {
		t.Fatalf("next(a) = %+v, want nil", n)
	}
	if n := def.Next("ghost", ""); n != nil {
		t.Fatalf("next(ghost) = %+v, want nil", n)
	}
}

func TestDefaultDefinition(t *testing.T) {
	def := DefaultDefinition()
	if err := def.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	trigger := def.TriggerNode()
	if trigger == nil {
		t.Fatal("no trigger")
	}
	deliver := def.Next(trigger.ID, "")
	if deliver == nil || deliver.Type != NodeDelivery {
		t.Fatalf("after trigger: %+v", deliver)
	}
	ship := def.Next(deliver.ID, "")
	if ship == nil || ship.Type != NodeShip {
		t.Fatalf("after delivery: %+v", ship)
	}
	if end := def.Next(ship.ID, ""); end != nil {
		t.Fatalf("after ship: %+v", end)
	}
}
