package flow

import (
	"strings"
	"testing"
)

func objectParams() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func terminalNode(id string) *Node {
	return &Node{
		ID:          id,
		PostActions: []Action{{Kind: ActionTerminate}},
	}
}

func TestNewGraphValid(t *testing.T) {
	graph, err := NewGraph([]string{"persona"}, "a", []*Node{
		{
			ID:    "a",
			Tools: []ToolSchema{{Name: "go", Description: "Advance.", Parameters: objectParams(), Transition: "b"}},
		},
		terminalNode("b"),
	})
	if err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
	if graph.InitialNode().ID != "a" {
		t.Errorf("wrong initial node: %s", graph.InitialNode().ID)
	}
	if _, exists := graph.Node("b"); !exists {
		t.Error("node b not found")
	}
	if len(graph.RoleMessages()) != 1 {
		t.Errorf("role messages lost: %v", graph.RoleMessages())
	}
}

func TestNewGraphValidation(t *testing.T) {
	tests := []struct {
		name    string
		initial string
		nodes   []*Node
		wantErr string
	}{
		{
			name:    "empty initial",
			initial: "",
			nodes:   []*Node{terminalNode("a")},
			wantErr: "initial node ID is required",
		},
		{
			name:    "no nodes",
			initial: "a",
			nodes:   nil,
			wantErr: "at least one node",
		},
		{
			name:    "unknown initial",
			initial: "missing",
			nodes:   []*Node{terminalNode("a")},
			wantErr: "not found",
		},
		{
			name:    "duplicate node IDs",
			initial: "a",
			nodes:   []*Node{terminalNode("a"), terminalNode("a")},
			wantErr: "duplicate node ID",
		},
		{
			name:    "duplicate tool names",
			initial: "a",
			nodes: []*Node{
				{
					ID: "a",
					Tools: []ToolSchema{
						{Name: "go", Parameters: objectParams(), Transition: "b"},
						{Name: "go", Parameters: objectParams()},
					},
				},
				terminalNode("b"),
			},
			wantErr: "more than once",
		},
		{
			name:    "transition to unknown node",
			initial: "a",
			nodes: []*Node{
				{
					ID:    "a",
					Tools: []ToolSchema{{Name: "go", Parameters: objectParams(), Transition: "nowhere"}},
				},
			},
			wantErr: "unknown node",
		},
		{
			name:    "terminal node without terminate",
			initial: "a",
			nodes: []*Node{
				{
					ID:    "a",
					Tools: []ToolSchema{{Name: "go", Parameters: objectParams(), Transition: "b"}},
				},
				{ID: "b"},
			},
			wantErr: "no terminate post-action",
		},
		{
			name:    "unreachable non-terminal node",
			initial: "a",
			nodes: []*Node{
				{
					ID:    "a",
					Tools: []ToolSchema{{Name: "go", Parameters: objectParams(), Transition: "b"}},
				},
				terminalNode("b"),
				{
					ID:    "orphan",
					Tools: []ToolSchema{{Name: "also_go", Parameters: objectParams(), Transition: "b"}},
				},
			},
			wantErr: "unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(nil, tt.initial, tt.nodes)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNodeTerminal(t *testing.T) {
	withTools := &Node{ID: "a", Tools: []ToolSchema{{Name: "go"}}}
	if withTools.Terminal() {
		t.Error("node with tools must not be terminal")
	}
	if !terminalNode("b").Terminal() {
		t.Error("node without tools must be terminal")
	}
}

func TestToolParams(t *testing.T) {
	if ToolParams(nil) != nil {
		t.Error("empty tool set should convert to nil")
	}

	params := ToolParams([]ToolSchema{{
		Name:        "go",
		Description: "Advance.",
		Parameters:  objectParams(),
	}})
	if len(params) != 1 {
		t.Fatalf("expected one tool param, got %d", len(params))
	}
	if params[0].Function.Name != "go" {
		t.Errorf("wrong tool name: %s", params[0].Function.Name)
	}
}
