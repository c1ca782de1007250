package flow

import (
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"
)

// ToolSchema declares a tool exposed to the model while a node is active.
// Transition names the node entered when the tool's handler succeeds; an
// empty Transition marks a local tool that never moves the conversation.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Transition  string
}

// ToolParam converts the schema to the OpenAI tool definition format.
func (ts ToolSchema) ToolParam() openai.ChatCompletionToolParam {
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        ts.Name,
			Description: openai.String(ts.Description),
			Parameters:  shared.FunctionParameters(ts.Parameters),
		},
	}
}

// Node is a single conversational stage. TaskMessages are appended to the
// transcript as system messages when the node is entered; Tools is the full
// set of tools available while the node is active. A node with no tools is
// terminal and must carry a terminate post-action.
type Node struct {
	ID           string
	TaskMessages []string
	// EphemeralTaskMessages behave like TaskMessages but are excluded from
	// persisted transcripts.
	EphemeralTaskMessages []string
	Tools                 []ToolSchema
	PreActions            []Action
	PostActions           []Action
}

// Terminal reports whether the node ends the conversation.
func (n *Node) Terminal() bool {
	return len(n.Tools) == 0
}

// Graph is an immutable, validated conversation graph. RoleMessages establish
// the assistant persona and are placed ahead of the transcript on every model
// call.
type Graph struct {
	roleMessages []string
	initial      string
	nodes        map[string]*Node
}

// NewGraph validates the node set and returns an immutable graph.
// Validation rejects duplicate node IDs, duplicate tool names within a node,
// transitions to nonexistent nodes, non-terminal nodes unreachable from the
// initial node, and terminal nodes without a terminate post-action.
func NewGraph(roleMessages []string, initial string, nodes []*Node) (*Graph, error) {
	if initial == "" {
		return nil, fmt.Errorf("initial node ID is required")
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("graph requires at least one node")
	}

	nodeMap := make(map[string]*Node, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node ID cannot be empty")
		}
		if _, exists := nodeMap[node.ID]; exists {
			return nil, fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		nodeMap[node.ID] = node
	}

	if _, exists := nodeMap[initial]; !exists {
		return nil, fmt.Errorf("initial node %s not found", initial)
	}

	for _, node := range nodeMap {
		seen := make(map[string]bool, len(node.Tools))
		for _, tool := range node.Tools {
			if tool.Name == "" {
				return nil, fmt.Errorf("node %s has a tool with no name", node.ID)
			}
			if seen[tool.Name] {
				return nil, fmt.Errorf("node %s declares tool %s more than once", node.ID, tool.Name)
			}
			seen[tool.Name] = true
			if tool.Transition != "" {
				if _, exists := nodeMap[tool.Transition]; !exists {
					return nil, fmt.Errorf("node %s tool %s transitions to unknown node %s", node.ID, tool.Name, tool.Transition)
				}
			}
		}

		if node.Terminal() {
			if !hasTerminateAction(node.PostActions) {
				return nil, fmt.Errorf("terminal node %s has no terminate post-action", node.ID)
			}
		}
	}

	// Every non-terminal node must be reachable from the initial node.
	reachable := reachableFrom(nodeMap, initial)
	for id, node := range nodeMap {
		if !node.Terminal() && !reachable[id] {
			return nil, fmt.Errorf("node %s is unreachable from initial node %s", id, initial)
		}
	}

	return &Graph{
		roleMessages: roleMessages,
		initial:      initial,
		nodes:        nodeMap,
	}, nil
}

func hasTerminateAction(actions []Action) bool {
	for _, action := range actions {
		if action.Kind == ActionTerminate {
			return true
		}
	}
	return false
}

func reachableFrom(nodes map[string]*Node, start string) map[string]bool {
	reachable := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, tool := range nodes[id].Tools {
			if tool.Transition != "" && !reachable[tool.Transition] {
				reachable[tool.Transition] = true
				queue = append(queue, tool.Transition)
			}
		}
	}
	return reachable
}

// RoleMessages returns the persona messages placed ahead of every model call.
func (g *Graph) RoleMessages() []string {
	return g.roleMessages
}

// InitialNode returns the graph's entry node.
func (g *Graph) InitialNode() *Node {
	return g.nodes[g.initial]
}

// Node looks up a node by ID.
func (g *Graph) Node(id string) (*Node, bool) {
	node, exists := g.nodes[id]
	return node, exists
}

// ToolParams converts a tool set to OpenAI tool definitions.
func ToolParams(tools []ToolSchema) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	params := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		params = append(params, tool.ToolParam())
	}
	return params
}
