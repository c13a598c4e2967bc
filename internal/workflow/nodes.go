// Package workflow implements the persisted, resumable fulfillment
// engine. A workflow is a directed graph of typed nodes; executions walk
// the graph one node at a time, persisting their position so a process
// restart resumes from the last completed step instead of replaying
// side effects.
package workflow

import (
	"encoding/json"
	"fmt"
)

// NodeType is the closed set of node kinds the engine executes.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"   // entry point, no behavior
	NodeDelivery  NodeType = "delivery"  // resolve and send fulfillment content
	NodeShip      NodeType = "ship"      // confirm shipment on the platform
	NodeDelay     NodeType = "delay"     // pause, fixed or random
	NodeCondition NodeType = "condition" // branch marker
	NodeAutoReply NodeType = "autoreply" // prompt buyer, suspend until reply
	NodeNotify    NodeType = "notify"    // send a configured message into the chat
)

// NodeConfig carries the per-type settings. Only the fields relevant to
// the node's type are read; the rest stay zero.
type NodeConfig struct {
	// ship
	ShipMode string `json:"ship_mode,omitempty"` // confirm|freeshipping

	// delay
	DelayMode       string `json:"delay_mode,omitempty"` // fixed|random
	DelaySeconds    int    `json:"delay_seconds,omitempty"`
	DelayMinSeconds int    `json:"delay_min_seconds,omitempty"`
	DelayMaxSeconds int    `json:"delay_max_seconds,omitempty"`

	// autoreply
	Prompt           string   `json:"prompt,omitempty"`
	ExpectedKeywords []string `json:"expected_keywords,omitempty"`

	// notify
	Message string `json:"message,omitempty"`

	// condition
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"` // eq|contains
	Value    string `json:"value,omitempty"`
}

// ShipModeFree selects free-shipping confirmation on ship nodes; any
// other value confirms the dummy logistics shipment.
const ShipModeFree = "freeshipping"

// Node is one step in the graph.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Label  string     `json:"label,omitempty"`
	Config NodeConfig `json:"config"`
}

// Edge connects two nodes. SourceHandle distinguishes a condition
// node's branches; for linear nodes it is empty.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"source_handle,omitempty"`
}

// Definition is a complete workflow graph as stored in the database.
type Definition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseDefinition decodes and structurally validates a stored graph.
func ParseDefinition(s string) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal([]byte(s), &def); err != nil {
		return nil, fmt.Errorf("workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Encode serializes the graph for storage.
func (d *Definition) Encode() (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Validate checks the graph is executable: node ids unique, node types
// known, edges reference existing nodes, exactly one trigger, and every
// autoreply node carries keywords to resume on.
func (d *Definition) Validate() error {
	if len(d.Nodes) == 0 {
		return fmt.Errorf("workflow definition: no nodes")
	}
	seen := make(map[string]struct{}, len(d.Nodes))
	triggers := 0
	for _, n := range d.Nodes {
		if n.ID == "" {
			return fmt.Errorf("workflow definition: node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("workflow definition: duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		switch n.Type {
		case NodeTrigger:
			triggers++
		case NodeAutoReply:
			// A wait with nothing to match would suspend forever.
			if len(n.Config.ExpectedKeywords) == 0 {
				return fmt.Errorf("workflow definition: autoreply node %q has no expected keywords", n.ID)
			}
		case NodeDelivery, NodeShip, NodeDelay, NodeCondition, NodeNotify:
		default:
			return fmt.Errorf("workflow definition: unknown node type %q", n.Type)
		}
	}
	if triggers != 1 {
		return fmt.Errorf("workflow definition: expected exactly one trigger node, found %d", triggers)
	}
	for _, e := range d.Edges {
		if _, ok := seen[e.Source]; !ok {
			return fmt.Errorf("workflow definition: edge from unknown node %q", e.Source)
		}
		if _, ok := seen[e.Target]; !ok {
			return fmt.Errorf("workflow definition: edge to unknown node %q", e.Target)
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (d *Definition) Node(id string) *Node {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// TriggerNode returns the graph's entry node, or nil.
func (d *Definition) TriggerNode() *Node {
	for i := range d.Nodes {
		if d.Nodes[i].Type == NodeTrigger {
			return &d.Nodes[i]
		}
	}
	return nil
}

// Next returns the node following nodeID along the given handle. When
// handle is non-empty, an edge with the matching source handle is
// preferred; otherwise the first outgoing edge wins. Returns nil at the
// end of a path.
func (d *Definition) Next(nodeID, handle string) *Node {
	var fallback *Edge
	for i := range d.Edges {
		e := &d.Edges[i]
		if e.Source != nodeID {
			continue
		}
		if handle != "" && e.SourceHandle == handle {
			return d.Node(e.Target)
		}
		if fallback == nil {
			fallback = e
		}
	}
	if fallback == nil {
		return nil
	}
	return d.Node(fallback.Target)
}

// DefaultDefinition is the built-in deliver-then-ship flow used when an
// order matches a rule that names no workflow and no default workflow
// exists.
func DefaultDefinition() *Definition {
	return &Definition{
		Nodes: []Node{
			{ID: "trigger", Type: NodeTrigger, Label: "订单付款"},
			{ID: "deliver", Type: NodeDelivery, Label: "自动发货"},
			{ID: "ship", Type: NodeShip, Label: "确认发货"},
		},
		Edges: []Edge{
			{Source: "trigger", Target: "deliver"},
			{Source: "deliver", Target: "ship"},
		},
	}
}
