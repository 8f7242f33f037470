package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/reqchain/internal/expressions"
	"github.com/rendis/reqchain/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build constructs a DiagramModel from a workflow and, optionally, the step
// results of one of its runs. Steps are chained in order between virtual
// start and end nodes; each {{name}} reference adds a data edge from the
// latest earlier step that extracts name. References with no producer get
// no edge.
func Build(doc *schema.WorkflowDocument, results []schema.StepExecutionResult) (*DiagramModel, error) {
	if doc == nil {
		return nil, fmt.Errorf("diagram: nil workflow")
	}

	resultMap := make(map[string]schema.StepExecutionResult, len(results))
	for _, r := range results {
		resultMap[r.StepID] = r
	}

	nodes := make([]*Node, 0, len(doc.Steps)+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	var edges []Edge
	prev := startID
	producer := make(map[string]string) // variable -> latest step ID that extracts it

	for i := range doc.Steps {
		step := &doc.Steps[i]
		node := stepToNode(doc, step)
		overlayStatus(node, resultMap)
		nodes = append(nodes, node)

		edges = append(edges, Edge{From: prev, To: node.ID, Kind: EdgeSequence})
		prev = node.ID

		for _, name := range node.Uses {
			if from, ok := producer[name]; ok {
				edges = append(edges, Edge{From: from, To: node.ID, Label: name, Kind: EdgeData})
			}
		}
		for _, name := range node.Produces {
			producer[name] = node.ID
		}
	}

	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	edges = append(edges, Edge{From: prev, To: endID, Kind: EdgeSequence})

	return &DiagramModel{
		Title: titleFromDoc(doc),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

func stepToNode(doc *schema.WorkflowDocument, step *schema.WorkflowStep) *Node {
	produces := make([]string, 0, len(step.Extractions))
	for _, ex := range step.Extractions {
		produces = append(produces, ex.Name)
	}
	label := step.Name
	if label == "" {
		label = step.ID
	}
	return &Node{
		ID:       step.ID,
		Label:    label,
		Request:  requestLine(step),
		Kind:     NodeKindRequest,
		Produces: produces,
		Uses:     expressions.StepReferences(doc, step),
	}
}

func requestLine(step *schema.WorkflowStep) string {
	method := strings.ToUpper(strings.TrimSpace(step.Request.Method))
	if method == "" {
		method = "GET"
	}
	return method + " " + step.Request.Path
}

// overlayStatus applies a run's step result to a node.
func overlayStatus(node *Node, resultMap map[string]schema.StepExecutionResult) {
	r, ok := resultMap[node.ID]
	if !ok {
		return
	}
	node.Status = &StatusOverlay{
		Status: string(r.Status),
		Error:  r.Error,
	}
	if r.Response != nil {
		node.Status.HTTPStatus = r.Response.Status
		node.Status.DurationMs = r.Response.Time
	}
}

func titleFromDoc(doc *schema.WorkflowDocument) string {
	if doc.Name != "" {
		return doc.Name
	}
	return "Workflow"
}
