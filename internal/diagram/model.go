package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindRequest NodeKind = "request"
	NodeKindStart   NodeKind = "start"
	NodeKindEnd     NodeKind = "end"
)

// EdgeKind separates execution order from variable flow.
type EdgeKind string

const (
	EdgeSequence EdgeKind = "sequence"
	EdgeData     EdgeKind = "data"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single step in the diagram.
type Node struct {
	ID       string
	Label    string // step name
	Request  string // "POST /token"
	Kind     NodeKind
	Produces []string // variables extracted by this step
	Uses     []string // variables referenced by this step
	Status   *StatusOverlay
}

// StatusOverlay carries the outcome of a run for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	HTTPStatus int
	DurationMs int64
	Error      string
}

// Edge connects two nodes. Data edges are labelled with the variable name.
type Edge struct {
	From  string
	To    string
	Label string
	Kind  EdgeKind
}

// DataEdges returns the variable-flow edges of the model.
func (m *DiagramModel) DataEdges() []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.Kind == EdgeData {
			out = append(out, e)
		}
	}
	return out
}
