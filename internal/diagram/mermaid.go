package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart string.
// Execution order is drawn with solid arrows, variable flow with dotted
// arrows labelled by variable name.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))
	}

	for _, edge := range model.Edges {
		from, to := mermaidSafeID(edge.From), mermaidSafeID(edge.To)
		switch edge.Kind {
		case EdgeData:
			b.WriteString(fmt.Sprintf("    %s -.->|%s| %s\n", from, mermaidEscapeLabel(edge.Label), to))
		default:
			b.WriteString(fmt.Sprintf("    %s --> %s\n", from, to))
		}
	}

	b.WriteString("\n")
	b.WriteString("    classDef success fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failure fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			b.WriteString(fmt.Sprintf("    class %s %s\n", mermaidSafeID(node.ID), cls))
		}
	}

	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(node.Label)

	switch node.Kind {
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf(`%s(("%s"))`, id, label)
	default:
		if node.Request != "" {
			label += "<br/>" + mermaidEscapeLabel(node.Request)
		}
		if node.Status != nil && node.Status.HTTPStatus > 0 {
			label += fmt.Sprintf("<br/>%d", node.Status.HTTPStatus)
		}
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

// mermaidSafeID converts a node ID to a Mermaid-safe identifier.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

// mermaidEscapeLabel escapes characters Mermaid treats as syntax inside labels.
func mermaidEscapeLabel(s string) string {
	r := strings.NewReplacer(`"`, "#quot;", "{", "#123;", "}", "#125;", "|", "#124;")
	return r.Replace(firstLine(s))
}

// mermaidStatusClass maps a step status to a Mermaid class name.
func mermaidStatusClass(status string) string {
	switch status {
	case "success", "failure", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
