package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "success":
		return "[OK]"
	case "failure":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as a vertical chain of boxes. Each box
// lists the variables the step uses and extracts.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", model.Title))
	}

	producer := make(map[string]string)
	for _, e := range model.DataEdges() {
		producer[e.To+"\x00"+e.Label] = e.From
	}
	labels := make(map[string]string, len(model.Nodes))
	for _, n := range model.Nodes {
		labels[n.ID] = n.Label
	}

	for i, node := range model.Nodes {
		box := makeBox(node, producer, labels)
		for _, line := range box {
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	return b.String()
}

// makeBox creates the lines of an ASCII box for a node.
func makeBox(node *Node, producer, labels map[string]string) []string {
	contentLines := []string{firstLine(node.Label)}
	if node.Request != "" {
		contentLines = append(contentLines, node.Request)
	}
	for _, name := range node.Uses {
		line := "uses {{" + name + "}}"
		if from, ok := producer[node.ID+"\x00"+name]; ok {
			line += " from " + labels[from]
		} else {
			line += " (unresolved)"
		}
		contentLines = append(contentLines, line)
	}
	for _, name := range node.Produces {
		contentLines = append(contentLines, "sets "+name)
	}
	if node.Status != nil {
		status := statusTag(node.Status.Status)
		if node.Status.HTTPStatus > 0 {
			status = strings.TrimSpace(fmt.Sprintf("%s %d", status, node.Status.HTTPStatus))
		}
		if node.Status.DurationMs > 0 {
			status += fmt.Sprintf(" %dms", node.Status.DurationMs)
		}
		if status != "" {
			contentLines = append(contentLines, status)
		}
	}

	maxLen := 0
	for _, line := range contentLines {
		maxLen = max(maxLen, utf8.RuneCountInString(line))
	}
	width := maxLen + 4 // 2 border + 2 padding

	lines := make([]string, 0, len(contentLines)+2)
	lines = append(lines, "┌"+strings.Repeat("─", width-2)+"┐")
	for _, content := range contentLines {
		padded := content + strings.Repeat(" ", maxLen-utf8.RuneCountInString(content))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return lines
}

// firstLine returns only the first line of a multi-line label.
func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
