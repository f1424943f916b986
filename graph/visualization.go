package graph

import (
	"fmt"
	"strings"
)

// Mermaid renders the graph as a Mermaid flowchart for debugging and
// documentation. Tasks render with their title (or name, or type) and
// status; edges are labelled with the source and target port names.
func (g *TaskGraph) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	for _, t := range g.Tasks() {
		label := t.config.Title
		if label == "" {
			label = t.config.Name
		}
		if label == "" {
			label = t.Type()
		}
		sb.WriteString(fmt.Sprintf("    %s[\"%s (%s)\"]\n",
			mermaidID(t.ID()), escapeMermaid(label), t.Status()))
	}

	for _, f := range g.Dataflows() {
		sb.WriteString(fmt.Sprintf("    %s -->|%s → %s| %s\n",
			mermaidID(f.SourceTaskID), escapeMermaid(f.SourcePort),
			escapeMermaid(f.TargetPort), mermaidID(f.TargetTaskID)))
	}
	return sb.String()
}

// mermaidID keeps node ids alphanumeric.
func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func escapeMermaid(s string) string {
	s = strings.ReplaceAll(s, "\"", "'")
	s = strings.ReplaceAll(s, "|", "/")
	return s
}
