package diagram

import (
	"fmt"
	"strings"

	"procmap/api/internal/process"
)

// BuildFlowchart renders a full Mermaid flowchart for one process. Steps with
// a resolved department are grouped into a styled subgraph cluster per
// department; unassigned steps sit at the top level. Decision branches carry
// Yes/No edge labels. Output is deterministic for a given input.
func BuildFlowchart(steps []process.Step, departments []process.Department) string {
	normalized := process.CloneSteps(steps)

	deptName := make(map[string]string, len(departments))
	deptColor := make(map[string]string, len(departments))
	for _, dept := range departments {
		deptName[dept.ID] = dept.Name
		deptColor[dept.ID] = dept.Color
	}

	// Preserve first-appearance order of departments in the step list.
	var clusterOrder []string
	clustered := make(map[string][]process.Step)
	var unassigned []process.Step
	for _, step := range normalized {
		if step.DepartmentID != nil {
			id := *step.DepartmentID
			if _, seen := clustered[id]; !seen {
				clusterOrder = append(clusterOrder, id)
			}
			clustered[id] = append(clustered[id], step)
			continue
		}
		unassigned = append(unassigned, step)
	}

	var sb strings.Builder
	sb.WriteString("flowchart TD\n")

	for i, deptID := range clusterOrder {
		clusterID := fmt.Sprintf("cluster%d", i)
		name := deptName[deptID]
		if name == "" {
			name = "Department"
		}
		fmt.Fprintf(&sb, "  subgraph %s[\"%s\"]\n", clusterID, EscapeHTML(name))
		for _, step := range clustered[deptID] {
			sb.WriteString("    " + nodeDeclaration(step) + "\n")
		}
		sb.WriteString("  end\n")
	}
	for _, step := range unassigned {
		sb.WriteString("  " + nodeDeclaration(step) + "\n")
	}

	for _, step := range normalized {
		for _, edge := range edgeDeclarations(step) {
			sb.WriteString("  " + edge + "\n")
		}
	}

	for i, deptID := range clusterOrder {
		sb.WriteString("  " + ClusterStyle(fmt.Sprintf("cluster%d", i), deptColor[deptID]) + "\n")
	}

	return sb.String()
}

func nodeDeclaration(step process.Step) string {
	label := strings.Join(wrapEscaped(step.Label), "<br/>")
	switch step.Type {
	case process.StepStart, process.StepFinish:
		return fmt.Sprintf("%s([\"%s\"])", step.ID, label)
	case process.StepDecision:
		return fmt.Sprintf("%s{\"%s\"}", step.ID, label)
	default:
		return fmt.Sprintf("%s[\"%s\"]", step.ID, label)
	}
}

func wrapEscaped(label string) []string {
	lines := WrapStepLabel(label)
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = EscapeHTML(line)
	}
	return out
}

func edgeDeclarations(step process.Step) []string {
	var edges []string
	if step.Type == process.StepDecision {
		if step.YesTargetID != nil {
			edges = append(edges, fmt.Sprintf("%s -->|Yes| %s", step.ID, *step.YesTargetID))
		}
		if step.NoTargetID != nil {
			edges = append(edges, fmt.Sprintf("%s -->|No| %s", step.ID, *step.NoTargetID))
		}
		return edges
	}
	if step.YesTargetID != nil {
		edges = append(edges, fmt.Sprintf("%s --> %s", step.ID, *step.YesTargetID))
	}
	return edges
}
