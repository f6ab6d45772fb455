package jobdesc

import (
	"fmt"
	"strings"
)

// PromptContext carries everything the prompt builder serializes for the
// chat-completion call.
type PromptContext struct {
	RoleName        string
	DepartmentName  string
	OrganizationName string
	ProcessSummaries []string
	DirectRoles      []string
	DirectDepartments []string
}

const promptInstructions = `Tu rédiges une fiche de poste en français, structurée avec les sections suivantes :
Mission: …
Responsabilités:
- …
Objectifs et indicateurs:
- …
Collaborations:
- …
Réponds uniquement avec le texte de la fiche, sans commentaire.`

// BuildPrompt concatenates the instruction block with the serialized role
// context. Sections absent from the context are simply omitted from the
// prompt rather than rendered empty.
func BuildPrompt(ctx PromptContext) string {
	var sb strings.Builder
	sb.WriteString(promptInstructions)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "Poste : %s\n", ctx.RoleName)
	if ctx.DepartmentName != "" {
		fmt.Fprintf(&sb, "Département : %s\n", ctx.DepartmentName)
	}
	if ctx.OrganizationName != "" {
		fmt.Fprintf(&sb, "Organisation : %s\n", ctx.OrganizationName)
	}

	if len(ctx.ProcessSummaries) > 0 {
		sb.WriteString("\nProcessus impliquant ce poste :\n")
		for _, summary := range ctx.ProcessSummaries {
			fmt.Fprintf(&sb, "- %s\n", summary)
		}
	}
	if len(ctx.DirectRoles) > 0 {
		fmt.Fprintf(&sb, "\nPostes en interaction directe : %s\n", strings.Join(ctx.DirectRoles, ", "))
	}
	if len(ctx.DirectDepartments) > 0 {
		fmt.Fprintf(&sb, "Départements en interaction directe : %s\n", strings.Join(ctx.DirectDepartments, ", "))
	}

	return sb.String()
}
