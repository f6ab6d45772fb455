package jobdesc

import (
	"reflect"
	"testing"
)

const sampleContent = `Mission: garantir la satisfaction des clients.

Responsabilités:
- Traiter les réclamations
- Coordonner le support

Objectifs et indicateurs:
- Taux de résolution > 90%

Collaborations:
- Équipe commerciale`

func TestEnsureSectionsDerivesFromContent(t *testing.T) {
	sections, err := EnsureSections(EnsureInput{
		Content:       sampleContent,
		FallbackTitle: "Fiche de poste : Support client",
	})
	if err != nil {
		t.Fatalf("EnsureSections: %v", err)
	}

	if sections.Title != "Fiche de poste : Support client" {
		t.Errorf("title = %q", sections.Title)
	}
	if sections.GeneralDescription != "garantir la satisfaction des clients." {
		t.Errorf("general description = %q", sections.GeneralDescription)
	}
	if want := []string{"Traiter les réclamations", "Coordonner le support"}; !reflect.DeepEqual(sections.Responsibilities, want) {
		t.Errorf("responsibilities = %v", sections.Responsibilities)
	}
	if want := []string{"Taux de résolution > 90%"}; !reflect.DeepEqual(sections.Objectives, want) {
		t.Errorf("objectives = %v", sections.Objectives)
	}
	if want := []string{"Équipe commerciale"}; !reflect.DeepEqual(sections.Collaboration, want) {
		t.Errorf("collaboration = %v", sections.Collaboration)
	}
}

func TestEnsureSectionsPlaceholders(t *testing.T) {
	sections, err := EnsureSections(EnsureInput{Content: ""})
	if err != nil {
		t.Fatalf("EnsureSections on empty content: %v", err)
	}

	if sections.Title != placeholderTitle {
		t.Errorf("title = %q, want placeholder", sections.Title)
	}
	if sections.GeneralDescription != placeholderDescription {
		t.Errorf("description = %q, want placeholder", sections.GeneralDescription)
	}
	for name, list := range map[string][]string{
		"responsibilities": sections.Responsibilities,
		"objectives":       sections.Objectives,
		"collaboration":    sections.Collaboration,
	} {
		if len(list) != 1 {
			t.Errorf("%s should contain exactly the placeholder, got %v", name, list)
		}
	}
}

func TestEnsureSectionsSuppliedWins(t *testing.T) {
	supplied := &Sections{
		Title:            "Fiche fournie",
		Responsibilities: []string{"Déjà structuré"},
	}
	sections, err := EnsureSections(EnsureInput{
		Content:       sampleContent,
		Sections:      supplied,
		FallbackTitle: "Titre de secours",
	})
	if err != nil {
		t.Fatalf("EnsureSections: %v", err)
	}

	if sections.Title != "Fiche fournie" {
		t.Errorf("supplied title should win, got %q", sections.Title)
	}
	if !reflect.DeepEqual(sections.Responsibilities, []string{"Déjà structuré"}) {
		t.Errorf("supplied responsibilities should win, got %v", sections.Responsibilities)
	}
	// Gaps still fill from the derived content.
	if sections.GeneralDescription != "garantir la satisfaction des clients." {
		t.Errorf("derived description should fill the gap, got %q", sections.GeneralDescription)
	}
}

func TestEnsureSectionsTextBeforeHeading(t *testing.T) {
	sections, err := EnsureSections(EnsureInput{Content: "Un poste polyvalent au sein de l'équipe."})
	if err != nil {
		t.Fatalf("EnsureSections: %v", err)
	}
	if sections.GeneralDescription != "Un poste polyvalent au sein de l'équipe." {
		t.Errorf("pre-heading text should feed the description, got %q", sections.GeneralDescription)
	}
}
