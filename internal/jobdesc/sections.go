package jobdesc

import (
	"errors"
	"strings"
)

// SectionKind buckets a heading into one of the structured sections.
type SectionKind string

const (
	SectionMission          SectionKind = "mission"
	SectionResponsibilities SectionKind = "responsibilities"
	SectionObjectives       SectionKind = "objectives"
	SectionCollaboration    SectionKind = "collaboration"
	SectionOther            SectionKind = "other"
)

// Classification is an ordered rule list; an ambiguous heading matching
// several rules takes the first one.
var headingRules = []struct {
	substr  string
	section SectionKind
}{
	{"mission", SectionMission},
	{"responsab", SectionResponsibilities},
	{"objectif", SectionObjectives},
	{"indicateur", SectionObjectives},
	{"collabor", SectionCollaboration},
}

// ClassifyHeading maps a heading label to its section bucket. Unrecognized
// headings classify as SectionOther and are dropped from the derived output.
func ClassifyHeading(label string) SectionKind {
	folded := foldLabel(label)
	for _, rule := range headingRules {
		if strings.Contains(folded, rule.substr) {
			return rule.section
		}
	}
	return SectionOther
}

// Sections is the structured job description shape served to clients. The
// slices are always non-empty after EnsureSections.
type Sections struct {
	Title              string   `json:"title"`
	GeneralDescription string   `json:"generalDescription"`
	Responsibilities   []string `json:"responsibilities"`
	Objectives         []string `json:"objectives"`
	Collaboration      []string `json:"collaboration"`
}

// EnsureInput carries the raw content plus any structured sections the LLM
// response already supplied.
type EnsureInput struct {
	Content       string
	Sections      *Sections
	FallbackTitle string
}

// Placeholder strings substituted when neither the supplied sections nor the
// parsed content yield anything for a bucket.
const (
	placeholderTitle            = "Fiche de poste"
	placeholderDescription      = "Description générale à compléter."
	placeholderResponsibilities = "Responsabilités à préciser."
	placeholderObjectives       = "Objectifs et indicateurs à définir."
	placeholderCollaboration    = "Collaborations à identifier."
)

var errSectionsInvalid = errors.New("job description sections failed validation")

// EnsureSections reconciles supplied structured sections with sections
// derived from the raw content. Supplied values win when non-empty; derived
// values fill the gaps; placeholders guarantee every list validates as
// non-empty. A returned error indicates a reconciliation defect, not bad
// user input.
func EnsureSections(input EnsureInput) (Sections, error) {
	derived := deriveSections(input.Content)

	out := Sections{}
	supplied := input.Sections
	if supplied != nil {
		out = *supplied
	}

	out.Title = firstNonBlank(out.Title, input.FallbackTitle, derived.Title, placeholderTitle)
	out.GeneralDescription = firstNonBlank(out.GeneralDescription, derived.GeneralDescription, placeholderDescription)
	out.Responsibilities = firstNonEmpty(out.Responsibilities, derived.Responsibilities, placeholderResponsibilities)
	out.Objectives = firstNonEmpty(out.Objectives, derived.Objectives, placeholderObjectives)
	out.Collaboration = firstNonEmpty(out.Collaboration, derived.Collaboration, placeholderCollaboration)

	if err := validateSections(out); err != nil {
		return Sections{}, err
	}
	return out, nil
}

// deriveSections buckets parsed blocks under their most recent heading. Text
// before any heading contributes to the general description; list items under
// an unrecognized heading are dropped.
func deriveSections(content string) Sections {
	blocks := ParseContent(content)

	out := Sections{}
	current := SectionMission
	sawHeading := false

	appendText := func(section SectionKind, text string) {
		switch section {
		case SectionMission:
			if out.GeneralDescription == "" {
				out.GeneralDescription = text
			} else {
				out.GeneralDescription += " " + text
			}
		case SectionResponsibilities:
			out.Responsibilities = append(out.Responsibilities, text)
		case SectionObjectives:
			out.Objectives = append(out.Objectives, text)
		case SectionCollaboration:
			out.Collaboration = append(out.Collaboration, text)
		}
	}

	for _, block := range blocks {
		switch block.Kind {
		case BlockHeading:
			current = ClassifyHeading(block.Text)
			if !sawHeading && out.Title == "" && current == SectionOther {
				out.Title = block.Text
			}
			sawHeading = true
		case BlockParagraph:
			appendText(current, block.Text)
		case BlockList:
			for _, item := range block.Items {
				appendText(current, item)
			}
		}
	}
	return out
}

func validateSections(s Sections) error {
	if strings.TrimSpace(s.Title) == "" || strings.TrimSpace(s.GeneralDescription) == "" {
		return errSectionsInvalid
	}
	for _, list := range [][]string{s.Responsibilities, s.Objectives, s.Collaboration} {
		if len(list) == 0 {
			return errSectionsInvalid
		}
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func firstNonEmpty(supplied, derived []string, placeholder string) []string {
	if len(supplied) > 0 {
		return supplied
	}
	if len(derived) > 0 {
		return derived
	}
	return []string{placeholder}
}
