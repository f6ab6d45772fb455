// Package jobdesc parses free-text job description content into structured
// sections and reconciles it with sections supplied by the LLM backend.
package jobdesc

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// BlockKind tags the variants of a parsed content block.
type BlockKind string

const (
	BlockHeading   BlockKind = "heading"
	BlockParagraph BlockKind = "paragraph"
	BlockList      BlockKind = "list"
)

// Block is one parsed unit of job description text. Text is set for heading
// and paragraph blocks, Items for list blocks.
type Block struct {
	Kind  BlockKind
	Text  string
	Items []string
}

// Heading labels are matched by prefix after diacritic folding, so both
// "Responsabilités" and "responsabilites" classify the same way.
var headingTokens = []string{
	"mission",
	"responsabilite",
	"responsibilit",
	"indicateur",
	"objectif",
	"collaboration",
	"profil",
	"contexte",
	"competence",
}

var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldLabel lowercases and strips diacritics for heading comparison.
func foldLabel(label string) string {
	folded, _, err := transform.String(diacriticFolder, label)
	if err != nil {
		folded = label
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

func isHeadingLabel(label string) bool {
	folded := foldLabel(label)
	for _, token := range headingTokens {
		if strings.HasPrefix(folded, token) {
			return true
		}
	}
	return false
}

// ParseContent scans text line by line and returns heading, paragraph and
// list blocks. Blank lines flush the accumulated paragraph then list buffer;
// "- " and "• " prefixes feed the list buffer; "Label: rest" lines with a
// recognized label become headings, with the rest-text seeding the next
// paragraph. Parsing never fails.
func ParseContent(text string) []Block {
	var blocks []Block
	var paragraph []string
	var list []string

	flushParagraph := func() {
		if len(paragraph) > 0 {
			blocks = append(blocks, Block{Kind: BlockParagraph, Text: strings.Join(paragraph, " ")})
			paragraph = nil
		}
	}
	flushList := func() {
		if len(list) > 0 {
			items := make([]string, len(list))
			copy(items, list)
			blocks = append(blocks, Block{Kind: BlockList, Items: items})
			list = nil
		}
	}

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			flushParagraph()
			flushList()
			continue
		}

		if item, ok := listItem(line); ok {
			flushParagraph()
			list = append(list, item)
			continue
		}

		if label, rest, ok := headingLine(line); ok {
			flushParagraph()
			flushList()
			blocks = append(blocks, Block{Kind: BlockHeading, Text: label})
			if rest != "" {
				paragraph = append(paragraph, rest)
			}
			continue
		}

		paragraph = append(paragraph, line)
	}

	flushParagraph()
	flushList()
	return blocks
}

func listItem(line string) (string, bool) {
	for _, prefix := range []string{"- ", "• "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

func headingLine(line string) (label, rest string, ok bool) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return "", "", false
	}
	label = strings.TrimSpace(line[:idx])
	if !isHeadingLabel(label) {
		return "", "", false
	}
	return label, strings.TrimSpace(line[idx+1:]), true
}
