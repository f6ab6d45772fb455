// Package diagram renders process graphs as Mermaid flowchart markup.
package diagram

import (
	"fmt"
	"strings"
)

const (
	labelWidth = 18
	// Cluster fills use a fixed low opacity so the node text stays readable
	// on any department color.
	clusterFillAlpha = 0.18
	clusterTextColor = "#1f2937"
)

// WrapStepLabel word-wraps a node label at labelWidth characters. Words
// longer than the limit are hard-split into fixed-size chunks. Non-empty
// output is guaranteed: blank input falls back to the literal "Step".
func WrapStepLabel(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{"Step"}
	}

	var lines []string
	current := ""
	flush := func() {
		if current != "" {
			lines = append(lines, current)
			current = ""
		}
	}

	for _, word := range words {
		for len(word) > labelWidth {
			flush()
			lines = append(lines, word[:labelWidth])
			word = word[labelWidth:]
		}
		if word == "" {
			continue
		}
		if current == "" {
			current = word
		} else if len(current)+1+len(word) <= labelWidth {
			current += " " + word
		} else {
			flush()
			current = word
		}
	}
	flush()
	return lines
}

// EscapeHTML escapes the characters Mermaid treats as markup. Ampersand goes
// first so already-escaped entities are not double-escaped.
func EscapeHTML(text string) string {
	out := strings.ReplaceAll(text, "&", "&amp;")
	out = strings.ReplaceAll(out, "<", "&lt;")
	out = strings.ReplaceAll(out, ">", "&gt;")
	out = strings.ReplaceAll(out, `"`, "&quot;")
	return out
}

// ClusterStyle emits the style directive for a department subgraph. Invalid
// colors fall back to DefaultDepartmentColor rather than producing broken
// markup.
func ClusterStyle(clusterID, color string) string {
	r, g, b, ok := ParseHexColor(strings.TrimSpace(color))
	stroke := strings.TrimSpace(color)
	if !ok {
		r, g, b, _ = ParseHexColor(DefaultDepartmentColor)
		stroke = DefaultDepartmentColor
	}
	fill := FormatRGBA(r, g, b, clusterFillAlpha)
	return fmt.Sprintf("style %s fill:%s,stroke:%s,color:%s", clusterID, fill, stroke, clusterTextColor)
}
