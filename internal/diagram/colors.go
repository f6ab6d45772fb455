package diagram

import (
	"fmt"
	"regexp"
	"strconv"
)

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// DefaultDepartmentColor is substituted when a department carries an invalid
// or missing color.
const DefaultDepartmentColor = "#64748b"

// IsHexColor reports whether value is a strict 6-digit hex color.
func IsHexColor(value string) bool {
	return hexColorPattern.MatchString(value)
}

// ParseHexColor splits a #rrggbb color into its channels. ok is false for
// anything that is not a strict 6-digit hex color.
func ParseHexColor(value string) (r, g, b int, ok bool) {
	if !IsHexColor(value) {
		return 0, 0, 0, false
	}
	rv, _ := strconv.ParseInt(value[1:3], 16, 0)
	gv, _ := strconv.ParseInt(value[3:5], 16, 0)
	bv, _ := strconv.ParseInt(value[5:7], 16, 0)
	return int(rv), int(gv), int(bv), true
}

// FormatRGBA renders an rgba() value for CSS-style Mermaid directives.
func FormatRGBA(r, g, b int, alpha float64) string {
	return fmt.Sprintf("rgba(%d,%d,%d,%.2f)", r, g, b, alpha)
}
