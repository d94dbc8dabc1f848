// Package results normalizes predicted SQL and writes prediction files and
// run manifests to local disk or object storage.
package results

import "strings"

// Normalize trims raw model output and folds it onto one line: line breaks
// and tabs become spaces and runs of spaces collapse to one.
func Normalize(raw string) string {
	replacer := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ", "\t", " ")
	folded := replacer.Replace(strings.TrimSpace(raw))

	var b strings.Builder
	b.Grow(len(folded))
	previousSpace := false
	for _, r := range folded {
		if r == ' ' {
			if previousSpace {
				continue
			}
			previousSpace = true
		} else {
			previousSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
