// Package textnorm cleans inbound chat text before it is sent for
// interpretation.
package textnorm

import (
	"html"
	"strings"
)

// mojibakeApostrophe is U+2019 encoded as UTF-8 and then mis-decoded as
// Windows-1252 upstream.
const mojibakeApostrophe = "â€™"

var apostrophes = strings.NewReplacer(
	mojibakeApostrophe, "'",
	"’", "'",
)

// Normalize decodes markup character entities and replaces right single
// quotation marks, including the mis-decoded sequence, with a plain apostrophe.
func Normalize(raw string) string {
	return apostrophes.Replace(html.UnescapeString(raw))
}
