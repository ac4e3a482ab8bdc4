package allocator

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// formatBytes renders a byte count with locale-aware digit grouping
// (e.g. "1,048,576"), the same printer package the domain stack adopts for
// any other operator-facing count in this module.
func formatBytes(n uint64) string {
	return printer.Sprintf("%d", n)
}
