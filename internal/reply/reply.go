// Package reply isolates the newest human-authored text of an email body,
// discarding quoted or forwarded history below it.
package reply

import (
	"regexp"
	"strings"
)

// quotePatterns mark the start of quoted history. Every pattern is anchored
// at a line start and tolerates trailing blanks so that extraction is
// idempotent after trimming.
var quotePatterns = []*regexp.Regexp{
	// "> quoted text"
	regexp.MustCompile(`(?m)^[ \t]*>`),
	// "On Mon, Jan 1, 2024 at 9:00 AM Jane wrote:"
	regexp.MustCompile(`(?m)^[ \t]*On\b.*wrote:[ \t]*\r?$`),
	// "Jane Doe <jane@example.com> wrote:"
	regexp.MustCompile(`(?m)^.*<[^>\n]+>.*wrote:[ \t]*\r?$`),
	// "----- Original Message -----"
	regexp.MustCompile(`(?m)^[ \t]*-{2,}.*Original Message.*-{2,}`),
	// Outlook header block collapsed onto one line.
	regexp.MustCompile(`(?m)^[ \t]*From:.*Sent:.*To:.*Subject:`),
	// Outlook header block, one field per line.
	regexp.MustCompile(`(?m)^[ \t]*From:[^\n]*\n[ \t]*Sent:[^\n]*\n[ \t]*To:[^\n]*\n(?:[ \t]*Cc:[^\n]*\n)?[ \t]*Subject:`),
}

// ExtractLatestReply returns text truncated at the earliest quote boundary,
// trimmed of surrounding whitespace. Text without a boundary is returned
// trimmed.
func ExtractLatestReply(text string) string {
	text = strings.TrimSpace(text)
	cut := len(text)
	for _, re := range quotePatterns {
		if loc := re.FindStringIndex(text); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	return strings.TrimSpace(text[:cut])
}
