package telegraph

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Color constants for event severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Case event kinds.
const (
	EventCaseOpened  = "case_opened"
	EventReplyFailed = "reply_failed"
)

// maxExcerpt bounds the customer text quoted in a notification.
const maxExcerpt = 280

// CaseEvent is something operators may want to react to.
type CaseEvent struct {
	Kind     string
	CaseKey  string
	Source   string // "email" or "realtime"
	Customer string // sender address, if known
	Subject  string
	Excerpt  string // latest customer text
	Detail   string // error text for failures
}

// severityColor maps a severity string to a sidebar color.
func severityColor(severity string) string {
	switch severity {
	case "success":
		return ColorSuccess
	case "info":
		return ColorInfo
	case "warning":
		return ColorWarning
	case "error":
		return ColorError
	default:
		return ColorInfo
	}
}

// eventSeverity returns the severity for a case event kind.
func eventSeverity(kind string) string {
	switch kind {
	case EventCaseOpened:
		return "info"
	case EventReplyFailed:
		return "error"
	default:
		return "info"
	}
}

// AdminLink returns the admin realtime view for a case.
func AdminLink(chatURL, caseKey string) string {
	if chatURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(chatURL, "?") {
		sep = "&"
	}
	return chatURL + sep + "case=" + url.QueryEscape(caseKey) + "&role=admin"
}

// FormatCaseEvent formats a case event for chat.
func FormatCaseEvent(event CaseEvent, chatURL string) FormattedEvent {
	severity := eventSeverity(event.Kind)

	var title string
	switch event.Kind {
	case EventCaseOpened:
		title = fmt.Sprintf("New case %s", event.CaseKey)
	case EventReplyFailed:
		title = fmt.Sprintf("Automated reply failed on %s", event.CaseKey)
	default:
		title = fmt.Sprintf("Case %s: %s", event.CaseKey, event.Kind)
	}

	var bodyParts []string
	if event.Subject != "" {
		bodyParts = append(bodyParts, event.Subject)
	}
	if event.Excerpt != "" {
		bodyParts = append(bodyParts, "> "+truncate(event.Excerpt, maxExcerpt))
	}
	if event.Detail != "" {
		bodyParts = append(bodyParts, event.Detail)
	}

	fields := []Field{
		{Name: "Case", Value: event.CaseKey, Short: true},
	}
	if event.Source != "" {
		fields = append(fields, Field{Name: "Source", Value: event.Source, Short: true})
	}
	if event.Customer != "" {
		fields = append(fields, Field{Name: "Customer", Value: event.Customer, Short: true})
	}

	return FormattedEvent{
		Title:    title,
		Body:     strings.Join(bodyParts, "\n"),
		Severity: severity,
		Color:    severityColor(severity),
		URL:      AdminLink(chatURL, event.CaseKey),
		Footer:   footer(event),
		Fields:   fields,
	}
}

// footer names where the case came from, e.g. "casewire email".
func footer(event CaseEvent) string {
	if event.Source == "" {
		return "casewire"
	}
	return "casewire " + event.Source
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
