// Package mailer delivers automated case replies back to customers by email.
package mailer

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/zulandar/casewire/internal/config"
)

// Reply is an outbound answer to a customer email.
type Reply struct {
	CaseKey   string
	To        string
	Subject   string // subject of the inbound email
	InReplyTo string // Message-ID of the inbound email
	Body      string
}

// Sender delivers replies.
type Sender interface {
	Send(ctx context.Context, r Reply) error
}

// ReplyAddress is the per-case address customers answer to.
func ReplyAddress(caseKey, domain string) string {
	return caseKey + "@" + domain
}

// ReplySubject prefixes subject with "Re: " unless it already has one.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ChatLink returns the live-chat URL for a case.
func ChatLink(chatURL, caseKey string) string {
	sep := "?"
	if strings.Contains(chatURL, "?") {
		sep = "&"
	}
	return chatURL + sep + "case=" + url.QueryEscape(caseKey)
}

// MailgunOpts holds parameters for NewMailgun.
type MailgunOpts struct {
	Config  config.MailgunConfig
	Domain  string // domain of the reply address
	ChatURL string
	Timeout time.Duration
}

// Mailgun sends replies through the Mailgun messages API.
type Mailgun struct {
	client  *resty.Client
	path    string
	domain  string
	chatURL string
}

// NewMailgun creates a Mailgun sender.
func NewMailgun(opts MailgunOpts) (*Mailgun, error) {
	if opts.Config.Domain == "" {
		return nil, fmt.Errorf("mailer: mailgun domain is required")
	}
	if opts.Config.APIKey == "" {
		return nil, fmt.Errorf("mailer: mailgun api key is required")
	}
	if opts.Domain == "" {
		return nil, fmt.Errorf("mailer: reply domain is required")
	}
	base := opts.Config.BaseURL
	if base == "" {
		base = "https://api.mailgun.net"
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetBasicAuth("api", opts.Config.APIKey).
		SetTimeout(timeout)

	return &Mailgun{
		client:  client,
		path:    "/v3/" + opts.Config.Domain + "/messages",
		domain:  opts.Domain,
		chatURL: opts.ChatURL,
	}, nil
}

// Send implements Sender.
func (m *Mailgun) Send(ctx context.Context, r Reply) error {
	if r.To == "" {
		return fmt.Errorf("mailer: send %s: recipient is required", r.CaseKey)
	}
	form := map[string]string{
		"from":          ReplyAddress(r.CaseKey, m.domain),
		"to":            r.To,
		"h:In-Reply-To": r.InReplyTo,
		"subject":       ReplySubject(r.Subject),
		"text":          r.Body,
		"html":          m.htmlBody(r),
	}

	resp, err := m.client.R().
		SetContext(ctx).
		SetFormData(form).
		Post(m.path)
	if err != nil {
		return fmt.Errorf("mailer: send %s: %w", r.CaseKey, err)
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("mailer: send %s: mailgun returned %d: %s", r.CaseKey, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

func (m *Mailgun) htmlBody(r Reply) string {
	var b strings.Builder
	for _, para := range strings.Split(r.Body, "\n\n") {
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(html.EscapeString(para), "\n", "<br>"))
		b.WriteString("</p>")
	}
	if m.chatURL != "" {
		link := html.EscapeString(ChatLink(m.chatURL, r.CaseKey))
		fmt.Fprintf(&b, `<p>Prefer to chat? <a href="%s">Continue this conversation live</a>.</p>`, link)
	}
	return b.String()
}

// Mock records replies instead of sending them.
type Mock struct {
	mu   sync.Mutex
	sent []Reply
	Err  error
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{}
}

// Send implements Sender.
func (m *Mock) Send(_ context.Context, r Reply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, r)
	return nil
}

// Sent returns a copy of every delivered reply.
func (m *Mock) Sent() []Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Reply, len(m.sent))
	copy(out, m.sent)
	return out
}
