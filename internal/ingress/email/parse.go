package email

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/jhillyerd/enmime"
)

// Parsed is the part of an inbound email the case needs.
type Parsed struct {
	From      string // header From address
	Subject   string
	MessageID string
	Text      string // plain text body, converted from HTML when absent
}

// Parse decodes raw RFC 5322 bytes.
func Parse(raw []byte) (*Parsed, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("email: parse: %w", err)
	}

	p := &Parsed{
		Subject:   env.GetHeader("Subject"),
		MessageID: strings.TrimSpace(env.GetHeader("Message-ID")),
		Text:      env.Text,
	}
	if from := env.GetHeader("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			p.From = addr.Address
		} else {
			p.From = strings.TrimSpace(from)
		}
	}
	return p, nil
}
