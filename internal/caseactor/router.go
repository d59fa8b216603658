package caseactor

import (
	"strings"

	"github.com/google/uuid"
)

// DefaultSupportMailbox is the local part that opens new cases.
const DefaultSupportMailbox = "support"

// Router maps email addressees to case keys.
type Router struct {
	supportMailbox string
}

// NewRouter creates a Router. An empty mailbox means DefaultSupportMailbox.
func NewRouter(supportMailbox string) *Router {
	if supportMailbox == "" {
		supportMailbox = DefaultSupportMailbox
	}
	return &Router{supportMailbox: supportMailbox}
}

// Resolve returns the case key for an addressee local part. Mail to the
// support mailbox opens a new case with a freshly minted key; any other
// addressee is an existing case key used as is.
func (r *Router) Resolve(addressee string) string {
	if strings.EqualFold(addressee, r.supportMailbox) {
		return "case-" + uuid.NewString()
	}
	return addressee
}

// LocalPart returns the part of an address before the last "@", with any
// display name and angle brackets removed.
func LocalPart(address string) string {
	addr := strings.TrimSpace(address)
	if i := strings.LastIndex(addr, "<"); i >= 0 {
		addr = addr[i+1:]
		if j := strings.Index(addr, ">"); j >= 0 {
			addr = addr[:j]
		}
	}
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		addr = addr[:i]
	}
	return strings.TrimSpace(addr)
}
