package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/emersion/go-smtp"
)

// SMTP status replies for refused and failed deliveries.
var (
	errSMTPTooLarge = func(msg string) *smtp.SMTPError {
		return &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: msg}
	}
	errSMTPRateLimited = func(msg string) *smtp.SMTPError {
		return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 7, 1}, Message: msg}
	}
	errSMTPMalformed = func(msg string) *smtp.SMTPError {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 6, 0}, Message: msg}
	}
	errSMTPTemporary = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// smtpError maps an Ingress error onto an SMTP reply.
func smtpError(err error) error {
	if err == nil {
		return nil
	}
	if re, ok := IsReject(err); ok {
		switch re.Kind {
		case RejectSize:
			return errSMTPTooLarge(re.Message)
		case RejectRate:
			return errSMTPRateLimited(re.Message)
		default:
			return errSMTPMalformed(re.Message)
		}
	}
	return errSMTPTemporary
}

// Backend implements smtp.Backend over an Ingress.
type Backend struct {
	ingress *Ingress
	timeout time.Duration
}

// NewBackend creates an SMTP backend. timeout bounds the processing of
// one message, including the automated reply.
func NewBackend(in *Ingress, timeout time.Duration) *Backend {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Backend{ingress: in, timeout: timeout}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend *Backend
	from    string
	rcpts   []string
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	if opts != nil && opts.Size > 0 {
		if err := s.backend.ingress.CheckSize(opts.Size); err != nil {
			return smtpError(err)
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	limit := int64(s.backend.ingress.MaxBytes())
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return fmt.Errorf("email: read data: %w", err)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("email: read data: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()

	for _, rcpt := range s.rcpts {
		err := s.backend.ingress.Receive(ctx, Envelope{
			From: s.from,
			To:   rcpt,
			Raw:  bytes.Clone(raw),
		})
		if err != nil {
			if _, ok := IsReject(err); !ok {
				log.Printf("email: smtp delivery to %s: %v", rcpt, err)
			}
			return smtpError(err)
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

// ServerOpts holds parameters for NewServer.
type ServerOpts struct {
	Addr     string
	Hostname string
	Timeout  time.Duration
}

// NewServer builds an SMTP server feeding in. The protocol-level size cap
// is set above the ingress ceiling so oversized messages get the
// explanatory refusal instead of a bare protocol error.
func NewServer(in *Ingress, opts ServerOpts) *smtp.Server {
	srv := smtp.NewServer(NewBackend(in, opts.Timeout))
	srv.Addr = opts.Addr
	srv.Domain = opts.Hostname
	srv.MaxMessageBytes = int64(in.MaxBytes()) * 4
	srv.MaxRecipients = 20
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.AllowInsecureAuth = true
	return srv
}
