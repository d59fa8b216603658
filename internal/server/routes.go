package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/casewire/internal/caseactor"
	"github.com/zulandar/casewire/internal/ingress/email"
	"github.com/zulandar/casewire/internal/models"
)

// webhookOverhead is form-encoding slack allowed on top of the raw email
// ceiling before the request body is cut off.
const webhookOverhead = 64 << 10

// registerRoutes sets up all routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts, origins []string) {
	router.GET("/healthz", handleHealth())
	router.GET("/ws", handleWS(opts.Cases, newUpgrader(origins)))

	api := router.Group("/api")
	api.GET("/history", handleHistory(opts.Store))
	api.GET("/cases", handleCases(opts.Store, opts.Cases))

	if opts.Inbound != nil {
		router.POST("/inbound/email", handleInboundEmail(opts.Inbound))
	}
}

func handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type messageJSON struct {
	Sequence  int       `json:"sequence"`
	Role      string    `json:"role"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func handleHistory(store HistoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Query("case"))
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "case is required"})
			return
		}
		msgs, err := store.Load(c.Request.Context(), key)
		if err != nil {
			log.Printf("server: history %s: %v", key, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load history"})
			return
		}
		out := make([]messageJSON, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, messageJSON{
				Sequence:  m.Sequence,
				Role:      m.Role,
				Message:   m.Content,
				CreatedAt: m.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"case": key, "messages": out})
	}
}

type caseJSON struct {
	Key           string    `json:"key"`
	Source        string    `json:"source"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	Messages      int64     `json:"messages"`
	UpdatedAt     time.Time `json:"updated_at"`
	Live          bool      `json:"live"`
	Sessions      int       `json:"sessions"`
	Admins        int       `json:"admins"`
}

func handleCases(store HistoryStore, cases Cases) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		summaries, err := store.ListCases(c.Request.Context(), limit)
		if err != nil {
			log.Printf("server: list cases: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list cases"})
			return
		}
		live := make(map[string]caseactor.Status)
		for _, st := range cases.Statuses(c.Request.Context()) {
			live[st.Key] = st
		}

		out := make([]caseJSON, 0, len(summaries))
		for _, s := range summaries {
			st, ok := live[s.Key]
			out = append(out, caseJSON{
				Key:           s.Key,
				Source:        s.Source,
				CustomerEmail: s.CustomerEmail,
				Subject:       s.Subject,
				Messages:      s.MessageCount,
				UpdatedAt:     s.UpdatedAt,
				Live:          ok,
				Sessions:      st.Sessions,
				Admins:        st.Admins,
			})
		}
		c.JSON(http.StatusOK, gin.H{"cases": out})
	}
}

// handleInboundEmail accepts relay webhooks carrying the full MIME message
// in body-mime. A comma separated recipient list is delivered once per
// address.
func handleInboundEmail(in Inbound) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(in.MaxBytes())*4+webhookOverhead)

		if err := parseForm(c.Request); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form body"})
			return
		}
		sender := c.Request.PostFormValue("sender")
		recipients := c.Request.PostFormValue("recipient")
		raw := c.Request.PostFormValue("body-mime")
		if strings.TrimSpace(recipients) == "" || raw == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipient and body-mime are required"})
			return
		}

		for _, rcpt := range strings.Split(recipients, ",") {
			rcpt = strings.TrimSpace(rcpt)
			if rcpt == "" {
				continue
			}
			err := in.Receive(c.Request.Context(), email.Envelope{
				From: sender,
				To:   rcpt,
				Raw:  []byte(raw),
			})
			if err != nil {
				status, msg := webhookStatus(err)
				if status >= http.StatusInternalServerError {
					log.Printf("server: inbound email to %s: %v", rcpt, err)
				}
				c.JSON(status, gin.H{"error": msg})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

func parseForm(r *http.Request) error {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		return r.ParseMultipartForm(32 << 20)
	}
	return r.ParseForm()
}

// webhookStatus maps an ingress error onto an HTTP status and a message
// for the relay.
func webhookStatus(err error) (int, string) {
	if re, ok := email.IsReject(err); ok {
		switch re.Kind {
		case email.RejectSize:
			return http.StatusRequestEntityTooLarge, re.Message
		case email.RejectRate:
			return http.StatusTooManyRequests, re.Message
		default:
			return http.StatusBadRequest, re.Message
		}
	}
	return http.StatusServiceUnavailable, "temporary failure, retry later"
}

// validRole reports whether role may open a realtime session.
func validRole(role string) bool {
	return role == models.RoleUser || role == models.RoleAdmin
}
