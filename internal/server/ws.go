package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/zulandar/casewire/internal/caseactor"
	"github.com/zulandar/casewire/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxFrameBytes  = 64 << 10
	sessionTimeout = 2 * time.Minute
)

// pongWait is how long the peer may stay silent. Pings go out at 90% of it.
var pongWait = 60 * time.Second

func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originAllowed(origins),
	}
}

// originAllowed matches the Origin header against the configured CORS
// origins. Requests without an Origin header are not from a browser and
// are allowed.
func originAllowed(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(origins, "*") {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		for _, o := range origins {
			if strings.EqualFold(o, origin) || strings.EqualFold(o, u.Host) {
				return true
			}
		}
		return false
	}
}

// handleWS opens a realtime session on ?case=<key> with the optional
// ?role=user|admin. The session is attached before the upgrade so that
// the full history is queued ahead of any live frame.
func handleWS(cases Cases, upgrader *websocket.Upgrader) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !websocket.IsWebSocketUpgrade(c.Request) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected a websocket upgrade"})
			return
		}
		key := strings.TrimSpace(c.Query("case"))
		if key == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "case is required"})
			return
		}
		role := c.DefaultQuery("role", models.RoleUser)
		if !validRole(role) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "role must be user or admin"})
			return
		}

		s, err := cases.Attach(c.Request.Context(), key, role)
		if err != nil {
			log.Printf("server: attach %s: %v", key, err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "case unavailable"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the error response.
			closeSession(s)
			return
		}
		serveSession(conn, s)
	}
}

// serveSession pumps frames between conn and s until either side goes
// away. Only the writer goroutine writes to conn.
func serveSession(conn *websocket.Conn, s *caseactor.Session) {
	defer conn.Close()
	writerDone := make(chan struct{})
	go writeFrames(conn, s, writerDone)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("server: %s: session %s read: %v", s.CaseKey(), s.ID, err)
			}
			break
		}
		var f caseactor.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("server: %s: session %s sent invalid json", s.CaseKey(), s.ID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), sessionTimeout)
		err = s.Send(ctx, f)
		cancel()
		// Pongs are only processed while reading, and a turn can outlast
		// pongWait, so the deadline restarts once the actor has answered.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		switch {
		case err == nil:
		case errors.Is(err, caseactor.ErrMalformedFrame), errors.Is(err, caseactor.ErrReplyFailed):
			// The frame is dropped; a reply failure has already been
			// announced to the viewers.
			log.Printf("server: %s: session %s: %v", s.CaseKey(), s.ID, err)
		default:
			log.Printf("server: %s: session %s closing: %v", s.CaseKey(), s.ID, err)
			closeSession(s)
			<-writerDone
			return
		}
	}

	closeSession(s)
	select {
	case <-writerDone:
	case <-time.After(writeWait):
	}
}

// writeFrames streams outbound frames and keepalive pings. When the actor
// closes the frame stream the socket is closed, which also ends the reader.
func writeFrames(conn *websocket.Conn, s *caseactor.Session, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-s.Frames():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				conn.Close()
				drain(s)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				drain(s)
				return
			}
		}
	}
}

// drain discards frames until the stream is closed by a detach so the
// actor never sees a full buffer from a dead socket.
func drain(s *caseactor.Session) {
	for range s.Frames() {
	}
}

func closeSession(s *caseactor.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err := s.Close(ctx)
	if err != nil && !errors.Is(err, caseactor.ErrUnknownSession) && !errors.Is(err, caseactor.ErrActorRetired) {
		log.Printf("server: %s: detach %s: %v", s.CaseKey(), s.ID, err)
	}
}
