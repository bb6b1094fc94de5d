// Package stream serves live build progress over WebSocket by bridging a
// connection onto the progress event bus. Nothing is replayed: a subscriber
// sees a connection acknowledgment and then whatever happens next.
package stream

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"buildloft/internal/db"
	"buildloft/internal/logging"
	"buildloft/internal/metrics"
	"buildloft/internal/progress"
	"buildloft/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// eventBuffer absorbs bursts; a subscriber that cannot drain this many
	// events loses the overflow rather than blocking the pipeline.
	eventBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ProgressHandler upgrades the request and streams the project's events
// until a terminal phase or client disconnect.
func ProgressHandler(bus *progress.Bus, store *db.Database) gin.HandlerFunc {
	log := logging.S().Named("stream")

	return func(c *gin.Context) {
		projectID := c.Param("id")
		project, err := store.GetProject(projectID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load project"})
			return
		}
		if project == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warnw("websocket upgrade", "project", projectID, "error", err)
			return
		}
		defer conn.Close()
		metrics.Get().ProgressSubscribersGauge.Inc()
		defer metrics.Get().ProgressSubscribersGauge.Dec()

		ack := progress.Event{
			ProjectID: projectID,
			Kind:      progress.KindConnected,
			Phase:     string(project.Status),
			Message:   "subscribed to build progress",
			Timestamp: time.Now(),
		}
		if err := writeEvent(conn, ack); err != nil {
			return
		}

		// A project already in a terminal state gets only the ack, which
		// carries the final phase, and a clean close; no history is
		// replayed and no further phase events are sent.
		if project.Status.Terminal() {
			closeStream(conn)
			return
		}

		events := make(chan progress.Event, eventBuffer)
		unsubscribe := bus.Subscribe(projectID, func(e progress.Event) {
			select {
			case events <- e:
			default:
			}
		})
		defer unsubscribe()

		disconnected := make(chan struct{})
		go readPump(conn, disconnected)

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case e := <-events:
				if err := writeEvent(conn, e); err != nil {
					return
				}
				if e.Kind == progress.KindPhase && models.BuildStatus(e.Phase).Terminal() {
					closeStream(conn)
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-disconnected:
				return
			}
		}
	}
}

// readPump discards client frames and signals when the peer goes away.
func readPump(conn *websocket.Conn, disconnected chan<- struct{}) {
	defer close(disconnected)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, e progress.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

func closeStream(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished"))
}
