package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"buildloft/internal/db"
	"buildloft/internal/progress"
	"buildloft/pkg/models"
)

func newStreamServer(t *testing.T, status models.BuildStatus) (*httptest.Server, *db.Database, *progress.Bus, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.NewForTest()
	if err != nil {
		t.Fatalf("test database: %v", err)
	}
	project := &models.BuildProject{
		ID:          uuid.New().String(),
		Description: "demo",
		ProjectType: models.TypeWebApp,
		Status:      status,
	}
	if err := database.CreateProject(project); err != nil {
		t.Fatalf("create project: %v", err)
	}

	bus := progress.NewBus()
	router := gin.New()
	router.GET("/api/v1/builds/:id/stream", ProgressHandler(bus, database))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, database, bus, project.ID
}

func dial(t *testing.T, srv *httptest.Server, projectID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/builds/" + projectID + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) progress.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e progress.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return e
}

func TestStreamSendsConnectedAck(t *testing.T) {
	srv, _, _, projectID := newStreamServer(t, models.StatusBuilding)
	conn := dial(t, srv, projectID)

	ack := readEvent(t, conn)
	if ack.Kind != progress.KindConnected {
		t.Fatalf("first event kind = %s, want connected", ack.Kind)
	}
	if ack.Phase != "building" {
		t.Fatalf("ack phase = %s", ack.Phase)
	}
}

func TestStreamBridgesBusEvents(t *testing.T) {
	srv, _, bus, projectID := newStreamServer(t, models.StatusBuilding)
	conn := dial(t, srv, projectID)
	readEvent(t, conn) // ack

	// The subscription attaches inside the handler; give it a beat.
	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount(projectID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(progress.Event{ProjectID: projectID, Kind: progress.KindPhase, Phase: "testing", Message: "verifying"})
	e := readEvent(t, conn)
	if e.Kind != progress.KindPhase || e.Phase != "testing" {
		t.Fatalf("event = %+v", e)
	}
}

func TestStreamEndsOnTerminalEvent(t *testing.T) {
	srv, _, bus, projectID := newStreamServer(t, models.StatusBuilding)
	conn := dial(t, srv, projectID)
	readEvent(t, conn) // ack

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount(projectID) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	bus.Publish(progress.Event{ProjectID: projectID, Kind: progress.KindPhase, Phase: "complete", Message: "done"})
	e := readEvent(t, conn)
	if e.Phase != "complete" {
		t.Fatalf("event = %+v", e)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestStreamLateSubscriberToTerminalProject(t *testing.T) {
	srv, _, _, projectID := newStreamServer(t, models.StatusComplete)
	conn := dial(t, srv, projectID)

	ack := readEvent(t, conn)
	if ack.Kind != progress.KindConnected {
		t.Fatalf("first event kind = %s", ack.Kind)
	}
	if ack.Phase != "complete" {
		t.Fatalf("ack phase = %s, want the terminal status", ack.Phase)
	}

	// No phase events follow the ack; the very next frame is the close.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close right after the ack, got %v", err)
	}
}

func TestStreamUnknownProject(t *testing.T) {
	srv, _, _, _ := newStreamServer(t, models.StatusBuilding)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/builds/" + uuid.New().String() + "/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial should fail for an unknown project")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("status = %v", resp)
	}
}
