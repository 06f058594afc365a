package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestServer upgrades every request into a hub client subscribed to topics.
func newTestServer(t *testing.T, hub *Hub, topics []string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, err := NewClient(hub, w, r, topics, zap.NewNop())
		if err != nil {
			return
		}
		client.Run()
	}))
	t.Cleanup(server.Close)
	return server
}

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func waitConnected(t *testing.T, hub *Hub, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == want },
		2*time.Second, 5*time.Millisecond)
}

func TestPublishReachesSubscribedClient(t *testing.T) {
	hub := startHub(t)
	server := newTestServer(t, hub, []string{TopicTasks})

	conn := dial(t, server)
	waitConnected(t, hub, 1)

	hub.Publish(TopicTasks, Message{
		Type:    MsgTaskStatus,
		Topic:   TopicTasks,
		Payload: map[string]any{"task_id": "task_1", "status": "done"},
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MsgTaskStatus, msg.Type)
	assert.Equal(t, TopicTasks, msg.Topic)

	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "done", payload["status"])
}

func TestPublishRoutesByTopic(t *testing.T) {
	hub := startHub(t)
	server := newTestServer(t, hub, []string{TaskTopic("task_a")})

	conn := dial(t, server)
	waitConnected(t, hub, 1)

	// The client is not subscribed to task_b, so only the second publish
	// arrives.
	hub.Publish(TaskTopic("task_b"), Message{Type: MsgStepStatus, Topic: TaskTopic("task_b")})
	hub.Publish(TaskTopic("task_a"), Message{Type: MsgStepStatus, Topic: TaskTopic("task_a")})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TaskTopic("task_a"), msg.Topic)
}

func TestPublishToTopicWithoutSubscribers(t *testing.T) {
	hub := startHub(t)

	// Must not block or panic.
	hub.Publish(TopicTasks, Message{Type: MsgPing, Topic: TopicTasks})
}

func TestClientDisconnectUnregisters(t *testing.T) {
	hub := startHub(t)
	server := newTestServer(t, hub, []string{TopicTasks})

	conn := dial(t, server)
	waitConnected(t, hub, 1)

	require.NoError(t, conn.Close())
	waitConnected(t, hub, 0)
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	hub := startHub(t)
	server := newTestServer(t, hub, []string{TopicTasks})

	first := dial(t, server)
	second := dial(t, server)
	waitConnected(t, hub, 2)

	hub.Publish(TopicTasks, Message{Type: MsgTaskStatus, Topic: TopicTasks})

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MsgTaskStatus, msg.Type)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	server := newTestServer(t, hub, []string{TopicTasks})

	conn := dial(t, server)
	waitConnected(t, hub, 1)

	cancel()

	// The hub says goodbye with a close frame; the read surfaces it as a
	// CloseError.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived) ||
		websocket.IsUnexpectedCloseError(err), "got: %v", err)
}

func TestTopicNames(t *testing.T) {
	assert.Equal(t, "task:task_1", TaskTopic("task_1"))
	assert.Equal(t, "robot:kachaka-1", RobotTopic("kachaka-1"))
}
