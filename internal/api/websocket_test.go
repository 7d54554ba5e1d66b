// internal/api/websocket_test.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/StoryForge/internal/models"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestSessionStreamReceivesTurnEvents(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx := context.Background()
	state, reply, err := s.story.StartSession(ctx, models.SelectedStory{
		Title: "Harbor", Description: "Ships vanish at night.", Goal: "Find the lighthouse keeper",
	}, 5)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/story/" + state.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readEvent(t, conn)
	assert.Equal(t, "connected", welcome["type"])
	assert.Equal(t, state.SessionID, welcome["session_id"])

	// 心跳
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readEvent(t, conn)["type"])

	_, err = s.story.AdvanceTurn(ctx, state.SessionID, reply.Choices[0])
	require.NoError(t, err)

	event := readEvent(t, conn)
	assert.Equal(t, models.EventTurnCompleted, event["type"])
	assert.EqualValues(t, 2, event["turn"])
	assert.Equal(t, false, event["is_final"])
}

func TestSessionStreamUnknownSession(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/story/missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketManagerBroadcastScope(t *testing.T) {
	manager := NewWebSocketManager(nil)
	defer manager.Stop()

	a := &WebSocketClient{sessionID: "a", send: make(chan []byte, 4)}
	b := &WebSocketClient{sessionID: "b", send: make(chan []byte, 4)}
	a.UpdatePing()
	b.UpdatePing()
	manager.registerClient(a)
	manager.registerClient(b)
	<-a.send // 欢迎消息
	<-b.send

	manager.Publish(models.SessionEvent{Type: models.EventTurnCompleted, SessionID: "a", Turn: 2})

	select {
	case msg := <-a.send:
		assert.Contains(t, string(msg), models.EventTurnCompleted)
	case <-time.After(time.Second):
		t.Fatal("session a did not receive the event")
	}
	select {
	case msg := <-b.send:
		t.Fatalf("session b received %s", msg)
	default:
	}

	status := manager.GetStatus()
	assert.Equal(t, 2, status["total_connections"])

	manager.unregisterClient(a)
	_, open := <-a.send
	assert.False(t, open)
	assert.Equal(t, 1, manager.GetStatus()["total_connections"])
}
