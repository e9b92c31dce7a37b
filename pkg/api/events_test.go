package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
)

// subscriptionCapture records what the server subscribed with
type subscriptionCapture struct {
	mu      sync.Mutex
	handler sandbox.EventHandler
	filter  sandbox.EventFilter
	types   []sandbox.EventType
}

func (c *subscriptionCapture) record(args mock.Arguments) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = args.Get(0).(sandbox.EventHandler)
	if f, ok := args.Get(1).(sandbox.EventFilter); ok {
		c.filter = f
	}
	c.types = args.Get(2).([]sandbox.EventType)
}

func (c *subscriptionCapture) publish(event sandbox.Event) bool {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler == nil {
		return false
	}
	_ = handler(event)
	return true
}

func (c *subscriptionCapture) subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler != nil
}

func dialEvents(t *testing.T, httpServer *httptest.Server, query string, headers http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/events" + query
	return websocket.DefaultDialer.Dial(url, headers)
}

func authHeader() http.Header {
	header := http.Header{}
	header.Set(DefaultAuthHeader, testSecret)
	return header
}

func TestServer_EventsRequiresAuth(t *testing.T) {
	server, supervisor := createTestServer(t)
	httpServer := httptest.NewServer(server.GetRouter())
	defer httpServer.Close()

	_, resp, err := dialEvents(t, httpServer, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	supervisor.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_EventsStream(t *testing.T) {
	server, supervisor := createTestServer(t)
	httpServer := httptest.NewServer(server.GetRouter())
	defer httpServer.Close()

	capture := &subscriptionCapture{}
	supervisor.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(capture.record).Return("sub-1")
	supervisor.On("Unsubscribe", "sub-1").Return()

	conn, _, err := dialEvents(t, httpServer, "?owner_id=u1&types=instance.spawned,instance.expired", authHeader())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return server.StreamCount() == 1 }, time.Second, 10*time.Millisecond)
	require.True(t, capture.subscribed())

	capture.mu.Lock()
	assert.Equal(t, []sandbox.EventType{sandbox.EventInstanceSpawned, sandbox.EventInstanceExpired}, capture.types)
	require.NotNil(t, capture.filter)
	assert.True(t, capture.filter(sandbox.Event{OwnerID: "u1"}))
	assert.False(t, capture.filter(sandbox.Event{OwnerID: "u2"}))
	capture.mu.Unlock()

	require.True(t, capture.publish(sandbox.Event{
		ID:           "evt-1",
		Type:         sandbox.EventInstanceSpawned,
		Severity:     sandbox.EventSeverityInfo,
		InstanceID:   "inst-1",
		OwnerID:      "u1",
		ChallengeKey: "web-easy",
		Message:      "spawned",
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var received sandbox.Event
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "evt-1", received.ID)
	assert.Equal(t, sandbox.EventInstanceSpawned, received.Type)
	assert.Equal(t, "inst-1", received.InstanceID)

	// Closing the client unsubscribes
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return server.StreamCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	supervisor.AssertCalled(t, "Unsubscribe", "sub-1")
}

func TestServer_EventsReplay(t *testing.T) {
	server, supervisor := createTestServer(t)
	httpServer := httptest.NewServer(server.GetRouter())
	defer httpServer.Close()

	supervisor.On("RecentEvents", 5).Return([]sandbox.Event{
		{ID: "old-1", Type: sandbox.EventInstanceSpawned, OwnerID: "u2"},
		{ID: "old-2", Type: sandbox.EventInstanceSpawned, OwnerID: "u1"},
		{ID: "old-3", Type: sandbox.EventInstanceDestroyed, OwnerID: "u1"},
	})
	supervisor.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).Return("sub-2")
	supervisor.On("Unsubscribe", "sub-2").Return()

	conn, _, err := dialEvents(t, httpServer, "?owner_id=u1&replay=5", authHeader())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var first, second sandbox.Event
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "old-2", first.ID)
	assert.Equal(t, "old-3", second.ID)
}

func TestServer_EventsInvalidReplay(t *testing.T) {
	server, supervisor := createTestServer(t)
	httpServer := httptest.NewServer(server.GetRouter())
	defer httpServer.Close()

	_, resp, err := dialEvents(t, httpServer, "?replay=lots", authHeader())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	supervisor.AssertNotCalled(t, "Subscribe", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_StopClosesStreams(t *testing.T) {
	server, supervisor := createTestServer(t)
	httpServer := httptest.NewServer(server.GetRouter())
	defer httpServer.Close()

	capture := &subscriptionCapture{}
	supervisor.On("Subscribe", mock.Anything, mock.Anything, mock.Anything).
		Run(capture.record).Return("sub-3")
	supervisor.On("Unsubscribe", "sub-3").Return()

	conn, _, err := dialEvents(t, httpServer, "", authHeader())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return server.StreamCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	assert.Equal(t, 0, server.StreamCount())
	supervisor.AssertCalled(t, "Unsubscribe", "sub-3")

	// New streams are refused once stopped
	_, resp, err := dialEvents(t, httpServer, "", authHeader())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEventFilterFromQuery(t *testing.T) {
	filter, types := eventFilterFromQuery("", "", "", "")
	assert.Nil(t, filter)
	assert.Empty(t, types)

	filter, types = eventFilterFromQuery("u1", "inst-1", "warning,error", " instance.failed , ")
	assert.Equal(t, []sandbox.EventType{sandbox.EventInstanceFailed}, types)
	require.NotNil(t, filter)

	assert.True(t, filter(sandbox.Event{OwnerID: "u1", InstanceID: "inst-1", Severity: sandbox.EventSeverityError}))
	assert.False(t, filter(sandbox.Event{OwnerID: "u1", InstanceID: "inst-1", Severity: sandbox.EventSeverityInfo}))
	assert.False(t, filter(sandbox.Event{OwnerID: "u1", InstanceID: "inst-2", Severity: sandbox.EventSeverityError}))

	assert.True(t, matchesEvent(sandbox.Event{Type: sandbox.EventInstanceFailed, OwnerID: "u1", InstanceID: "inst-1", Severity: sandbox.EventSeverityWarning}, filter, types))
	assert.False(t, matchesEvent(sandbox.Event{Type: sandbox.EventInstanceSpawned, OwnerID: "u1", InstanceID: "inst-1", Severity: sandbox.EventSeverityWarning}, filter, types))
}
