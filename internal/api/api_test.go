package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcommons/meshlink/internal/mesh"
	"github.com/meshcommons/meshlink/internal/session"
)

type fakeSession struct {
	mu      sync.Mutex
	nodes   []*mesh.NodeRecord
	history []*mesh.Message
	sent    []*mesh.Message
	sendErr error
	owner   [2]string
	bus     *session.EventBus
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		bus: session.NewEventBus(),
		nodes: []*mesh.NodeRecord{
			{Num: 1, User: &mesh.Identity{ID: "!00000001", LongName: "Local"}},
			{Num: 2, User: &mesh.Identity{ID: "!00000002", LongName: "Remote"}},
		},
	}
}

func (f *fakeSession) Send(_ context.Context, m *mesh.Message) (*mesh.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return m, f.sendErr
	}
	m.Status = mesh.StatusQueued
	f.sent = append(f.sent, m)
	return m, nil
}

func (f *fakeSession) Nodes() []*mesh.NodeRecord { return f.nodes }

func (f *fakeSession) Node(num uint32) (*mesh.NodeRecord, error) {
	for _, n := range f.nodes {
		if n.Num == num {
			return n, nil
		}
	}
	return nil, fmt.Errorf("fake: node %d: %w", num, mesh.ErrNotFound)
}

func (f *fakeSession) NodeByExternalID(id string) (*mesh.NodeRecord, error) {
	for _, n := range f.nodes {
		if n.ExternalID() == id {
			return n, nil
		}
	}
	return nil, fmt.Errorf("fake: node %q: %w", id, mesh.ErrNotFound)
}

func (f *fakeSession) LocalIdentity() *mesh.LocalIdentity { return &mesh.LocalIdentity{NodeNum: 1} }

func (f *fakeSession) History() []*mesh.Message { return f.history }

func (f *fakeSession) Status() session.ConnectionStatus {
	return session.ConnectionStatus{State: "connected", DatabaseReady: true, Nodes: len(f.nodes)}
}

func (f *fakeSession) SetOwner(longName, shortName string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.owner = [2]string{longName, shortName}
	return nil
}

func (f *fakeSession) Subscribe() (<-chan session.Event, func()) { return f.bus.Subscribe() }

func newTestServer(t *testing.T, sess Session) *httptest.Server {
	t.Helper()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "meshlink_up 1")
	})
	srv := httptest.NewServer(NewRouter(sess, metrics, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestListNodes(t *testing.T) {
	srv := newTestServer(t, newFakeSession())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/nodes", "")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
}

func TestGetNode(t *testing.T) {
	srv := newTestServer(t, newFakeSession())

	tests := []struct {
		id   string
		code int
	}{
		{id: "!00000002", code: http.StatusOK},
		{id: "2", code: http.StatusOK},
		{id: "!deadbeef", code: http.StatusNotFound},
		{id: "99", code: http.StatusNotFound},
		{id: "bogus", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/nodes/"+tt.id, "")
			assert.Equal(t, tt.code, resp.StatusCode)
			if tt.code == http.StatusOK {
				assert.Equal(t, float64(2), body["num"])
			}
		})
	}
}

func TestListMessagesLimit(t *testing.T) {
	sess := newFakeSession()
	for i := range 5 {
		sess.history = append(sess.history, &mesh.Message{ID: uint32(i + 1)})
	}
	srv := newTestServer(t, sess)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/messages?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	msgs := body["messages"].([]any)
	assert.Equal(t, float64(4), msgs[0].(map[string]any)["id"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/v1/messages?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	sess := newFakeSession()
	srv := newTestServer(t, sess)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/messages", `{"text":"hello"}`)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])
	require.Len(t, sess.sent, 1)
	assert.Equal(t, mesh.BroadcastID, sess.sent[0].To)
	assert.Equal(t, mesh.LocalID, sess.sent[0].From)
}

func TestSendMessageErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		sendErr error
		code    int
	}{
		{name: "bad json", body: `{`, code: http.StatusBadRequest},
		{name: "empty text", body: `{"text":"  "}`, code: http.StatusBadRequest},
		{name: "unknown destination", body: `{"to":"!0000ffff","text":"x"}`, sendErr: mesh.ErrNotFound, code: http.StatusNotFound},
		{name: "ids exhausted", body: `{"text":"x"}`, sendErr: fmt.Errorf("session: %w", session.ErrPacketIDsExhausted), code: http.StatusServiceUnavailable},
		{name: "internal", body: `{"text":"x"}`, sendErr: fmt.Errorf("boom"), code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newFakeSession()
			sess.sendErr = tt.sendErr
			srv := newTestServer(t, sess)

			resp, _ := do(t, http.MethodPost, srv.URL+"/api/v1/messages", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestSetOwner(t *testing.T) {
	sess := newFakeSession()
	srv := newTestServer(t, sess)

	resp, _ := do(t, http.MethodPut, srv.URL+"/api/v1/owner", `{"long_name":"Base","short_name":"BS"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, [2]string{"Base", "BS"}, sess.owner)

	sess.sendErr = fmt.Errorf("session: set owner: %w", mesh.ErrNotConnected)
	resp, _ = do(t, http.MethodPut, srv.URL+"/api/v1/owner", `{"long_name":"Base","short_name":"BS"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusAndMetrics(t *testing.T) {
	srv := newTestServer(t, newFakeSession())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conn := body["connection"].(map[string]any)
	assert.Equal(t, "connected", conn["state"])
	assert.Equal(t, true, conn["database_ready"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	sess := newFakeSession()
	srv := newTestServer(t, sess)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return sess.bus.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	sess.bus.Publish(session.Event{Type: session.EventNodeChanged, Data: sess.nodes[1]})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, string(session.EventNodeChanged), got["type"])
	assert.Equal(t, float64(2), got["data"].(map[string]any)["num"])
}
