package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ghostline "github.com/Paranoid-AF/ghostline"
)

func dialWS(t *testing.T, srv *Server, origins []string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	hs := httptest.NewServer(srv.WebsocketHandler(origins))
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	return websocket.DefaultDialer.Dial(url, header)
}

func TestWebsocketSession(t *testing.T) {
	stub := newStub("lazy", " dog")
	srv := newTestServer(t, fixed(stub))

	conn, _, err := dialWS(t, srv, nil, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(ghostline.ClientMessage{Type: ghostline.MsgOpen, SessionID: "w1", Text: strPtr(fox)}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev ghostline.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == ghostline.EventGhost && ev.Text == "lazy dog" {
			assert.Equal(t, "w1", ev.SessionID)
			break
		}
	}

	require.NoError(t, conn.WriteJSON(ghostline.ClientMessage{Type: ghostline.MsgKey, SessionID: "w1", Key: "Tab", KeyID: 3}))
	for {
		var ev ghostline.ServerEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == ghostline.EventKey {
			assert.Equal(t, 3, ev.KeyID)
			assert.True(t, *ev.Handled)
			break
		}
	}
}

func TestWebsocketDisconnectClosesSessions(t *testing.T) {
	stub := newStub()
	stub.hold = true
	srv := newTestServer(t, fixed(stub))

	conn, _, err := dialWS(t, srv, nil, nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ghostline.ClientMessage{Type: ghostline.MsgOpen, SessionID: "w1", Text: strPtr(fox)}))
	require.Eventually(t, func() bool { return stub.requestCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return srv.lookup("w1") == nil }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(stub.cancelCalls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebsocketOriginCheck(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		ok      bool
	}{
		{"no origin header", nil, "", true},
		{"foreign origin rejected", nil, "https://evil.example", false},
		{"listed origin", []string{"https://editor.example"}, "https://editor.example", true},
		{"wildcard", []string{"*"}, "https://anything.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, fixed(newStub()))
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			conn, resp, err := dialWS(t, srv, tt.origins, header)
			if tt.ok {
				require.NoError(t, err)
				conn.Close()
				return
			}
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		})
	}
}
