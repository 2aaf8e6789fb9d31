package tabapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"ClawdCity-TabComm/internal/core/storage"
	"ClawdCity-TabComm/internal/metrics"
	"ClawdCity-TabComm/internal/tabcomm"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *httptest.Server, *Client) {
	t.Helper()
	area := storage.NewArea(storage.NewMemoryBackend())
	m := metrics.New(metrics.WithRegistry(prometheus.NewRegistry()))
	opts = append([]Option{
		WithMetrics(m),
		WithDefaultTimeout(time.Second),
		WithCommunicatorOptions(tabcomm.WithMetrics(m)),
	}, opts...)
	s := NewServer(area, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
		_ = area.Close()
	})
	return s, ts, NewClient(ts.URL)
}

func dialTab(t *testing.T, ts *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tabs/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestTabLifecycle(t *testing.T) {
	s, _, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.OpenTab(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, client.CloseTab(ctx, id))
	assert.Equal(t, 0, s.Len())

	err = client.CloseTab(ctx, id)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	err = client.Emit(ctx, id, "ping")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestCallThroughWebsocketListener(t *testing.T) {
	_, ts, client := newTestServer(t)
	ctx := context.Background()

	caller, err := client.OpenTab(ctx)
	require.NoError(t, err)
	callee, err := client.OpenTab(ctx)
	require.NoError(t, err)

	conn := dialTab(t, ts, callee)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpOn, Name: "sum"}))
	ok := readFrame(t, conn)
	require.Equal(t, FrameOK, ok.Type)
	require.Equal(t, OpOn, ok.Op)

	type result struct {
		args tabcomm.Args
		err  error
	}
	done := make(chan result, 1)
	go func() {
		args, err := client.Call(ctx, caller, "sum", time.Second, json.RawMessage(`2`), json.RawMessage(`3`))
		done <- result{args, err}
	}()

	req := readFrame(t, conn)
	require.Equal(t, FrameRequest, req.Type)
	assert.Equal(t, "sum", req.Name)
	require.Len(t, req.Args, 2)
	var x, y int
	require.NoError(t, json.Unmarshal(req.Args[0], &x))
	require.NoError(t, json.Unmarshal(req.Args[1], &y))

	sum, err := json.Marshal(x + y)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpAck, Ref: req.Ref, Args: []json.RawMessage{sum}}))

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.args, 1)
	assert.JSONEq(t, "5", string(res.args[0]))

	ackOK := readFrame(t, conn)
	assert.Equal(t, FrameOK, ackOK.Type)

	// A second ack for the same ref is rejected.
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpAck, Ref: req.Ref}))
	dup := readFrame(t, conn)
	assert.Equal(t, FrameError, dup.Type)
}

func TestCallTimesOut(t *testing.T) {
	_, _, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.OpenTab(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Call(ctx, id, "nobody", 50*time.Millisecond)
	assert.True(t, errors.Is(err, tabcomm.ErrAckTimeout), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWebsocketEmitAndOff(t *testing.T) {
	_, ts, client := newTestServer(t)
	ctx := context.Background()

	a, err := client.OpenTab(ctx)
	require.NoError(t, err)
	b, err := client.OpenTab(ctx)
	require.NoError(t, err)

	connA := dialTab(t, ts, a)
	connB := dialTab(t, ts, b)

	require.NoError(t, connB.WriteJSON(ClientFrame{Op: OpOn, Name: "note"}))
	require.Equal(t, FrameOK, readFrame(t, connB).Type)

	require.NoError(t, connA.WriteJSON(ClientFrame{Op: OpEmit, Name: "note", Args: []json.RawMessage{json.RawMessage(`"hello"`)}}))
	require.Equal(t, FrameOK, readFrame(t, connA).Type)

	got := readFrame(t, connB)
	require.Equal(t, FrameRequest, got.Type)
	assert.Equal(t, "note", got.Name)
	assert.JSONEq(t, `"hello"`, string(got.Args[0]))

	require.NoError(t, connB.WriteJSON(ClientFrame{Op: OpOff, Name: "note"}))
	require.Equal(t, FrameOK, readFrame(t, connB).Type)

	require.NoError(t, client.Emit(ctx, a, "note"))
	require.NoError(t, connB.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	var frame ServerFrame
	assert.Error(t, connB.ReadJSON(&frame), "no frame after off")
}

func TestWebsocketRejectsUnknownOp(t *testing.T) {
	_, ts, client := newTestServer(t)
	id, err := client.OpenTab(context.Background())
	require.NoError(t, err)

	conn := dialTab(t, ts, id)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: "subscribe", Name: "x"}))
	frame := readFrame(t, conn)
	assert.Equal(t, FrameError, frame.Type)
	assert.Equal(t, errUnknownOp.Error(), frame.Error)
}

func TestEmitValidation(t *testing.T) {
	_, ts, client := newTestServer(t)
	ctx := context.Background()
	id, err := client.OpenTab(ctx)
	require.NoError(t, err)

	err = client.Emit(ctx, id, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)

	resp, err := http.Post(ts.URL+"/api/tabs/"+id+"/emit", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCleanAndKeys(t *testing.T) {
	s, _, client := newTestServer(t)
	ctx := context.Background()
	id, err := client.OpenTab(ctx)
	require.NoError(t, err)

	writer, err := s.area.Attach()
	require.NoError(t, err)
	require.NoError(t, writer.SetItem("tpxStorageMessage:stale", `{"type":"request","values":[]}`))
	require.NoError(t, writer.SetItem("theme", "dark"))

	keys, err := client.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tpxStorageMessage:stale", "theme"}, keys)

	n, err := client.Clean(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	keys, err = client.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"theme"}, keys)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, client := newTestServer(t)
	_, err := client.OpenTab(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tabcomm_open_tabs 1")
}

func TestPreflight(t *testing.T) {
	_, ts, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/tabs", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestUnansweredRequestsStayBounded(t *testing.T) {
	s, ts, client := newTestServer(t, WithMaxPendingAcks(8))
	ctx := context.Background()

	sender, err := client.OpenTab(ctx)
	require.NoError(t, err)
	listener, err := client.OpenTab(ctx)
	require.NoError(t, err)

	conn := dialTab(t, ts, listener)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpOn, Name: "note"}))
	require.Equal(t, FrameOK, readFrame(t, conn).Type)

	for i := 0; i < 20; i++ {
		require.NoError(t, client.Emit(ctx, sender, "note", json.RawMessage(strconv.Itoa(i))))
	}
	refs := make([]uint64, 0, 20)
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		require.Equal(t, FrameRequest, frame.Type)
		refs = append(refs, frame.Ref)
	}

	s.mu.RLock()
	require.Len(t, s.streams, 1)
	for st := range s.streams {
		assert.Equal(t, 8, st.pendingAcks())
	}
	s.mu.RUnlock()

	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpAck, Ref: refs[0]}))
	evicted := readFrame(t, conn)
	assert.Equal(t, FrameError, evicted.Type)
	assert.Equal(t, errUnknownRef.Error(), evicted.Error)

	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpAck, Ref: refs[19]}))
	assert.Equal(t, FrameOK, readFrame(t, conn).Type)
}

func TestStalledStreamDoesNotDelayCalls(t *testing.T) {
	s, ts, client := newTestServer(t)
	ctx := context.Background()

	sender, err := client.OpenTab(ctx)
	require.NoError(t, err)
	stalled, err := client.OpenTab(ctx)
	require.NoError(t, err)

	conn := dialTab(t, ts, stalled)
	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpOn, Name: "note"}))
	require.Equal(t, FrameOK, readFrame(t, conn).Type)
	// conn is not read from again.

	responderCtx, err := s.area.Attach()
	require.NoError(t, err)
	defer responderCtx.Close()
	responder, err := tabcomm.New(responderCtx)
	require.NoError(t, err)
	defer responder.Close()
	responder.On("ping", func(_ tabcomm.Args, ack tabcomm.AckFunc) { _ = ack("pong") })

	payload, err := json.Marshal(strings.Repeat("x", 512<<10))
	require.NoError(t, err)
	for i := 0; i < 40; i++ {
		require.NoError(t, client.Emit(ctx, sender, "note", payload))
	}

	start := time.Now()
	result, err := client.Call(ctx, stalled, "ping", 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, result, 1)
	assert.JSONEq(t, `"pong"`, string(result[0]))
}

func TestListenersEndpoint(t *testing.T) {
	_, ts, client := newTestServer(t)
	ctx := context.Background()

	id, err := client.OpenTab(ctx)
	require.NoError(t, err)

	names, err := client.Listeners(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, names)

	conn := dialTab(t, ts, id)
	for _, name := range []string{"b", "a"} {
		require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpOn, Name: name}))
		require.Equal(t, FrameOK, readFrame(t, conn).Type)
	}
	names, err = client.Listeners(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, conn.WriteJSON(ClientFrame{Op: OpOff, Name: "a"}))
	require.Equal(t, FrameOK, readFrame(t, conn).Type)
	names, err = client.Listeners(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)

	_, err = client.Listeners(ctx, "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestCallRejectsOversizedTimeout(t *testing.T) {
	_, ts, client := newTestServer(t)
	ctx := context.Background()
	id, err := client.OpenTab(ctx)
	require.NoError(t, err)

	body := `{"name":"ping","args":[],"timeout_ms":9223372036854775807}`
	resp, err := http.Post(ts.URL+"/api/tabs/"+id+"/call", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = client.Call(ctx, id, "ping", 11*time.Minute)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}
