package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/c360/rtlstream/health"
	"github.com/c360/rtlstream/metric"
	"github.com/c360/rtlstream/protocol"
	"github.com/c360/rtlstream/registry"
	"github.com/c360/rtlstream/session"
	"github.com/c360/rtlstream/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sink struct {
	id  string
	got chan protocol.Message
}

func newSink(id string) *sink { return &sink{id: id, got: make(chan protocol.Message, 16)} }

func (s *sink) ID() string { return s.id }

func (s *sink) Deliver(_ context.Context, m protocol.Message) error {
	s.got <- m
	return nil
}

func (s *sink) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-s.got:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("nothing delivered")
		return nil
	}
}

func newTestServer(t *testing.T, cfg Config, bus BusSubscriber) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), registry.Deps{})
	srv, err := New(cfg, Deps{
		Registry: reg,
		Pipeline: session.NewPipeline(reg, nil, nil),
		Bus:      bus,
		Metrics:  metric.NewMetricsRegistry(),
	})
	require.NoError(t, err)
	return srv, reg
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return conn
}

func writeMsg(t *testing.T, conn *websocket.Conn, m protocol.Message) {
	t.Helper()
	b, err := protocol.JSONCodec{}.Encode(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func readMsg(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.JSONCodec{}.Decode(b)
	require.NoError(t, err)
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestServer_WebSocketTagsStream(t *testing.T) {
	srv, reg := newTestServer(t, DefaultConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/tags")
	writeMsg(t, conn, protocol.Request{
		Kind:   protocol.KindBeginStream,
		ReqID:  "1",
		Params: []protocol.Param{{ID: "tag-9"}},
	})
	resp, ok := readMsg(t, conn).(protocol.Response)
	require.True(t, ok)
	assert.True(t, resp.OK())
	assert.Equal(t, 1, srv.Sessions())

	reg.RoutePositionUpdate(context.Background(), protocol.GISData{ID: "tag-9", X: 4})
	g, ok := readMsg(t, conn).(protocol.GISData)
	require.True(t, ok)
	assert.Equal(t, 4.0, g.X)

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return srv.Sessions() == 0 })
	assert.Zero(t, reg.Count(registry.TagKey("tag-9")))
}

func TestServer_UnknownResource(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/ws/everything")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, DefaultConfig(), nil)
	srv.deps.Health.Register("store", func(context.Context) health.Status {
		return health.NewUnhealthy("", "open /var/lib/rtls.db: disk full")
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var status health.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Len(t, status.SubStatuses, 2)
	assert.Equal(t, "sessions", status.SubStatuses[0].Component)
	assert.EqualValues(t, 0, status.SubStatuses[0].Details["active"])
	assert.NotContains(t, status.SubStatuses[1].Message, "/var/lib")

	mresp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)
}

func TestServer_RunTCPGatewayAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	srv, reg := newTestServer(t, cfg, nil)

	watcher := newSink("watcher")
	h := reg.Register(watcher)
	require.NoError(t, reg.Subscribe(registry.TopicAll, h))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()
	<-srv.Ready()

	ws := dial(t, "ws://"+srv.HTTPAddr().String()+"/ws/all")
	defer ws.Close()
	writeMsg(t, ws, protocol.Request{Kind: protocol.KindBeginStream, ReqID: "a"})
	require.True(t, readMsg(t, ws).(protocol.Response).OK())

	gw, err := net.Dial("tcp", srv.TCPAddr().String())
	require.NoError(t, err)
	defer gw.Close()
	b, err := protocol.JSONCodec{}.Encode(protocol.GISData{ID: "gw-tag", X: 1, Y: 2, Timestamp: 5})
	require.NoError(t, err)
	_, err = gw.Write(b)
	require.NoError(t, err)

	g, ok := watcher.next(t).(protocol.GISData)
	require.True(t, ok)
	assert.Equal(t, "gw-tag", g.ID)
	assert.Equal(t, "gw-tag", readMsg(t, ws).(protocol.GISData).ID)
	waitFor(t, func() bool { return srv.Sessions() == 2 })

	cancel()
	end, ok := readMsg(t, ws).(protocol.EndStream)
	require.True(t, ok)
	assert.Equal(t, session.ReasonServerShutdown, end.Reason)

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, srv.Sessions())
}

func TestServer_BusIngest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.PositionSubject = "rtls.positions"
	bus := testutil.NewBus()
	srv, reg := newTestServer(t, cfg, bus)

	watcher := newSink("watcher")
	require.NoError(t, reg.Subscribe(registry.TagKey("bus-tag"), reg.Register(watcher)))

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	testutil.WaitForSubscription(t, bus, "rtls.positions", 2*time.Second)

	b, err := protocol.JSONCodec{}.Encode(protocol.GISData{ID: "bus-tag", Timestamp: 1})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, "rtls.positions", b))
	assert.Equal(t, "bus-tag", watcher.next(t).(protocol.GISData).ID)

	cancel()
	require.NoError(t, <-runErr)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}
