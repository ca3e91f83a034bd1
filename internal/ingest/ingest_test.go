package ingest

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/config"
	"gasguard/internal/level"
	"gasguard/internal/model"
	"gasguard/internal/panel"
)

// recorder is a Handler that remembers frames in the order applied.
type recorder struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (r *recorder) Handle(_ context.Context, f model.Frame) panel.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return panel.Result{PanelKey: f.SID}
}

func (r *recorder) snapshot() []model.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Frame, len(r.frames))
	copy(out, r.frames)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []model.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, 3*time.Second, 10*time.Millisecond)
	return r.snapshot()
}

func runDispatcher(t *testing.T, h Handler, lanes int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(h, lanes, 4096, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func TestDispatcherPreservesPerDeviceOrder(t *testing.T) {
	rec := &recorder{}
	d := runDispatcher(t, rec, 4)

	const perDevice = 200
	sids := []string{"A", "B", "C", "D", "E"}
	var wg sync.WaitGroup
	for _, sid := range sids {
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			for i := 0; i < perDevice; i++ {
				f := model.Frame{SID: sid, Peer: "10.0.0.1:1", Data: model.Sample{model.CO2: float64(i)}}
				for !d.Submit(context.Background(), f) {
					time.Sleep(time.Millisecond)
				}
			}
		}(sid)
	}
	wg.Wait()

	frames := rec.waitFor(t, perDevice*len(sids))
	last := map[string]float64{}
	for _, f := range frames {
		prev, seen := last[f.SID]
		if seen {
			require.Greater(t, f.Data[model.CO2], prev, "frames for %s out of order", f.SID)
		}
		last[f.SID] = f.Data[model.CO2]
	}
}

func TestIngestMalformedStillRefreshes(t *testing.T) {
	rec := &recorder{}
	d := runDispatcher(t, rec, 1)

	accepted, failed := d.Ingest(context.Background(), nil, "test", "10.0.0.1:9001",
		"sid=A co2=4x0\n{\"sid\":\"A\",\"co2\":420}\nnot a frame\n\n")
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 2, failed)

	frames := rec.waitFor(t, 2)
	require.Len(t, frames, 2)
	assert.Equal(t, "A", frames[0].SID)
	assert.Nil(t, frames[0].Data, "malformed values become a keep-alive")
	assert.Equal(t, model.Sample{model.CO2: 420}, frames[1].Data)
	assert.Equal(t, "test", frames[1].Source)
	assert.Equal(t, "10.0.0.1:9001", frames[1].Peer)
}

func TestIngestAsUsesFallbackSID(t *testing.T) {
	rec := &recorder{}
	d := runDispatcher(t, rec, 2)
	d.IngestAs(context.Background(), nil, "mqtt", "broker:1883", "Z9", `{"co2":500}`)
	frames := rec.waitFor(t, 1)
	assert.Equal(t, "Z9", frames[0].SID)
}

func TestSubmitDropsWhenFull(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, 1, 2, nil, nil)
	f := model.Frame{SID: "A"}
	assert.True(t, d.Submit(context.Background(), f))
	assert.True(t, d.Submit(context.Background(), f))
	assert.False(t, d.Submit(context.Background(), f))
}

func TestRunDrainsOnShutdown(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, 2, 64, nil, nil)
	for i := 0; i < 10; i++ {
		require.True(t, d.Submit(context.Background(), model.Frame{SID: fmt.Sprint(i)}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, rec.snapshot(), 10)
}

func newRegistry() *panel.Registry {
	return panel.NewRegistry(panel.Options{
		Policy:     config.PolicyByIP,
		MaxSensors: 4,
		Timeout:    time.Minute,
		Thresholds: level.NewThresholds(nil),
		Location:   time.UTC,
	}, panel.Deps{})
}

func TestTCPToPanel(t *testing.T) {
	reg := newRegistry()
	d := runDispatcher(t, reg, 2)
	srv := NewTCPServer("127.0.0.1:0", d, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	w := bufio.NewWriter(conn)
	fmt.Fprintln(w, `{"sid":"A","co2":-1}`)
	fmt.Fprintln(w, `{"sid":"A","co2":420}`)
	fmt.Fprintln(w, "sid=A co2=20000")
	require.NoError(t, w.Flush())

	require.Eventually(t, func() bool {
		snap, ok := reg.Get("A@127.0.0.1")
		return ok && snap.Data[model.CO2] == 20000
	}, 3*time.Second, 10*time.Millisecond)
	snap, _ := reg.Get("A@127.0.0.1")
	assert.Equal(t, model.StatusConnected, snap.Status)
	assert.Equal(t, model.LevelWarning, snap.Worst)
	assert.Len(t, snap.TodayAlerts, 1)
}

func TestTCPClosedConnectionsReleaseGoroutines(t *testing.T) {
	rec := &recorder{}
	d := runDispatcher(t, rec, 2)
	srv := NewTCPServer("127.0.0.1:0", d, nil)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	// one warm-up connection so the accept loop is running before counting
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	fmt.Fprintln(conn, `{"sid":"W","co2":1}`)
	require.NoError(t, conn.Close())
	rec.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	const n = 100
	for i := 0; i < n; i++ {
		conn, err := net.Dial("tcp", srv.Addr().String())
		require.NoError(t, err)
		fmt.Fprintf(conn, "{\"sid\":\"D%d\",\"co2\":400}\n", i)
		require.NoError(t, conn.Close())
	}
	rec.waitFor(t, n+1)
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 3*time.Second, 20*time.Millisecond, "per-connection goroutines outlived their connections")
}

func TestUDPToPanel(t *testing.T) {
	reg := newRegistry()
	d := runDispatcher(t, reg, 2)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	addr := conn.LocalAddr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- ServeUDPConn(ctx, conn, d, nil) }()
	defer func() {
		cancel()
		assert.NoError(t, <-served)
	}()

	client, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write([]byte("{\"sid\":\"U1\",\"co2\":420}\nsid=U2 o2=20.9\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reg.Len() == 2 }, 3*time.Second, 10*time.Millisecond)
	snap, ok := reg.Get("U1@127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 420.0, snap.Data[model.CO2])
	snap, ok = reg.Get("U2@127.0.0.1")
	require.True(t, ok)
	assert.Equal(t, 20.9, snap.Data[model.O2])
}

func TestMQTTMessageUsesTopicSID(t *testing.T) {
	rec := &recorder{}
	d := runDispatcher(t, rec, 1)
	src := NewMQTTSource(MQTTOptions{Broker: "tcp://broker.local:1883", Topic: "gas/+/telemetry"}, d, nil)

	src.handle(context.Background(), "gas/M1/telemetry", []byte(`{"co2":500}`))
	src.handle(context.Background(), "gas/M1/telemetry", []byte(`{"sid":"M2","co2":600}`))

	frames := rec.waitFor(t, 2)
	assert.Equal(t, "M1", frames[0].SID)
	assert.Equal(t, "broker.local:1883", frames[0].Peer)
	assert.Equal(t, "mqtt", frames[0].Source)
	assert.Equal(t, 500.0, frames[0].Data[model.CO2])
	assert.Equal(t, "M2", frames[1].SID, "payload sid wins over the topic")
}

func TestRESTHandler(t *testing.T) {
	reg := newRegistry()
	d := runDispatcher(t, reg, 2)
	h := NewRESTHandler(d)

	body := `[{"sid":"R1","ip":"10.1.1.1","co2":420},{"sid":"R2","ip":"10.1.1.2","o2":"bad"}]`
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"accepted":1,"failed":1}`, rr.Body.String())

	require.Eventually(t, func() bool { return reg.Len() == 2 }, 3*time.Second, 10*time.Millisecond)
	snap, ok := reg.Get("R1@10.1.1.1")
	require.True(t, ok)
	assert.Equal(t, 420.0, snap.Data[model.CO2])

	req = httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("  "))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("nonsense"))
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}
