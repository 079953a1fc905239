package monitor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/packet"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"github.com/banshee-data/uartsniff/internal/testutil"
	"github.com/banshee-data/uartsniff/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaud = 38400

func testPipelineOptions() sniffer.Options {
	return sniffer.Options{
		Baud:     testBaud,
		Template: uart.DefaultTemplate(),
		Headers:  [][]byte{{0x4d, 0xc0}},
		Checksum: packet.ChecksumSum8,
	}
}

func edgeResult(t *testing.T, id string, values []byte) sniffer.Result {
	t.Helper()
	p, err := sniffer.NewPipeline(testPipelineOptions())
	require.NoError(t, err)
	runs := uart.Encode(values, uart.DefaultTemplate(), uart.EncodeOptions{Baud: testBaud, GapBits: 1, TrailIdleBits: 4})
	return p.DecodeBurst(edge.Burst{ID: id, Runs: runs})
}

func byteResult(t *testing.T, id string, values []byte) sniffer.Result {
	t.Helper()
	p, err := sniffer.NewPipeline(testPipelineOptions())
	require.NoError(t, err)
	return p.DecodeBytes(serialmux.ByteBurst{ID: id, Port: "replay", Data: values})
}

func burstIDs(rs []sniffer.Result) []string {
	var ids []string
	for _, r := range rs {
		ids = append(ids, r.BurstID)
	}
	return ids
}

func TestServer_RecentRing(t *testing.T) {
	s := NewServer(Options{Capacity: 2})
	assert.Empty(t, s.Recent())

	s.Publish(sniffer.Result{BurstID: "a"})
	assert.Equal(t, []string{"a"}, burstIDs(s.Recent()))

	s.Publish(sniffer.Result{BurstID: "b"})
	s.Publish(sniffer.Result{BurstID: "c"})
	assert.Equal(t, []string{"b", "c"}, burstIDs(s.Recent()))
}

func TestServer_LastEdgeBurst(t *testing.T) {
	s := NewServer(Options{Pipeline: testPipelineOptions()})
	_, ok := s.LastEdgeBurst()
	assert.False(t, ok)

	s.Publish(edgeResult(t, "edge-1", []byte{0x01}))
	s.Publish(byteResult(t, "bytes-1", []byte{0x02}))

	res, ok := s.LastEdgeBurst()
	require.True(t, ok)
	assert.Equal(t, "edge-1", res.BurstID)
}

func TestPackets(t *testing.T) {
	res := byteResult(t, "b", []byte{0x7f, 0x4d, 0xc0, 0x01, 0x0e})
	views := Packets(res)
	require.Len(t, views, 2)

	assert.Equal(t, "", views[0].Header)
	assert.Equal(t, "7f", views[0].Hex)
	assert.Nil(t, views[0].ChecksumOK)

	assert.Equal(t, "4dc0", views[1].Header)
	assert.Equal(t, "4dc0010e", views[1].Hex)
	require.NotNil(t, views[1].ChecksumOK)
	assert.True(t, *views[1].ChecksumOK)
	assert.Equal(t, 0, *views[1].ChecksumDiff)
	assert.Equal(t, 1, views[1].Index)
}

func TestHandlePackets(t *testing.T) {
	s := NewServer(Options{})
	s.Publish(byteResult(t, "b", []byte{0x4d, 0xc0, 0x01, 0x0e}))

	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/packets")
	require.Equal(t, http.StatusOK, rec.Code)

	var views []PacketView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].BurstID)
	assert.Equal(t, "replay", views[0].Source)

	rec = testutil.ServeDebug(mux, http.MethodPost, "/debug/uart/packets")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestHandleWaveform(t *testing.T) {
	s := NewServer(Options{Pipeline: testPipelineOptions()})
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/waveform")
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	s.Publish(edgeResult(t, "wave", []byte("ok")))
	rec = testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/waveform")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "UART Waveform")
	assert.Contains(t, rec.Body.String(), "Burst wave")
}

func TestPublish_WritesPlot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plots")
	s := NewServer(Options{PlotDir: dir, Pipeline: testPipelineOptions()})

	s.Publish(edgeResult(t, "p1", []byte{0x55}))
	s.Publish(byteResult(t, "p2", []byte{0x55}))

	raw, err := os.ReadFile(filepath.Join(dir, "burst_p1.png"))
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte("\x89PNG")))

	_, err = os.Stat(filepath.Join(dir, "burst_p2.png"))
	assert.True(t, os.IsNotExist(err), "byte bursts have no waveform")
}

func TestHandleTail(t *testing.T) {
	s := NewServer(Options{})
	mux := http.NewServeMux()
	s.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/debug/uart/tail")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		return len(s.subs) == 1
	}, time.Second, time.Millisecond)

	s.Publish(byteResult(t, "live", []byte{0x4d, 0xc0, 0x01, 0x0e}))

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if strings.HasPrefix(sc.Text(), "data: ") {
				lines <- strings.TrimPrefix(sc.Text(), "data: ")
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var v PacketView
		require.NoError(t, json.Unmarshal([]byte(line), &v))
		assert.Equal(t, "live", v.BurstID)
		assert.Equal(t, "4dc0", v.Header)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestPublish_PlotNameIsSanitized(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(Options{PlotDir: dir, Pipeline: testPipelineOptions()})
	s.Publish(edgeResult(t, "../escape", []byte{0x01}))

	_, err := os.Stat(filepath.Join(dir, "burst_escape.png"))
	assert.NoError(t, err)
}
