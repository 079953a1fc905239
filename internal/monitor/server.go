// Package monitor keeps recent decode results in memory and serves them on
// the debug HTTP surface: a JSON packet list, a waveform chart and an SSE
// tail of decoded packets.
package monitor

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/banshee-data/uartsniff/internal/httputil"
	"github.com/banshee-data/uartsniff/internal/monitoring"
	"github.com/banshee-data/uartsniff/internal/security"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"tailscale.com/tsweb"
)

const (
	DefaultCapacity  = 64
	subscriberBuffer = 32
)

// Options configures a Server.
type Options struct {
	// Capacity bounds the ring of recent results. Zero means DefaultCapacity.
	Capacity int
	// PlotDir, when set, receives a PNG waveform for every edge burst.
	PlotDir string
	// Pipeline supplies the frame shape and sample offsets used to place
	// sample instants on the waveform.
	Pipeline sniffer.Options
}

// Server records results published by the capture loop.
type Server struct {
	opts Options

	mu       sync.Mutex
	recent   []sniffer.Result
	next     int
	full     bool
	lastEdge *sniffer.Result

	subMu sync.Mutex
	subs  map[string]chan sniffer.Result
}

func NewServer(opts Options) *Server {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Server{
		opts:   opts,
		recent: make([]sniffer.Result, opts.Capacity),
		subs:   make(map[string]chan sniffer.Result),
	}
}

// Publish stores res, fans it out to tail subscribers and, for edge bursts,
// writes a waveform PNG when a plot directory is configured. It never
// blocks on a slow subscriber.
func (s *Server) Publish(res sniffer.Result) {
	s.mu.Lock()
	s.recent[s.next] = res
	s.next = (s.next + 1) % len(s.recent)
	if s.next == 0 {
		s.full = true
	}
	isEdge := len(res.Streams) > 0 && len(res.Streams[0].Runs) > 0
	if isEdge {
		r := res
		s.lastEdge = &r
	}
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		select {
		case ch <- res:
		default:
			monitoring.Logf("tail subscriber %s is behind, dropping burst %s", id, res.BurstID)
		}
	}
	s.subMu.Unlock()

	if isEdge && s.opts.PlotDir != "" {
		path := filepath.Join(s.opts.PlotDir, "burst_"+security.SanitizeFilename(res.BurstID)+".png")
		if err := SaveWaveformPNG(path, res, s.opts.Pipeline); err != nil {
			monitoring.Logf("waveform plot for burst %s failed: %v", res.BurstID, err)
		}
	}
}

// Recent returns stored results, oldest first.
func (s *Server) Recent() []sniffer.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		return append([]sniffer.Result(nil), s.recent[:s.next]...)
	}
	out := make([]sniffer.Result, 0, len(s.recent))
	out = append(out, s.recent[s.next:]...)
	return append(out, s.recent[:s.next]...)
}

// LastEdgeBurst returns the most recent result that carries run lengths.
func (s *Server) LastEdgeBurst() (sniffer.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastEdge == nil {
		return sniffer.Result{}, false
	}
	return *s.lastEdge, true
}

func (s *Server) subscribe() (string, chan sniffer.Result) {
	b := make([]byte, 8)
	rand.Read(b)
	id := hex.EncodeToString(b)
	ch := make(chan sniffer.Result, subscriberBuffer)
	s.subMu.Lock()
	s.subs[id] = ch
	s.subMu.Unlock()
	return id, ch
}

func (s *Server) unsubscribe(id string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, id)
}

// PacketView is the JSON shape of one decoded packet.
type PacketView struct {
	BurstID      string `json:"burst_id"`
	Source       string `json:"source"`
	Stream       int    `json:"stream"`
	Index        int    `json:"index"`
	Header       string `json:"header,omitempty"`
	Hex          string `json:"hex"`
	Errors       int    `json:"errors,omitempty"`
	ChecksumOK   *bool  `json:"checksum_ok,omitempty"`
	ChecksumDiff *int   `json:"checksum_diff,omitempty"`
}

// Packets flattens res into packet views.
func Packets(res sniffer.Result) []PacketView {
	var out []PacketView
	for _, st := range res.Streams {
		for i, pr := range st.Packets {
			v := PacketView{
				BurstID: res.BurstID,
				Source:  res.Source,
				Stream:  st.Index,
				Index:   i,
				Header:  pr.Packet.HeaderHex(),
				Hex:     hex.EncodeToString(pr.Packet.Values()),
			}
			for _, b := range pr.Packet.Bytes {
				if !b.OK() {
					v.Errors++
				}
			}
			if pr.Verdict != nil {
				ok, diff := pr.Verdict.OK, pr.Verdict.Diff
				v.ChecksumOK, v.ChecksumDiff = &ok, &diff
			}
			out = append(out, v)
		}
	}
	return out
}

// AttachAdminRoutes registers the uart/ debug routes on mux.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("uart/packets", "recent decoded packets (JSON)", s.handlePackets)
	debug.HandleFunc("uart/waveform", "last edge burst waveform with sample instants", s.handleWaveform)
	debug.HandleSilentFunc("uart/tail", s.handleTail)
}

func (s *Server) handlePackets(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	views := []PacketView{}
	for _, res := range s.Recent() {
		views = append(views, Packets(res)...)
	}
	httputil.WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, ch := s.subscribe()
	defer s.unsubscribe(id)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case res := <-ch:
			for _, v := range Packets(res) {
				line, err := json.Marshal(v)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "data: %s\n\n", line)
			}
			flusher.Flush()
		}
	}
}
