// Package serialmux reads a hardware UART, cuts the byte stream into bursts
// on idle gaps and fans each burst out to any number of subscribers.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/monitoring"
	"github.com/banshee-data/uartsniff/internal/timeutil"
	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

// ByteBurst is one gap-delimited run of bytes framed by the hardware UART.
type ByteBurst struct {
	ID         string    `json:"id"`
	Port       string    `json:"port"`
	ReceivedAt time.Time `json:"received_at"`
	Data       []byte    `json:"data"`
}

// MuxOptions tunes burst detection. Zero values take the defaults.
type MuxOptions struct {
	// Name identifies the port in bursts and logs.
	Name string
	// GapUS is the quiet time that ends a burst.
	GapUS uint64
	// PollInterval is how often the gap is checked.
	PollInterval time.Duration
	Clock        timeutil.Clock
}

const (
	DefaultGapUS        = 10000
	DefaultPollInterval = 5 * time.Millisecond
	subscriberBuffer    = 16
)

// SerialMux is a generic serial port multiplexer that allows multiple clients to
// subscribe to bursts from a single serial port.
type SerialMux[T SerialPorter] struct {
	port     T
	name     string
	clock    timeutil.Clock
	watch    *timeutil.Stopwatch
	buf      *edge.GapBuffer[byte]
	interval time.Duration

	subscribers  map[string]chan ByteBurst
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex

	bursts    uint64
	bytesRead uint64
	dropped   uint64
	statsMu   sync.Mutex
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving bursts from the serial
	// port. The channel ID is used to identify the unique channel when
	// unsubscribing.
	Subscribe() (string, chan ByteBurst)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Monitor reads from the serial port and publishes each burst.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux creates a SerialMux instance reading from port.
func NewSerialMux[T SerialPorter](port T, opts MuxOptions) *SerialMux[T] {
	if opts.GapUS == 0 {
		opts.GapUS = DefaultGapUS
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &SerialMux[T]{
		port:        port,
		name:        opts.Name,
		clock:       opts.Clock,
		watch:       timeutil.NewStopwatch(opts.Clock),
		buf:         edge.NewGapBuffer[byte](opts.GapUS),
		interval:    opts.PollInterval,
		subscribers: make(map[string]chan ByteBurst),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a buffered channel of bursts.
func (s *SerialMux[T]) Subscribe() (string, chan ByteBurst) {
	id := randomID()
	ch := make(chan ByteBurst, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Pending reports bytes buffered for the burst in progress.
func (s *SerialMux[T]) Pending() int {
	return s.buf.Len()
}

type readResult struct {
	data []byte
	atUS uint64
}

// Monitor reads the serial port until ctx is cancelled, the port reports
// EOF or a read fails. Bursts still buffered at EOF are published.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	chunks := make(chan readResult)
	readErr := make(chan error, 1)

	// the blocking Read will not interfere with our outer loop awaiting
	// data, ticks & context cancellation.
	go func() {
		defer close(chunks)
		buf := make([]byte, 4096)
		for {
			n, err := s.port.Read(buf)
			if n > 0 {
				chunk := readResult{data: append([]byte(nil), buf[:n]...), atUS: s.watch.Micros()}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case readErr <- err:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if s.isClosing() {
				return nil
			}
			return fmt.Errorf("read %s: %w", s.name, err)

		case chunk, ok := <-chunks:
			if !ok {
				if data, _, ok := s.buf.Flush(); ok {
					s.publish(data)
				}
				return nil
			}
			s.buf.Append(chunk.atUS, chunk.data...)
			s.statsMu.Lock()
			s.bytesRead += uint64(len(chunk.data))
			s.statsMu.Unlock()

		case <-ticker.C():
			if data, _, ok := s.buf.Take(s.watch.Micros()); ok {
				s.publish(data)
			}
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) publish(data []byte) {
	if s.isClosing() {
		return
	}
	b := ByteBurst{ID: uuid.NewString(), Port: s.name, ReceivedAt: s.clock.Now(), Data: data}

	s.subscriberMu.Lock()
	dropped := 0
	for _, ch := range s.subscribers {
		select {
		case ch <- b:
		default:
			// if the channel is full skip so as not to block the reader
			dropped++
		}
	}
	s.subscriberMu.Unlock()

	s.statsMu.Lock()
	s.bursts++
	s.dropped += uint64(dropped)
	s.statsMu.Unlock()
	if dropped > 0 {
		monitoring.Logf("serialmux %s: %d subscribers too slow, burst %s dropped for them", s.name, dropped, b.ID)
	}
}

// Stats is a snapshot of the mux counters.
type Stats struct {
	Port      string `json:"port"`
	Bursts    uint64 `json:"bursts"`
	BytesRead uint64 `json:"bytes_read"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Stats returns the mux counters.
func (s *SerialMux[T]) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{Port: s.name, Bursts: s.bursts, BytesRead: s.bytesRead, Dropped: s.dropped, Pending: s.buf.Len()}
}

// Close closes every subscriber channel and then the port.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes registers /debug/serial-stats and a hex SSE tail at
// /debug/serial-tail.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "serial burst counters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.Stats())
	})

	// API endpoint to issue Server-Side Events (SSE) for each burst read from the serial port.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
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
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case b, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", hex.EncodeToString(b.Data)); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
