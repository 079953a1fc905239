package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/uartsniff/internal/config"
	"github.com/banshee-data/uartsniff/internal/db"
	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/monitor"
	"github.com/banshee-data/uartsniff/internal/monitoring"
	"github.com/banshee-data/uartsniff/internal/packet"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"github.com/banshee-data/uartsniff/internal/timeutil"
	"github.com/banshee-data/uartsniff/internal/uart"
	"github.com/banshee-data/uartsniff/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Decoder config JSON file (empty for built-in defaults)")
	mode       = flag.String("mode", "edge", "Capture mode: edge (sampled line) or uart (hardware-framed bytes)")
	port       = flag.String("port", "/dev/ttyUSB0", "Serial port for uart mode (ignored in dev mode)")
	devMode    = flag.Bool("dev", false, "Replay a synthetic payload instead of opening hardware")
	dbPath     = flag.String("db", "uartsniff.db", "SQLite capture log (empty to disable)")
	listen     = flag.String("listen", "", "Debug HTTP listen address (empty to disable)")
	logFile    = flag.String("log-file", "", "Also write logs to this rotating file")
	logMaxMB   = flag.Int("log-max-mb", 50, "Rotate the log file after this many megabytes")
	plotDir    = flag.String("plot-dir", "", "Write a waveform PNG per edge burst into this directory")
	baud       = flag.Uint("baud", 0, "Override the configured baud rate")
	headers    = flag.String("headers", "", "Override packet headers, comma-separated hex (e.g. 4dc0,4de0)")
	checksum   = flag.String("checksum", "", "Override checksum kind: none, sum8, crc16-modbus")
	dumpWidth  = flag.Int("dump-width", 16, "Bytes per row in logged hex dumps (0 disables dumps)")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		fs := flag.NewFlagSet("migrate", flag.ExitOnError)
		path := fs.String("db", "uartsniff.db", "SQLite capture log")
		fs.Parse(os.Args[2:])
		if err := db.RunMigrateCommand(fs.Args(), *path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVer {
		fmt.Println(version.String())
		return
	}

	closer := monitoring.ConfigureOutput(*logFile, *logMaxMB)
	defer closer.Close()

	cfg, err := loadConfig(*configPath, config.Overrides{
		BaudRate: uint32(*baud),
		Headers:  splitList(*headers),
		Checksum: *checksum,
	})
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	log.Printf("%s starting in %s mode", version.String(), *mode)
	log.Printf("decoding %d baud %s, idle gap %dus, headers %v, checksum %s",
		cfg.GetBaudRate(), cfg.GetTemplate(), cfg.GetIdleGapUS(), cfg.Headers, cfg.GetChecksum())

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
	}

	mon := monitor.NewServer(monitor.Options{
		PlotDir:  *plotDir,
		Pipeline: sniffer.OptionsFromConfig(cfg),
	})
	handler := newHandler(store, mon, *dumpWidth, log.Default())

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mon.AttachAdminRoutes(mux)
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Fatalf("failed to attach db routes: %v", err)
		}
	}

	switch *mode {
	case "edge":
		src, err := newEdgeSource(cfg, *devMode)
		if err != nil {
			log.Fatal(err)
		}
		sess, err := sniffer.NewSession(src, cfg, timeutil.RealClock{}, handler)
		if err != nil {
			log.Fatalf("failed to create capture session: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("capture session failed: %v", err)
			}
			log.Print("capture routine terminated")
		}()

	case "uart":
		serial, err := newSerialMux(cfg, *port, *devMode)
		if err != nil {
			log.Fatalf("failed to open serial port: %v", err)
		}
		defer serial.Close()
		serial.AttachAdminRoutes(mux)

		pipe, err := sniffer.NewPipeline(sniffer.OptionsFromConfig(cfg))
		if err != nil {
			log.Fatalf("failed to build decoder: %v", err)
		}

		startUARTDecoding(ctx, &wg, serial, pipe, handler)

	default:
		log.Fatalf("unknown mode %q: expected edge or uart", *mode)
	}

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, *listen, mux)
		}()
	}

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

func serveHTTP(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("debug server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}

// loadConfig reads path (or starts from defaults when path is empty) and
// applies command-line overrides.
func loadConfig(path string, o config.Overrides) (*config.DecoderConfig, error) {
	cfg := config.EmptyDecoderConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadDecoderConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Apply(o); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// newEdgeSource returns the synthetic replay source. Hardware edge capture
// is platform specific and is provided by embedding programs.
func newEdgeSource(cfg *config.DecoderConfig, dev bool) (edge.Source, error) {
	if !dev {
		return nil, errors.New("edge mode needs a platform edge source; run with -dev for the synthetic replay")
	}
	tmpl := cfg.GetTemplate()
	opts := uart.EncodeOptions{Baud: cfg.GetBaudRate(), GapBits: 1, TrailIdleBits: 2}
	runs := uart.Encode(devPayload(cfg.GetHeaders(), cfg.GetChecksum(), 4), tmpl, opts)
	return sniffer.NewSyntheticSource(timeutil.RealClock{}, runs, replayInterval(runs, cfg.GetIdleGapUS())), nil
}

// replayInterval leaves a full idle gap plus margin after each replay so
// every copy closes as its own burst.
func replayInterval(runs []edge.Run, idleGapUS uint64) time.Duration {
	total := edge.Burst{Runs: runs}.DurationUS() + idleGapUS
	return time.Duration(total)*time.Microsecond + 250*time.Millisecond
}

func newSerialMux(cfg *config.DecoderConfig, path string, dev bool) (serialmux.SerialMuxInterface, error) {
	muxOpts := serialmux.MuxOptions{GapUS: cfg.GetIdleGapUS(), PollInterval: cfg.GetPollInterval()}
	if dev {
		payload := devPayload(cfg.GetHeaders(), cfg.GetChecksum(), 4)
		return serialmux.NewReplaySerialMux(payload, time.Second, muxOpts), nil
	}
	m, err := serialmux.NewRealSerialMux(path, serialmux.PortOptionsFor(cfg.GetBaudRate(), cfg.GetTemplate()), muxOpts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// startUARTDecoding runs the mux monitor and a decode loop on wg. The decode
// subscription is taken before the monitor starts so the first burst cannot
// close with nobody listening.
func startUARTDecoding(ctx context.Context, wg *sync.WaitGroup, serial serialmux.SerialMuxInterface, pipe *sniffer.Pipeline, handler sniffer.Handler) {
	subID, bursts := serial.Subscribe()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serial.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer serial.Unsubscribe(subID)
		if err := pipe.Consume(ctx, bursts, handler); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("decode routine failed: %v", err)
		}
		log.Print("decode routine terminated")
	}()
}

// newHandler fans each decoded burst out to the log, the capture database
// and the debug monitor. store and mon may be nil. Each logged packet is
// compared with the previous packet carrying the same header from the same
// source, and the dump gains an XOR column when their lengths match.
func newHandler(store *db.DB, mon *monitor.Server, dumpWidth int, logger *log.Logger) sniffer.Handler {
	var mu sync.Mutex
	previous := make(map[string][]byte)

	return func(res sniffer.Result) {
		mu.Lock()
		for _, st := range res.Streams {
			for i, pr := range st.Packets {
				values := pr.Packet.Values()
				key := res.Source + "/" + pr.Packet.HeaderHex()
				prev := previous[key]
				previous[key] = values

				logger.Print(packetSummary(res.BurstID, st.Index, i, pr, prev))
				if dumpWidth > 0 {
					logger.Print("\n" + sniffer.Dump(values, packet.XOR(prev, values), dumpWidth))
				}
			}
		}
		mu.Unlock()

		if store != nil {
			if err := store.RecordBurst(res, time.Now()); err != nil {
				logger.Printf("failed to record burst %s: %v", res.BurstID, err)
			}
		}
		if mon != nil {
			mon.Publish(res)
		}
	}
}

func packetSummary(burstID string, stream, index int, pr sniffer.PacketResult, prev []byte) string {
	header := pr.Packet.HeaderHex()
	if header == "" {
		header = "unclassified"
	}
	bad := 0
	for _, b := range pr.Packet.Bytes {
		if !b.OK() {
			bad++
		}
	}
	s := fmt.Sprintf("burst %s stream %d packet %d: header %s, %d bytes", burstID, stream, index, header, len(pr.Packet.Bytes))
	if bad > 0 {
		s += fmt.Sprintf(", %d frame errors", bad)
	}
	if len(prev) == len(pr.Packet.Bytes) {
		if changed := packet.ChangedOffsets(prev, pr.Packet.Values()); len(changed) > 0 {
			s += fmt.Sprintf(", changed at %v", changed)
		}
	}
	if v := pr.Verdict; v != nil {
		if v.OK {
			s += fmt.Sprintf(", %s ok", v.Kind)
		} else {
			s += fmt.Sprintf(", %s mismatch (computed %#04x, received %#04x, diff %+d)", v.Kind, v.Computed, v.Received, v.Diff)
		}
	}
	return s
}
