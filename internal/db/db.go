// Package db keeps a sqlite log of decoded bursts and packets.
package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/banshee-data/uartsniff/internal/httputil"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
	path string
}

// NewDB opens (or creates) the database at path and applies migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenDB opens the database and applies connection pragmas without touching
// the schema.
func OpenDB(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; a single connection also keeps pragmas in force
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// RecordBurst stores a decoded burst and its packets in one transaction.
func (db *DB) RecordBurst(res sniffer.Result, recordedAt time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO bursts (
			burst_id, source, closed_at_us, duration_us, run_count, stream_count,
			byte_count, framing_errors, parity_errors, recorded_at_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.BurstID, res.Source, int64(res.ClosedAtUS), int64(res.DurationUS), res.RunCount,
		len(res.Streams), res.ByteCount(), res.FramingErrors, res.ParityErrors,
		recordedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert burst %s: %w", res.BurstID, err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO packets (
			burst_id, stream_index, packet_index, header_hex, payload, checksum_ok, checksum_diff
		) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, st := range res.Streams {
		for i, pr := range st.Packets {
			var ok, diff sql.NullInt64
			if v := pr.Verdict; v != nil {
				ok = sql.NullInt64{Int64: boolToInt(v.OK), Valid: true}
				diff = sql.NullInt64{Int64: int64(v.Diff), Valid: true}
			}
			if _, err := stmt.Exec(res.BurstID, st.Index, i, pr.Packet.HeaderHex(), pr.Packet.Values(), ok, diff); err != nil {
				return fmt.Errorf("failed to insert packet %d of burst %s: %w", i, res.BurstID, err)
			}
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// StoredPacket is a packet row joined with its burst's timestamp.
type StoredPacket struct {
	PacketID     int64     `json:"packet_id"`
	BurstID      string    `json:"burst_id"`
	Source       string    `json:"source"`
	StreamIndex  int       `json:"stream_index"`
	PacketIndex  int       `json:"packet_index"`
	HeaderHex    string    `json:"header_hex"`
	Payload      []byte    `json:"payload"`
	ChecksumOK   *bool     `json:"checksum_ok,omitempty"`
	ChecksumDiff *int      `json:"checksum_diff,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// RecentPackets returns up to limit packets, newest first.
func (db *DB) RecentPackets(limit int) ([]StoredPacket, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT p.packet_id, p.burst_id, b.source, p.stream_index, p.packet_index,
		       p.header_hex, p.payload, p.checksum_ok, p.checksum_diff, b.recorded_at_unix_nanos
		FROM packets p
		JOIN bursts b ON b.burst_id = p.burst_id
		ORDER BY p.packet_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packets []StoredPacket
	for rows.Next() {
		var (
			p        StoredPacket
			ok, diff sql.NullInt64
			nanos    int64
		)
		if err := rows.Scan(&p.PacketID, &p.BurstID, &p.Source, &p.StreamIndex, &p.PacketIndex,
			&p.HeaderHex, &p.Payload, &ok, &diff, &nanos); err != nil {
			return nil, err
		}
		if ok.Valid {
			v := ok.Int64 == 1
			p.ChecksumOK = &v
		}
		if diff.Valid {
			v := int(diff.Int64)
			p.ChecksumDiff = &v
		}
		p.RecordedAt = time.Unix(0, nanos).UTC()
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return packets, nil
}

// BurstSummary is one row of the bursts table.
type BurstSummary struct {
	BurstID       string    `json:"burst_id"`
	Source        string    `json:"source"`
	DurationUS    int64     `json:"duration_us"`
	StreamCount   int       `json:"stream_count"`
	ByteCount     int       `json:"byte_count"`
	FramingErrors int       `json:"framing_errors"`
	ParityErrors  int       `json:"parity_errors"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// RecentBursts returns up to limit bursts, newest first.
func (db *DB) RecentBursts(limit int) ([]BurstSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT burst_id, source, duration_us, stream_count, byte_count,
		       framing_errors, parity_errors, recorded_at_unix_nanos
		FROM bursts
		ORDER BY recorded_at_unix_nanos DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BurstSummary
	for rows.Next() {
		var b BurstSummary
		var nanos int64
		if err := rows.Scan(&b.BurstID, &b.Source, &b.DurationUS, &b.StreamCount, &b.ByteCount,
			&b.FramingErrors, &b.ParityErrors, &nanos); err != nil {
			return nil, err
		}
		b.RecordedAt = time.Unix(0, nanos).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts the tailsql console, a JSON view of the newest
// stored bursts and packets, and a backup download under /debug/.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Capture DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.HandleFunc("uart/stored", "newest stored bursts and packets (JSON, ?limit=N)", db.handleStored)
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

// storedView is the body of /debug/uart/stored.
type storedView struct {
	Bursts  []BurstSummary `json:"bursts"`
	Packets []StoredPacket `json:"packets"`
}

func (db *DB) handleStored(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.WriteJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}

	bursts, err := db.RecentBursts(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list bursts: %v", err))
		return
	}
	packets, err := db.RecentPackets(limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list packets: %v", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, storedView{Bursts: bursts, Packets: packets})
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("uartsniff-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	// remove the backup file from the filesystem once sent
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer backupFile.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to write backup: %v", err)
	}
}
