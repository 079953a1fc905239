package db

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/uartsniff/internal/packet"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/sniffer"
	"github.com/banshee-data/uartsniff/internal/testutil"
	"github.com/banshee-data/uartsniff/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

// decodedResult runs real bytes through a sum8 pipeline: an unclassified
// prefix, one good packet and one with a corrupted checksum.
func decodedResult(t *testing.T, id string) sniffer.Result {
	t.Helper()
	pipe, err := sniffer.NewPipeline(sniffer.Options{
		Baud:     38400,
		Template: uart.DefaultTemplate(),
		Headers:  [][]byte{{0x4d, 0xc0}},
		Checksum: packet.ChecksumSum8,
	})
	require.NoError(t, err)
	data := []byte{
		0x01,
		0x4d, 0xc0, 0x05, 0x12, // sum 0x4d+0xc0+0x05 = 0x112
		0x4d, 0xc0, 0x07, 0x13, // wants 0x14
	}
	return pipe.DecodeBytes(serialmux.ByteBurst{
		ID:         id,
		Port:       "/dev/ttyUSB0",
		ReceivedAt: time.UnixMicro(1_700_000_000_000_000),
		Data:       data,
	})
}

func TestRecordBurst_RoundTrip(t *testing.T) {
	database := setupTestDB(t)
	res := decodedResult(t, "burst-1")
	require.Len(t, res.Packets(), 3)

	recorded := time.Unix(1_700_000_100, 0)
	require.NoError(t, database.RecordBurst(res, recorded))

	packets, err := database.RecentPackets(10)
	require.NoError(t, err)
	require.Len(t, packets, 3)

	// newest first
	bad, good, prefix := packets[0], packets[1], packets[2]

	assert.Equal(t, "", prefix.HeaderHex)
	assert.Equal(t, []byte{0x01}, prefix.Payload)
	assert.Nil(t, prefix.ChecksumOK)
	assert.Nil(t, prefix.ChecksumDiff)

	assert.Equal(t, "4dc0", good.HeaderHex)
	assert.Equal(t, []byte{0x4d, 0xc0, 0x05, 0x12}, good.Payload)
	require.NotNil(t, good.ChecksumOK)
	assert.True(t, *good.ChecksumOK)
	require.NotNil(t, good.ChecksumDiff)
	assert.Equal(t, 0, *good.ChecksumDiff)

	require.NotNil(t, bad.ChecksumOK)
	assert.False(t, *bad.ChecksumOK)
	assert.Equal(t, -1, *bad.ChecksumDiff)
	assert.Equal(t, 2, bad.PacketIndex)

	for _, p := range packets {
		assert.Equal(t, "burst-1", p.BurstID)
		assert.Equal(t, "/dev/ttyUSB0", p.Source)
		assert.True(t, p.RecordedAt.Equal(recorded))
	}

	bursts, err := database.RecentBursts(10)
	require.NoError(t, err)
	require.Len(t, bursts, 1)
	assert.Equal(t, 9, bursts[0].ByteCount)
	assert.Equal(t, 1, bursts[0].StreamCount)
}

func TestRecordBurst_DuplicateIDRollsBack(t *testing.T) {
	database := setupTestDB(t)
	res := decodedResult(t, "dup")
	require.NoError(t, database.RecordBurst(res, time.Now()))

	err := database.RecordBurst(res, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dup")

	packets, err := database.RecentPackets(100)
	require.NoError(t, err)
	assert.Len(t, packets, 3, "failed insert must not add packets")
}

func TestRecordBurst_EmptyResult(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RecordBurst(sniffer.Result{BurstID: "quiet", Source: "edge"}, time.Now()))

	packets, err := database.RecentPackets(10)
	require.NoError(t, err)
	assert.Empty(t, packets)

	bursts, err := database.RecentBursts(0)
	require.NoError(t, err)
	require.Len(t, bursts, 1)
	assert.Equal(t, "quiet", bursts[0].BurstID)
}

func TestRecentPackets_Limit(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RecordBurst(decodedResult(t, "a"), time.Now()))
	require.NoError(t, database.RecordBurst(decodedResult(t, "b"), time.Now()))

	packets, err := database.RecentPackets(2)
	require.NoError(t, err)
	require.Len(t, packets, 2)
	assert.Equal(t, "b", packets[0].BurstID)
}

func TestDeletingBurstCascades(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RecordBurst(decodedResult(t, "gone"), time.Now()))

	_, err := database.Exec(`DELETE FROM bursts WHERE burst_id = ?`, "gone")
	require.NoError(t, err)

	var n int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestAttachAdminRoutes_Backup(t *testing.T) {
	database := setupTestDB(t)
	require.NoError(t, database.RecordBurst(decodedResult(t, "backed-up"), time.Now()))

	mux := http.NewServeMux()
	require.NoError(t, database.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/backup")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "uartsniff-backup-")

	zr, err := gzip.NewReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "SQLite format 3"))
}

func TestAttachAdminRoutes_TailSQLMounted(t *testing.T) {
	database := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, database.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tailsql")
	assert.Contains(t, rec.Body.String(), "backup")
}

func TestAttachAdminRoutes_Stored(t *testing.T) {
	database := setupTestDB(t)
	base := time.Unix(1_700_000_000, 0)
	require.NoError(t, database.RecordBurst(decodedResult(t, "older"), base))
	require.NoError(t, database.RecordBurst(decodedResult(t, "newer"), base.Add(time.Second)))

	mux := http.NewServeMux()
	require.NoError(t, database.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/stored?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got storedView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Bursts, 1)
	assert.Equal(t, "newer", got.Bursts[0].BurstID)
	assert.Equal(t, 9, got.Bursts[0].ByteCount)
	require.Len(t, got.Packets, 1)
	assert.Equal(t, "newer", got.Packets[0].BurstID)
	assert.Equal(t, []byte{0x4d, 0xc0, 0x07, 0x13}, got.Packets[0].Payload)

	rec = testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/stored")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Len(t, got.Bursts, 2)
	assert.Len(t, got.Packets, 6)
}

func TestAttachAdminRoutes_StoredRejectsBadRequests(t *testing.T) {
	database := setupTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, database.AttachAdminRoutes(mux))

	rec := testutil.ServeDebug(mux, http.MethodGet, "/debug/uart/stored?limit=-3")
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	assert.Contains(t, rec.Body.String(), "invalid limit")

	rec = testutil.ServeDebug(mux, http.MethodPost, "/debug/uart/stored")
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}
