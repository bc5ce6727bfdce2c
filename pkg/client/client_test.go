package client

import (
	"crypto/sha1"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/torrent"
)

func testMetainfo(pieceLen int32, size int64) *torrent.Metainfo {
	count := int((size + int64(pieceLen) - 1) / int64(pieceLen))
	pieces := make([][sha1.Size]byte, count)
	for i := range pieces {
		pieces[i] = sha1.Sum([]byte{byte(i)})
	}

	return &torrent.Metainfo{
		Info: &torrent.Info{
			Name:        "test.bin",
			PieceLength: int64(pieceLen),
			Pieces:      pieces,
			Length:      size,
		},
		Announce: "http://tracker.example/announce",
	}
}

func testClientConfig() *config.Config {
	return &config.Config{
		ClientIDPrefix:           "-SD0001-",
		PipelineDepth:            4,
		BlockSize:                8,
		RequestTimeout:           time.Second,
		ReadTimeout:              time.Second,
		WriteTimeout:             time.Second,
		DialTimeout:              time.Second,
		KeepAliveInterval:        time.Minute,
		PeerOutboundQueueBacklog: 16,
		MaxSessions:              4,
		NumWant:                  30,
		MinAnnounceInterval:      time.Minute,
		MaxAnnounceBackoff:       time.Minute,
	}
}

func TestGenerateClientIDUsesPrefix(t *testing.T) {
	id, err := generateClientID("-SD0001-")
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}
	if string(id[:8]) != "-SD0001-" {
		t.Fatalf("prefix = %q, want -SD0001-", id[:8])
	}
}

func TestGenerateClientIDFallsBackOnBadPrefix(t *testing.T) {
	id, err := generateClientID("short")
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}
	if string(id[:8]) != "-SD0001-" {
		t.Fatalf("expected fallback prefix, got %q", id[:8])
	}
}

func TestNewOpensStoreAndReportsStats(t *testing.T) {
	meta := testMetainfo(16, 64)
	cfg := testClientConfig()

	c, err := New(meta, filepath.Join(t.TempDir(), "out.bin"), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.store.Close() })

	stats := c.Stats()
	if stats.PiecesTotal != len(meta.Info.Pieces) {
		t.Fatalf("PiecesTotal = %d, want %d", stats.PiecesTotal, len(meta.Info.Pieces))
	}
	if stats.PiecesVerified != 0 {
		t.Fatalf("PiecesVerified = %d, want 0 on a fresh store", stats.PiecesVerified)
	}
	if stats.ActiveSessions != 0 {
		t.Fatalf("ActiveSessions = %d, want 0", stats.ActiveSessions)
	}

	if got := c.remainingBytes(); got != meta.Info.Length {
		t.Fatalf("remainingBytes = %d, want %d", got, meta.Info.Length)
	}
}
