package peer

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/piece"
	"github.com/prxssh/rabbit/pkg/protocol"
	"github.com/prxssh/rabbit/pkg/scheduler"
	"github.com/prxssh/rabbit/pkg/torrent"
)

func testConfig() *config.Config {
	return &config.Config{
		PipelineDepth:            4,
		RequestTimeout:           2 * time.Second,
		ReadTimeout:              2 * time.Second,
		WriteTimeout:             2 * time.Second,
		DialTimeout:              2 * time.Second,
		KeepAliveInterval:        time.Minute,
		PeerOutboundQueueBacklog: 32,
	}
}

func buildMetainfo(content []byte, pieceLen int32) *torrent.Metainfo {
	count := (len(content) + int(pieceLen) - 1) / int(pieceLen)
	pieces := make([][sha1.Size]byte, count)
	for i := 0; i < count; i++ {
		start := i * int(pieceLen)
		end := start + int(pieceLen)
		if end > len(content) {
			end = len(content)
		}
		pieces[i] = sha1.Sum(content[start:end])
	}

	return &torrent.Metainfo{
		Info: &torrent.Info{
			Name:        "test.bin",
			PieceLength: int64(pieceLen),
			Pieces:      pieces,
			Length:      int64(len(content)),
		},
	}
}

// TestSessionTransfersAndVerifiesPieces wires a seeder (full store) and a
// leecher (empty store) over a real loopback TCP connection and confirms
// the leecher ends up with a byte-identical, verified copy.
func TestSessionTransfersAndVerifiesPieces(t *testing.T) {
	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i * 7)
	}
	meta := buildMetainfo(content, 16)

	seederStore := openSeedStore(t, meta, content)
	leecherStore, err := piece.Open(meta, filepath.Join(t.TempDir(), "leecher.bin"), 8)
	if err != nil {
		t.Fatalf("Open leecher store: %v", err)
	}
	t.Cleanup(func() { leecherStore.Close() })

	leecherSched := scheduler.New(leecherStore, 1)

	infoHash := sha1.Sum([]byte("integration-test"))
	seederID := sha1.Sum([]byte("seeder-id-000000000"))
	leecherID := sha1.Sum([]byte("leecher-id-00000000"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	cfg := testConfig()

	acceptedCh := make(chan *Session, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s, err := Accept(conn, seederID, cfg, seederStore, scheduler.New(seederStore, 1), func(got [sha1.Size]byte) bool {
			return got == infoHash
		})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		acceptedCh <- s
	}()

	addr := netip.MustParseAddrPort(ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	leecher, err := Connect(ctx, addr, infoHash, leecherID, cfg, leecherStore, leecherSched)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	seeder := <-acceptedCh

	verified := make(chan int, len(meta.Info.Pieces))
	leecher.OnVerified = func(index int) { verified <- index }

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	go seeder.Run(runCtx)
	go leecher.Run(runCtx)

	// Exchange bitfields and unchoke: a real client only serves data to
	// peers it has unchoked, and a peer only pipelines requests to a
	// peer that has unchoked it.
	seeder.SendBitfield(seederStore.BitfieldSnapshot())
	leecher.SendBitfield(leecherStore.BitfieldSnapshot())

	seeder.mu.Lock()
	seeder.amChoking = false
	seeder.mu.Unlock()
	seeder.outq <- protocol.NewUnchoke()

	want := len(meta.Info.Pieces)
	got := 0
	deadline := time.After(5 * time.Second)
	for got < want {
		select {
		case <-verified:
			got++
		case <-deadline:
			t.Fatalf("timed out waiting for pieces: got %d/%d", got, want)
		}
	}

	for i := range meta.Info.Pieces {
		if !leecherStore.Have(i) {
			t.Fatalf("piece %d not marked verified on leecher", i)
		}
	}
}

func openSeedStore(t *testing.T, meta *torrent.Metainfo, content []byte) *piece.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "seed.bin")
	store, err := piece.Open(meta, path, 8)
	if err != nil {
		t.Fatalf("Open seed store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for i := range meta.Info.Pieces {
		start, _, err := boundsFor(meta, i)
		if err != nil {
			t.Fatalf("bounds: %v", err)
		}

		for {
			begin, length, ok, err := store.ReserveBlock(i)
			if err != nil {
				t.Fatalf("ReserveBlock: %v", err)
			}
			if !ok {
				break
			}

			block := content[int(start)+int(begin) : int(start)+int(begin)+int(length)]
			if _, err := store.DeliverBlock(i, begin, block); err != nil {
				t.Fatalf("DeliverBlock seed: %v", err)
			}
		}
	}

	return store
}

func boundsFor(meta *torrent.Metainfo, index int) (int64, int64, error) {
	var total int64
	for i := 0; i < index; i++ {
		pl, err := meta.PieceLengthAt(i)
		if err != nil {
			return 0, 0, err
		}
		total += int64(pl)
	}
	pl, err := meta.PieceLengthAt(index)
	if err != nil {
		return 0, 0, err
	}
	return total, total + int64(pl), nil
}
