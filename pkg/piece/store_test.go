package piece

import (
	"context"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/prxssh/rabbit/pkg/torrent"
)

func newTestMetainfo(t *testing.T, content []byte, pieceLen int32) *torrent.Metainfo {
	t.Helper()

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

func openTestStore(t *testing.T, content []byte, pieceLen, blockSize int32) *Store {
	t.Helper()

	meta := newTestMetainfo(t, content, pieceLen)
	path := filepath.Join(t.TempDir(), "target.bin")

	s, err := Open(meta, path, blockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeliverBlockAssemblesAndVerifiesPiece(t *testing.T) {
	content := make([]byte, 40)
	for i := range content {
		content[i] = byte(i)
	}
	s := openTestStore(t, content, 16, 8)

	// Piece 0 spans bytes [0,16), two blocks of 8 bytes each.
	begin, length, ok, err := s.ReserveBlock(0)
	if err != nil || !ok {
		t.Fatalf("ReserveBlock(0) first: ok=%v err=%v", ok, err)
	}
	if begin != 0 || length != 8 {
		t.Fatalf("unexpected first block bounds: begin=%d length=%d", begin, length)
	}

	res, err := s.DeliverBlock(0, begin, content[begin:begin+length])
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if res != AcceptedPartial {
		t.Fatalf("expected AcceptedPartial after first block, got %v", res)
	}

	begin2, length2, ok, err := s.ReserveBlock(0)
	if err != nil || !ok {
		t.Fatalf("ReserveBlock(0) second: ok=%v err=%v", ok, err)
	}

	res, err = s.DeliverBlock(0, begin2, content[begin2:begin2+length2])
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if res != AcceptedVerified {
		t.Fatalf("expected AcceptedVerified after final block, got %v", res)
	}

	if !s.Have(0) {
		t.Fatal("piece 0 should be marked verified")
	}

	block, err := s.ReadBlock(0, 0, 16)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if string(block) != string(content[0:16]) {
		t.Fatalf("ReadBlock returned wrong bytes")
	}
}

func TestDeliverBlockRejectsCorruptPiece(t *testing.T) {
	content := make([]byte, 16)
	s := openTestStore(t, content, 16, 8)

	begin, length, _, _ := s.ReserveBlock(0)
	if _, err := s.DeliverBlock(0, begin, content[begin:begin+length]); err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}

	begin2, length2, _, _ := s.ReserveBlock(0)
	corrupt := make([]byte, length2)
	copy(corrupt, content[begin2:begin2+length2])
	corrupt[0] ^= 0xFF

	res, err := s.DeliverBlock(0, begin2, corrupt)
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if res != AcceptedRejected {
		t.Fatalf("expected AcceptedRejected for corrupt piece, got %v", res)
	}
	if s.Have(0) {
		t.Fatal("corrupt piece must not be marked verified")
	}

	// Every block should be available to reserve again.
	if _, _, ok, _ := s.ReserveBlock(0); !ok {
		t.Fatal("expected blocks to be reset to missing after rejection")
	}
}

func TestDeliverBlockInvalidBounds(t *testing.T) {
	content := make([]byte, 16)
	s := openTestStore(t, content, 16, 8)

	if _, err := s.DeliverBlock(0, 0, make([]byte, 3)); err != ErrInvalidBlock {
		t.Fatalf("expected ErrInvalidBlock for wrong length, got %v", err)
	}
	if _, err := s.DeliverBlock(99, 0, make([]byte, 8)); err != ErrNoSuchPiece {
		t.Fatalf("expected ErrNoSuchPiece for out-of-range index, got %v", err)
	}
}

func TestReleaseBlockReturnsToMissing(t *testing.T) {
	content := make([]byte, 16)
	s := openTestStore(t, content, 16, 8)

	begin, _, ok, _ := s.ReserveBlock(0)
	if !ok {
		t.Fatal("expected a reservable block")
	}
	if err := s.ReleaseBlock(0, begin); err != nil {
		t.Fatalf("ReleaseBlock: %v", err)
	}

	begin2, _, ok, _ := s.ReserveBlock(0)
	if !ok || begin2 != begin {
		t.Fatalf("expected released block to be reservable again, got begin=%d ok=%v", begin2, ok)
	}
}

func TestReadBlockNotAvailable(t *testing.T) {
	content := make([]byte, 16)
	s := openTestStore(t, content, 16, 8)

	if _, err := s.ReadBlock(0, 0, 8); err != ErrNotAvailable {
		t.Fatalf("expected ErrNotAvailable before verification, got %v", err)
	}
}

func TestVerifyMarksExistingContentOnDisk(t *testing.T) {
	content := make([]byte, 32)
	for i := range content {
		content[i] = byte(i + 1)
	}
	meta := newTestMetainfo(t, content, 16)
	path := filepath.Join(t.TempDir(), "target.bin")

	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s, err := Open(meta, path, 8)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Verify(context.Background(), 4); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	if !s.Have(0) || !s.Have(1) {
		t.Fatal("expected both pieces to verify from existing disk content")
	}
	if len(s.MissingPieces()) != 0 {
		t.Fatalf("expected no missing pieces, got %v", s.MissingPieces())
	}
}

func TestSubscribeReceivesVerifiedIndices(t *testing.T) {
	content := make([]byte, 16)
	s := openTestStore(t, content, 16, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	begin, length, _, _ := s.ReserveBlock(0)
	s.DeliverBlock(0, begin, content[begin:begin+length])
	begin2, length2, _, _ := s.ReserveBlock(0)
	if _, err := s.DeliverBlock(0, begin2, content[begin2:begin2+length2]); err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}

	select {
	case idx := <-ch:
		if idx != 0 {
			t.Fatalf("expected notification for piece 0, got %d", idx)
		}
	default:
		t.Fatal("expected a verified-piece notification")
	}
}
