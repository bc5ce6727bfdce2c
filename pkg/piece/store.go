// Package piece implements the on-disk piece store: block assembly,
// SHA-1 verification, and the verified-piece bitfield a session or
// scheduler needs to decide what to request and what it can serve.
package piece

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/pieceutil"
	"github.com/prxssh/rabbit/pkg/torrent"
	"golang.org/x/sync/errgroup"
)

// BlockState tracks a single block's position in its lifecycle.
type BlockState uint8

const (
	BlockMissing BlockState = iota
	BlockInFlight
	BlockComplete
)

// Delivery reports the outcome of handing a block to (*Store).DeliverBlock.
type Delivery uint8

const (
	// AcceptedPartial means the block landed but the piece isn't complete yet.
	AcceptedPartial Delivery = iota
	// AcceptedVerified means the block completed the piece and its hash matched.
	AcceptedVerified
	// AcceptedRejected means the block completed the piece but the hash
	// didn't match; every block in the piece was reset to BlockMissing.
	AcceptedRejected
)

func (d Delivery) String() string {
	switch d {
	case AcceptedPartial:
		return "partial"
	case AcceptedVerified:
		return "verified"
	case AcceptedRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidBlock = errors.New("piece: block out of range or wrong length")
	ErrNotAvailable = errors.New("piece: piece not verified on disk")
	ErrNoSuchPiece  = errors.New("piece: piece index out of range")
	ErrNoSuchBlock  = errors.New("piece: block index out of range")
)

type pieceState struct {
	mu       sync.Mutex
	length   int32
	blocks   []BlockState
	buf      []byte // assembled bytes, allocated lazily, freed once verified
	verified bool
}

// Store owns a single-file on-disk download target and tracks, per piece,
// which blocks have arrived and which pieces have been verified against
// the descriptor's SHA-1 hashes.
type Store struct {
	meta      *torrent.Metainfo
	file      *os.File
	blockSize int32

	mu     sync.RWMutex
	bf     bitfield.Bitfield
	pieces []*pieceState

	subMu sync.Mutex
	subs  map[chan int]struct{}
}

// Open creates (or truncates to size) the file at path and returns a Store
// ready for startup verification. It does not verify existing content —
// call Verify for that.
func Open(meta *torrent.Metainfo, path string, blockSize int32) (*Store, error) {
	if blockSize <= 0 {
		blockSize = pieceutil.MaxBlockLength
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("piece: open target: %w", err)
	}
	size := meta.Size()
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("piece: truncate target: %w", err)
	}

	count := meta.PieceCount()
	s := &Store{
		meta:      meta,
		file:      f,
		blockSize: blockSize,
		bf:        bitfield.New(count),
		pieces:    make([]*pieceState, count),
		subs:      make(map[chan int]struct{}),
	}

	for i := 0; i < count; i++ {
		pl, err := meta.PieceLengthAt(i)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.pieces[i] = &pieceState{
			length: pl,
			blocks: make([]BlockState, pieceutil.BlockCountForPiece(pl, blockSize)),
		}
	}

	return s, nil
}

// Close closes the underlying file.
func (s *Store) Close() error { return s.file.Close() }

// PieceCount returns the number of pieces the descriptor defines.
func (s *Store) PieceCount() int { return len(s.pieces) }

// Verify hashes every piece already resident on disk (e.g. a resumed
// download) and marks matching pieces as verified. It runs up to workers
// pieces concurrently and returns the first hashing/IO error encountered.
func (s *Store) Verify(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)

	for i := 0; i < len(s.pieces); i++ {
		index := i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()

			ok, err := s.hashOnDisk(index)
			if err != nil {
				return err
			}
			if ok {
				s.markVerified(index)
			}
			return ctx.Err()
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("piece store verification complete", "have", s.BitfieldSnapshot().Count())
	return nil
}

func (s *Store) hashOnDisk(index int) (bool, error) {
	ps := s.pieces[index]

	start, end, err := pieceutil.PieceOffsetBounds(index, s.meta.Size(), int32(s.meta.Info.PieceLength))
	if err != nil {
		return false, err
	}

	buf := make([]byte, end-start)
	if _, err := s.file.ReadAt(buf, start); err != nil {
		return false, nil //nolint:nilerr // unwritten region, not a fault
	}

	want, err := s.meta.HashAt(index)
	if err != nil {
		return false, err
	}

	if sha1.Sum(buf) != want {
		return false, nil
	}

	ps.mu.Lock()
	ps.verified = true
	for i := range ps.blocks {
		ps.blocks[i] = BlockComplete
	}
	ps.mu.Unlock()

	return true, nil
}

// Have reports whether piece index has been verified.
func (s *Store) Have(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.Has(index)
}

// BitfieldSnapshot returns a copy of the verified-piece bitfield.
func (s *Store) BitfieldSnapshot() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bf.Clone()
}

// MissingPieces returns the indices of pieces not yet verified.
func (s *Store) MissingPieces() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]int, 0, len(s.pieces))
	for i := range s.pieces {
		if !s.bf.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReserveBlock marks the next BlockMissing block of piece index as
// BlockInFlight and returns its (begin, length). It returns
// ErrNoSuchPiece if index is out of range, or ok=false if every block of
// the piece is already in flight or complete.
func (s *Store) ReserveBlock(index int) (begin, length int32, ok bool, err error) {
	ps, err := s.piece(index)
	if err != nil {
		return 0, 0, false, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	for bi, st := range ps.blocks {
		if st != BlockMissing {
			continue
		}

		b, l, err := pieceutil.BlockOffsetBounds(ps.length, s.blockSize, bi)
		if err != nil {
			return 0, 0, false, err
		}
		ps.blocks[bi] = BlockInFlight
		return b, l, true, nil
	}

	return 0, 0, false, nil
}

// ReleaseBlock returns an in-flight block to BlockMissing, used when a
// peer disconnects or a request times out before delivery. It is a no-op
// if the block has already been completed.
func (s *Store) ReleaseBlock(index int, begin int32) error {
	ps, err := s.piece(index)
	if err != nil {
		return err
	}

	bi := s.blockIndexForBegin(begin, ps.length)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if bi < 0 || bi >= len(ps.blocks) {
		return ErrNoSuchBlock
	}
	if ps.blocks[bi] == BlockInFlight {
		ps.blocks[bi] = BlockMissing
	}
	return nil
}

// DeliverBlock writes a received block into its piece's assembly buffer.
// Once every block of the piece has arrived, the full piece is hashed
// against the descriptor; a match is flushed to disk and marked verified,
// a mismatch resets every block in the piece to BlockMissing so it is
// requested again.
func (s *Store) DeliverBlock(index int, begin int32, data []byte) (Delivery, error) {
	ps, err := s.piece(index)
	if err != nil {
		return AcceptedRejected, err
	}

	bi := s.blockIndexForBegin(begin, ps.length)

	ps.mu.Lock()
	if ps.verified {
		// Late or duplicate delivery for a piece already verified and
		// flushed; ps.buf is gone, so there is nothing left to do.
		ps.mu.Unlock()
		return AcceptedPartial, nil
	}
	if bi < 0 || bi >= len(ps.blocks) {
		ps.mu.Unlock()
		return AcceptedRejected, ErrInvalidBlock
	}
	wantBegin, wantLen, err := pieceutil.BlockOffsetBounds(ps.length, s.blockSize, bi)
	if err != nil || wantBegin != begin || int32(len(data)) != wantLen {
		ps.mu.Unlock()
		return AcceptedRejected, ErrInvalidBlock
	}

	if ps.buf == nil {
		ps.buf = make([]byte, ps.length)
	}
	copy(ps.buf[begin:], data)
	ps.blocks[bi] = BlockComplete

	complete := true
	for _, st := range ps.blocks {
		if st != BlockComplete {
			complete = false
			break
		}
	}
	if !complete {
		ps.mu.Unlock()
		return AcceptedPartial, nil
	}

	want, err := s.meta.HashAt(index)
	if err != nil {
		ps.mu.Unlock()
		return AcceptedRejected, err
	}

	if sha1.Sum(ps.buf) != want {
		for i := range ps.blocks {
			ps.blocks[i] = BlockMissing
		}
		ps.buf = nil
		ps.mu.Unlock()
		slog.Warn("piece hash mismatch, re-requesting", "index", index)
		return AcceptedRejected, nil
	}

	start, _, err := pieceutil.PieceOffsetBounds(index, s.meta.Size(), int32(s.meta.Info.PieceLength))
	if err != nil {
		ps.mu.Unlock()
		return AcceptedRejected, err
	}
	if _, err := s.file.WriteAt(ps.buf, start); err != nil {
		ps.mu.Unlock()
		return AcceptedRejected, fmt.Errorf("piece: flush to disk: %w", err)
	}

	ps.verified = true
	ps.buf = nil
	ps.mu.Unlock()

	s.markVerified(index)
	return AcceptedVerified, nil
}

// ReadBlock reads length bytes starting at begin from a verified piece,
// for serving an upload request. It returns ErrNotAvailable if the piece
// hasn't been verified yet.
func (s *Store) ReadBlock(index int, begin, length int32) ([]byte, error) {
	if !s.Have(index) {
		return nil, ErrNotAvailable
	}

	start, end, err := pieceutil.PieceOffsetBounds(index, s.meta.Size(), int32(s.meta.Info.PieceLength))
	if err != nil {
		return nil, err
	}
	if begin < 0 || int64(begin)+int64(length) > end-start {
		return nil, ErrInvalidBlock
	}

	buf := make([]byte, length)
	if _, err := s.file.ReadAt(buf, start+int64(begin)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Subscribe returns a channel of verified piece indices. The channel is
// closed and unregistered once ctx is done.
func (s *Store) Subscribe(ctx context.Context) <-chan int {
	ch := make(chan int, 64)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subMu.Lock()
		delete(s.subs, ch)
		s.subMu.Unlock()
		close(ch)
	}()

	return ch
}

func (s *Store) markVerified(index int) {
	s.mu.Lock()
	s.bf.Set(index)
	s.mu.Unlock()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- index:
		default:
			slog.Warn("dropping verified-piece notification, subscriber backlog full", "index", index)
		}
	}
}

func (s *Store) piece(index int) (*pieceState, error) {
	if index < 0 || index >= len(s.pieces) {
		return nil, ErrNoSuchPiece
	}
	return s.pieces[index], nil
}

// blockIndexForBegin maps a byte offset within a piece to its block index
// under this store's configured block size. pieceutil.BlockIndexForBegin
// assumes the package-wide default block size, which this store does not
// always use.
func (s *Store) blockIndexForBegin(begin, pieceLen int32) int {
	if begin < 0 || begin >= pieceLen || s.blockSize <= 0 {
		return -1
	}
	return int(begin / s.blockSize)
}
