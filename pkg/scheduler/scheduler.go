// Package scheduler implements rarest-first piece and block selection on
// top of an availabilitybucket, handing out the next block a peer session
// should request.
package scheduler

import (
	"sync"

	"github.com/prxssh/rabbit/pkg/availabilitybucket"
	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/piece"
)

// Scheduler tracks swarm-wide piece availability and decides, for a given
// peer's bitfield, which piece/block to request next. It prefers
// completing a piece that already has a block in flight over starting a
// new one, then falls back to the globally rarest piece the peer has.
type Scheduler struct {
	store    *piece.Store
	maxAvail int
	bucket   *availabilitybucket.Bucket

	mu      sync.Mutex
	pending map[int]struct{}
}

// New returns a Scheduler for a download with store.PieceCount() pieces.
// maxPeers bounds the availability count any single piece can reach.
func New(store *piece.Store, maxPeers int) *Scheduler {
	if maxPeers < 1 {
		maxPeers = 1
	}

	return &Scheduler{
		store:    store,
		maxAvail: maxPeers,
		bucket:   availabilitybucket.NewBucket(store.PieceCount(), maxPeers),
		pending:  make(map[int]struct{}),
	}
}

// PeerHave records that a connected peer announced piece index.
func (s *Scheduler) PeerHave(index int) {
	s.bucket.Move(index, 1)
}

// PeerBitfield records every piece announced in a peer's initial bitfield.
func (s *Scheduler) PeerBitfield(bf bitfield.Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.bucket.Move(i, 1)
		}
	}
}

// PeerGone removes a disconnected peer's contribution to availability. bf
// should be the peer's last known bitfield.
func (s *Scheduler) PeerGone(bf bitfield.Bitfield) {
	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			s.bucket.Move(i, -1)
		}
	}
}

// NextRequest reserves the next block to request from a peer whose
// announced pieces are peerBitfield. ok is false if there is nothing left
// that peer can supply.
func (s *Scheduler) NextRequest(peerBitfield bitfield.Bitfield) (index int, begin, length int32, ok bool) {
	for _, idx := range s.candidates(peerBitfield) {
		b, l, reserved, err := s.store.ReserveBlock(idx)
		if err != nil || !reserved {
			continue
		}

		s.mu.Lock()
		s.pending[idx] = struct{}{}
		s.mu.Unlock()

		return idx, b, l, true
	}

	return 0, 0, 0, false
}

// ClearPending drops a piece from the in-progress set, e.g. once it has
// been fully verified or rejected and no longer needs preferential
// completion.
func (s *Scheduler) ClearPending(index int) {
	s.mu.Lock()
	delete(s.pending, index)
	s.mu.Unlock()
}

// candidates returns piece indices worth trying, in priority order:
// already in-progress pieces first, then the remaining pieces ordered
// rarest-first.
func (s *Scheduler) candidates(peerBitfield bitfield.Bitfield) []int {
	out := make([]int, 0, 8)
	seen := make(map[int]struct{})

	s.mu.Lock()
	for idx := range s.pending {
		if s.eligible(idx, peerBitfield) {
			out = append(out, idx)
			seen[idx] = struct{}{}
		}
	}
	s.mu.Unlock()

	for a := 0; a <= s.maxAvail; a++ {
		for _, idx := range s.bucket.Bucket(a) {
			if _, dup := seen[idx]; dup {
				continue
			}
			if s.eligible(idx, peerBitfield) {
				out = append(out, idx)
			}
		}
	}

	return out
}

func (s *Scheduler) eligible(index int, peerBitfield bitfield.Bitfield) bool {
	return peerBitfield.Has(index) && !s.store.Have(index)
}
