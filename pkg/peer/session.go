// Package peer implements a single peer-wire-protocol session: handshake,
// choke/interest bookkeeping, and pipelined block requests backed by a
// piece store and a rarest-first scheduler.
package peer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/pkg/bitfield"
	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/heap"
	"github.com/prxssh/rabbit/pkg/piece"
	"github.com/prxssh/rabbit/pkg/protocol"
	"github.com/prxssh/rabbit/pkg/scheduler"
	"golang.org/x/sync/errgroup"
)

// Stats reports cumulative byte counters for a session.
type Stats struct {
	Downloaded int64
	Uploaded   int64
}

type blockKey struct {
	index int
	begin int32
}

type pendingRequest struct {
	key      blockKey
	deadline time.Time
}

// Session drives one peer-wire-protocol connection: it tracks choke and
// interest state, the remote's bitfield, and a pipeline of outstanding
// block requests bounded by cfg.PipelineDepth.
type Session struct {
	conn   net.Conn
	log    *slog.Logger
	cfg    *config.Config
	store  *piece.Store
	sched  *scheduler.Scheduler
	peerID [sha1.Size]byte

	// OnVerified is invoked (from the read loop) whenever a block
	// delivered by this peer completes and verifies a piece. It is nil
	// unless the caller sets it; pkg/client does not, and learns of
	// verified pieces through piece.Store.Subscribe instead.
	OnVerified func(index int)

	outq chan *protocol.Message

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBF         bitfield.Bitfield
	bitfieldSeen   bool
	inflight       map[blockKey]struct{}
	pq             *heap.PriorityQueue[pendingRequest]
	downloaded     int64
	uploaded       int64
	lastActive     time.Time

	grp    *errgroup.Group
	cancel context.CancelFunc
}

func newSession(conn net.Conn, peerID [sha1.Size]byte, cfg *config.Config, store *piece.Store, sched *scheduler.Scheduler) *Session {
	return &Session{
		conn:        conn,
		log:         slog.Default().With("remote", conn.RemoteAddr().String(), "peer_id", hex.EncodeToString(peerID[:])),
		cfg:         cfg,
		store:       store,
		sched:       sched,
		peerID:      peerID,
		amChoking:   true,
		peerChoking: true,
		peerBF:      bitfield.New(store.PieceCount()),
		outq:        make(chan *protocol.Message, cfg.PeerOutboundQueueBacklog),
		inflight:    make(map[blockKey]struct{}),
		lastActive:  time.Now(),
		pq: heap.NewPriorityQueue(func(a, b pendingRequest) bool {
			return a.deadline.Before(b.deadline)
		}),
	}
}

// Connect dials addr, performs the outbound handshake, and returns a
// ready-to-run Session.
func Connect(ctx context.Context, addr netip.AddrPort, infoHash, clientID [sha1.Size]byte, cfg *config.Config, store *piece.Store, sched *scheduler.Scheduler) (*Session, error) {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	peerID, err := protocol.Perform(conn, protocol.NewHandshake(infoHash, clientID))
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := newSession(conn, peerID, cfg, store, sched)
	s.log.Info("session handshake ok", "direction", "outbound")
	return s, nil
}

// Accept completes an inbound handshake on an already-accepted conn.
// recognized decides whether the advertised info-hash belongs to a
// download this client is serving.
func Accept(conn net.Conn, clientID [sha1.Size]byte, cfg *config.Config, store *piece.Store, sched *scheduler.Scheduler, recognized func([sha1.Size]byte) bool) (*Session, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	_, peerID, err := protocol.Accept(conn, clientID, recognized)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := newSession(conn, peerID, cfg, store, sched)
	s.log.Info("session handshake ok", "direction", "inbound")
	return s, nil
}

// PeerID returns the remote peer id learned during the handshake.
func (s *Session) PeerID() [sha1.Size]byte { return s.peerID }

// RemoteAddr returns the string form of the underlying connection's
// remote address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Stats returns cumulative transferred byte counts.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Downloaded: s.downloaded, Uploaded: s.uploaded}
}

// HasPiece reports whether the remote has announced piece index.
func (s *Session) HasPiece(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBF.Has(index)
}

// PeerBitfield returns a copy of the remote's announced bitfield.
func (s *Session) PeerBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBF.Clone()
}

// SendBitfield enqueues our own bitfield as the first post-handshake
// message. Callers should send this immediately after Run starts.
func (s *Session) SendBitfield(bf bitfield.Bitfield) {
	select {
	case s.outq <- protocol.NewBitfield(bf.Bytes()):
	default:
		s.log.Warn("outbound queue full, dropping bitfield")
	}
}

// BroadcastHave announces a newly verified local piece to this peer.
func (s *Session) BroadcastHave(index int) {
	select {
	case s.outq <- protocol.NewHave(uint32(index)):
	default:
		s.log.Warn("outbound queue full, dropping have", "index", index)
	}
}

// Run starts the read, write and pipeline-maintenance loops and blocks
// until ctx is cancelled or the connection fails.
func (s *Session) Run(ctx context.Context) error {
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(childCtx)
	s.cancel = cancel
	s.grp = g

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.timeoutLoop(gctx) })

	err := g.Wait()
	s.releaseAllInflight()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close tears down the connection and unblocks Run.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.conn.Close()
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := protocol.ReadMessage(s.conn)
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.mu.Lock()
			idle := time.Since(s.lastActive)
			s.mu.Unlock()
			if idle >= 2*s.cfg.KeepAliveInterval {
				return protocol.ErrTimeout
			}
			continue
		}
		if err != nil {
			return err
		}

		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()

		if protocol.IsKeepAlive(msg) {
			continue
		}
		if err := msg.ValidatePayloadSize(); err != nil {
			s.log.Warn("dropping malformed message", "id", msg.ID, "err", err)
			continue
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handleMessage(msg *protocol.Message) error {
	switch msg.ID {
	case protocol.Choke:
		s.mu.Lock()
		s.peerChoking = true
		s.mu.Unlock()
		s.releaseAllInflight()

	case protocol.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
		s.fillPipeline()

	case protocol.Interested:
		s.mu.Lock()
		s.peerInterested = true
		wasChoking := s.amChoking
		s.amChoking = false
		s.mu.Unlock()
		// No tit-for-tat: every interested peer gets unchoked.
		if wasChoking {
			s.enqueueLocked(protocol.NewUnchoke())
		}

	case protocol.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()

	case protocol.Bitfield:
		s.mu.Lock()
		if s.bitfieldSeen {
			s.mu.Unlock()
			return protocol.ErrProtocolViolation
		}
		s.bitfieldSeen = true
		bf := bitfield.FromBytes(msg.Payload)
		s.peerBF = bf
		s.mu.Unlock()
		s.sched.PeerBitfield(bf)
		s.considerInterest()
		s.fillPipeline()

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok {
			return nil
		}
		s.mu.Lock()
		s.peerBF.Set(int(index))
		s.mu.Unlock()
		s.sched.PeerHave(int(index))
		s.considerInterest()
		s.fillPipeline()

	case protocol.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return nil
		}
		s.serveRequest(int(index), int32(begin), int32(length))

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return nil
		}
		s.receiveBlock(int(index), int32(begin), block)

	case protocol.Cancel:
		// Single outstanding-request depth per block makes an explicit
		// cancel handler unnecessary: we simply won't have queued a
		// duplicate response.

	default:
		s.log.Warn("unknown message id, closing session", "id", msg.ID)
		return protocol.ErrProtocolViolation
	}

	return nil
}

func (s *Session) serveRequest(index int, begin, length int32) {
	s.mu.Lock()
	choking := s.amChoking
	s.mu.Unlock()
	if choking {
		return
	}

	block, err := s.store.ReadBlock(index, begin, length)
	if err != nil {
		s.log.Warn("cannot serve request", "index", index, "begin", begin, "err", err)
		return
	}

	select {
	case s.outq <- protocol.NewPiece(uint32(index), uint32(begin), block):
		s.mu.Lock()
		s.uploaded += int64(len(block))
		s.mu.Unlock()
	default:
		s.log.Warn("outbound queue full, dropping piece response", "index", index)
	}
}

func (s *Session) receiveBlock(index int, begin int32, block []byte) {
	key := blockKey{index, begin}

	s.mu.Lock()
	_, wasInflight := s.inflight[key]
	delete(s.inflight, key)
	s.downloaded += int64(len(block))
	s.mu.Unlock()

	if !wasInflight {
		// Unsolicited or already-timed-out block; still worth accepting.
		s.log.Debug("received unrequested block", "index", index, "begin", begin)
	}

	delivery, err := s.store.DeliverBlock(index, begin, block)
	if err != nil {
		s.log.Warn("deliver block failed", "index", index, "begin", begin, "err", err)
	}

	switch delivery {
	case piece.AcceptedVerified:
		s.sched.ClearPending(index)
		if s.OnVerified != nil {
			s.OnVerified(index)
		}
	case piece.AcceptedRejected:
		s.sched.ClearPending(index)
	}

	s.fillPipeline()
}

func (s *Session) considerInterest() {
	s.mu.Lock()
	defer s.mu.Unlock()

	interesting := false
	for i := 0; i < s.peerBF.Len(); i++ {
		if s.peerBF.Has(i) && !s.store.Have(i) {
			interesting = true
			break
		}
	}

	if interesting && !s.amInterested {
		s.amInterested = true
		s.enqueueLocked(protocol.NewInterested())
	} else if !interesting && s.amInterested {
		s.amInterested = false
		s.enqueueLocked(protocol.NewNotInterested())
	}
}

func (s *Session) enqueueLocked(msg *protocol.Message) {
	select {
	case s.outq <- msg:
	default:
		s.log.Warn("outbound queue full, dropping control message", "id", msg.ID)
	}
}

// fillPipeline tops up outstanding requests to cfg.PipelineDepth while the
// peer has us unchoked.
func (s *Session) fillPipeline() {
	s.mu.Lock()
	if s.peerChoking {
		s.mu.Unlock()
		return
	}
	peerBF := s.peerBF.Clone()
	slots := s.cfg.PipelineDepth - len(s.inflight)
	s.mu.Unlock()

	for slots > 0 {
		index, begin, length, ok := s.sched.NextRequest(peerBF)
		if !ok {
			return
		}

		key := blockKey{index, begin}
		s.mu.Lock()
		s.inflight[key] = struct{}{}
		s.pq.Enqueue(pendingRequest{key: key, deadline: time.Now().Add(s.cfg.RequestTimeout)})
		s.mu.Unlock()

		select {
		case s.outq <- protocol.NewRequest(uint32(index), uint32(begin), uint32(length)):
		default:
			s.log.Warn("outbound queue full, dropping request", "index", index, "begin", begin)
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
			_ = s.store.ReleaseBlock(index, begin)
			return
		}

		slots--
	}
}

// timeoutLoop periodically reclaims blocks whose requests have expired.
func (s *Session) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RequestTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reapTimeouts()
			s.fillPipeline()
		}
	}
}

func (s *Session) reapTimeouts() {
	now := time.Now()

	for {
		s.mu.Lock()
		top, ok := s.pq.Peek()
		if !ok || top.deadline.After(now) {
			s.mu.Unlock()
			return
		}
		s.pq.Dequeue()

		if _, live := s.inflight[top.key]; !live {
			s.mu.Unlock()
			continue // already delivered or released
		}
		delete(s.inflight, top.key)
		s.mu.Unlock()

		s.log.Debug("request timed out", "index", top.key.index, "begin", top.key.begin)
		_ = s.store.ReleaseBlock(top.key.index, top.key.begin)
	}
}

func (s *Session) releaseAllInflight() {
	s.mu.Lock()
	keys := make([]blockKey, 0, len(s.inflight))
	for k := range s.inflight {
		keys = append(keys, k)
	}
	s.inflight = make(map[blockKey]struct{})
	s.mu.Unlock()

	for _, k := range keys {
		_ = s.store.ReleaseBlock(k.index, k.begin)
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	keepAlive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-s.outq:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				return err
			}
			// Keep-alives are only due after a full interval without output.
			keepAlive.Reset(s.cfg.KeepAliveInterval)

		case <-keepAlive.C:
			if err := s.writeMessage(nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeMessage(msg *protocol.Message) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	defer s.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteMessage(s.conn, msg)
}
