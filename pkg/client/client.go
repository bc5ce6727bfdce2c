// Package client implements the download orchestrator: it announces to
// the tracker, accepts inbound peer connections, dials outbound ones, and
// keeps a rarest-first scheduler fed until every piece verifies.
package client

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prxssh/rabbit/pkg/config"
	"github.com/prxssh/rabbit/pkg/peer"
	"github.com/prxssh/rabbit/pkg/piece"
	"github.com/prxssh/rabbit/pkg/protocol"
	"github.com/prxssh/rabbit/pkg/retry"
	"github.com/prxssh/rabbit/pkg/scheduler"
	"github.com/prxssh/rabbit/pkg/syncmap"
	"github.com/prxssh/rabbit/pkg/torrent"
	"github.com/prxssh/rabbit/pkg/tracker"
	"golang.org/x/sync/errgroup"
)

// Stats summarizes a download's runtime state.
type Stats struct {
	ActiveSessions int
	Downloaded     int64
	Uploaded       int64
	PiecesVerified int
	PiecesTotal    int
}

// Client orchestrates a single torrent download: tracker communication,
// inbound/outbound peer sessions, and the piece store/scheduler pair that
// back them.
type Client struct {
	cfg      *config.Config
	meta     *torrent.Metainfo
	infoHash [sha1.Size]byte
	clientID [sha1.Size]byte

	store *piece.Store
	sched *scheduler.Scheduler
	trk   *tracker.Tracker
	log   *slog.Logger

	sessions *syncmap.Map[netip.AddrPort, *peer.Session]
	peerIDs  *syncmap.Map[[sha1.Size]byte, struct{}]

	peerCh  chan netip.AddrPort
	dialSem chan struct{}

	listener net.Listener

	completedOnce sync.Once
}

// New constructs a Client ready to run. downloadPath is the on-disk target
// for the single file this descriptor describes.
func New(meta *torrent.Metainfo, downloadPath string, cfg *config.Config) (*Client, error) {
	store, err := piece.Open(meta, downloadPath, cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("client: open piece store: %w", err)
	}

	clientID, err := generateClientID(cfg.ClientIDPrefix)
	if err != nil {
		store.Close()
		return nil, err
	}

	log := slog.Default().With("info_hash", hex.EncodeToString(meta.Info.Hash[:]))

	trk, err := tracker.NewTracker(meta.Announce, meta.AnnounceList, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("client: build tracker: %w", err)
	}

	return &Client{
		cfg:      cfg,
		meta:     meta,
		infoHash: meta.Info.Hash,
		clientID: clientID,
		store:    store,
		sched:    scheduler.New(store, cfg.MaxSessions),
		trk:      trk,
		log:      log,
		sessions: syncmap.New[netip.AddrPort, *peer.Session](),
		peerIDs:  syncmap.New[[sha1.Size]byte, struct{}](),
		peerCh:   make(chan netip.AddrPort, cfg.MaxSessions),
		dialSem:  make(chan struct{}, max(1, cfg.MaxSessions/2)),
	}, nil
}

// Run verifies existing on-disk content, opens the listener, and drives
// announce/accept/dial/scheduling until ctx is cancelled, at which point
// it shuts down gracefully (stop accepting, release sessions, final
// "stopped" announce, close the store).
func (c *Client) Run(ctx context.Context) error {
	if err := c.store.Verify(ctx, 4); err != nil {
		return fmt.Errorf("client: verify existing data: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("client: listen: %w", err)
	}
	c.listener = ln
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.acceptLoop(gctx) })
	g.Go(func() error { return c.dialLoop(gctx) })
	g.Go(func() error { return c.announceLoop(gctx) })
	g.Go(func() error { return c.verifiedBroadcastLoop(gctx) })

	err = g.Wait()
	c.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stats returns an aggregate snapshot across all active sessions.
func (c *Client) Stats() Stats {
	s := Stats{
		PiecesVerified: c.store.BitfieldSnapshot().Count(),
		PiecesTotal:    c.store.PieceCount(),
	}

	c.sessions.Range(func(_ netip.AddrPort, sess *peer.Session) bool {
		s.ActiveSessions++
		st := sess.Stats()
		s.Downloaded += st.Downloaded
		s.Uploaded += st.Uploaded
		return true
	})

	return s
}

// acceptLoop accepts inbound connections and spins up a Session for each.
func (c *Client) acceptLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		go c.handleInbound(ctx, conn)
	}
}

func (c *Client) handleInbound(ctx context.Context, conn net.Conn) {
	if c.sessions.Len() >= c.cfg.MaxSessions {
		conn.Close()
		return
	}

	sess, err := peer.Accept(conn, c.clientID, c.cfg, c.store, c.sched, func(h [sha1.Size]byte) bool {
		return h == c.infoHash
	})
	if err != nil {
		c.log.Debug("inbound handshake failed", "err", err)
		return
	}

	addr, ok := netip.ParseAddrPort(conn.RemoteAddr().String())
	if !ok {
		sess.Close()
		return
	}
	if !c.admitPeerID(sess) {
		c.log.Debug("rejecting duplicate peer", "addr", addr, "err", protocol.ErrDuplicatePeer)
		sess.Close()
		return
	}
	c.runSession(ctx, addr, sess)
}

// dialLoop consumes tracker-discovered peer addresses and dials them,
// bounded by dialSem and cfg.MaxSessions.
func (c *Client) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr, ok := <-c.peerCh:
			if !ok {
				return nil
			}
			if c.haveSession(addr) || c.sessions.Len() >= c.cfg.MaxSessions {
				continue
			}

			select {
			case c.dialSem <- struct{}{}:
			case <-ctx.Done():
				return ctx.Err()
			}

			go func(addr netip.AddrPort) {
				defer func() { <-c.dialSem }()
				c.dialOne(ctx, addr)
			}(addr)
		}
	}
}

func (c *Client) dialOne(ctx context.Context, addr netip.AddrPort) {
	sess, err := peer.Connect(ctx, addr, c.infoHash, c.clientID, c.cfg, c.store, c.sched)
	if err != nil {
		c.log.Debug("dial failed", "addr", addr, "err", err)
		return
	}

	if c.haveSession(addr) || c.sessions.Len() >= c.cfg.MaxSessions {
		sess.Close()
		return
	}
	if !c.admitPeerID(sess) {
		c.log.Debug("rejecting duplicate peer", "addr", addr, "err", protocol.ErrDuplicatePeer)
		sess.Close()
		return
	}

	c.runSession(ctx, addr, sess)
}

func (c *Client) runSession(ctx context.Context, addr netip.AddrPort, sess *peer.Session) {
	c.sessions.Put(addr, sess)

	sess.SendBitfield(c.store.BitfieldSnapshot())

	go func() {
		err := sess.Run(ctx)
		c.sched.PeerGone(sess.PeerBitfield())
		c.sessions.Delete(addr)
		c.peerIDs.Delete(sess.PeerID())
		if err != nil {
			c.log.Debug("session ended", "addr", addr, "err", err)
		}
	}()
}

func (c *Client) haveSession(addr netip.AddrPort) bool {
	_, ok := c.sessions.Get(addr)
	return ok
}

// admitPeerID registers sess's negotiated peer id unless it is our own or
// already belongs to another connected session, in which case it reports
// false and the caller must close sess.
func (c *Client) admitPeerID(sess *peer.Session) bool {
	if sess.PeerID() == c.clientID {
		return false
	}
	_, alreadyConnected := c.peerIDs.LoadOrStore(sess.PeerID(), struct{}{})
	return !alreadyConnected
}

// broadcastHave announces a newly verified piece to every connected peer.
func (c *Client) broadcastHave(index int) {
	c.sessions.Range(func(_ netip.AddrPort, sess *peer.Session) bool {
		sess.BroadcastHave(index)
		return true
	})
}

// verifiedBroadcastLoop watches the store for newly verified pieces and
// tells every connected session about them.
func (c *Client) verifiedBroadcastLoop(ctx context.Context) error {
	ch := c.store.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case index, ok := <-ch:
			if !ok {
				return nil
			}
			c.broadcastHave(index)
			c.maybeAnnounceCompleted(ctx)
		}
	}
}

// maybeAnnounceCompleted fires the tracker's event=completed announce the
// first time every piece has verified.
func (c *Client) maybeAnnounceCompleted(ctx context.Context) {
	if c.store.BitfieldSnapshot().Count() != c.store.PieceCount() {
		return
	}
	c.completedOnce.Do(func() {
		if _, err := c.announce(ctx, tracker.EventCompleted); err != nil {
			c.log.Warn("completed announce failed", "err", err)
		}
	})
}

// announceLoop performs the initial "started" announce and then re-announces
// on the tracker-supplied interval, backing off on failure up to
// cfg.MaxAnnounceBackoff.
func (c *Client) announceLoop(ctx context.Context) error {
	interval, err := c.announce(ctx, tracker.EventStarted)
	if err != nil {
		c.log.Warn("initial announce failed", "err", err)
		interval = c.cfg.MinAnnounceInterval
	}

	for {
		if c.cfg.AnnounceInterval > 0 {
			interval = c.cfg.AnnounceInterval
		}
		if interval < c.cfg.MinAnnounceInterval {
			interval = c.cfg.MinAnnounceInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		next, err := c.announce(ctx, tracker.EventNone)
		if err != nil {
			c.log.Warn("re-announce failed", "err", err)
			continue
		}
		interval = next
	}
}

func (c *Client) announce(ctx context.Context, event tracker.Event) (time.Duration, error) {
	var resp *tracker.AnnounceResponse

	opts := retry.WithExponentialBackoff(5, time.Second, c.cfg.MaxAnnounceBackoff)
	err := retry.Do(ctx, func(ctx context.Context) error {
		stats := c.Stats()
		r, err := c.trk.Announce(ctx, &tracker.AnnounceParams{
			InfoHash:   c.infoHash,
			PeerID:     c.clientID,
			Left:       uint64(c.remainingBytes()),
			Downloaded: uint64(stats.Downloaded),
			Uploaded:   uint64(stats.Uploaded),
			Event:      event,
			NumWant:    c.cfg.NumWant,
			Port:       c.cfg.ListenPort,
		})
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, opts...)
	if err != nil {
		return 0, err
	}

	c.admitPeers(resp.Peers)

	if resp.Interval > 0 {
		return resp.Interval, nil
	}
	return c.cfg.MinAnnounceInterval, nil
}

func (c *Client) admitPeers(addrs []netip.AddrPort) {
	for _, addr := range addrs {
		select {
		case c.peerCh <- addr:
		default:
			c.log.Warn("peer queue full, dropping candidate", "addr", addr)
		}
	}
}

func (c *Client) remainingBytes() int64 {
	missing := c.store.MissingPieces()
	var total int64
	for _, idx := range missing {
		pl, err := c.meta.PieceLengthAt(idx)
		if err != nil {
			continue
		}
		total += int64(pl)
	}
	return total
}

// shutdown stops accepting new work, closes every session, sends a final
// "stopped" announce, and closes the piece store. It is best-effort and
// bounded so that Run returns promptly even if the tracker is slow.
func (c *Client) shutdown() {
	var wg sync.WaitGroup
	c.sessions.Range(func(addr netip.AddrPort, sess *peer.Session) bool {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Close()
		}()
		return true
	})
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := c.announce(stopCtx, tracker.EventStopped); err != nil {
		c.log.Debug("stopped announce failed", "err", err)
	}

	if err := c.store.Close(); err != nil {
		c.log.Warn("close store", "err", err)
	}
}

func generateClientID(prefix string) ([sha1.Size]byte, error) {
	var id [sha1.Size]byte
	if len(prefix) != 8 {
		prefix = "-SD0001-"
	}
	copy(id[:], prefix)

	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("client: generate peer id: %w", err)
	}
	return id, nil
}
