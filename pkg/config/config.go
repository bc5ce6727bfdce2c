package config

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prxssh/rabbit/pkg/pieceutil"
)

// PieceDownloadStrategy enumerates high-level peice selection policies the
// picker can apply.
//
// The current code builds the state in a strategy agnostic manner; your
// selection method can switch on this value to implement different behaviours.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRandom randomly samples among eligible
	// pieces (often used only for the first few pieces to reduce clumping),
	// then hands over to another strategy.
	PieceDownloadStrategyRandom PieceDownloadStrategy = iota

	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// Availability, improving swarm health and resilience.
	PieceDownloadStrategyRarestFirst

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Great for simplicity and streaming/locality; not ideal for
	// swarm health.
	PieceDownloadStrategySequential
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// DescriptorPath is the path to the .torrent descriptor file to load.
	DescriptorPath string

	// DefaultDownloadDir is the default directory where NEW torrent files
	// are saved. Changing this only affects new torrents; existing torrents
	// continue downloading to their original location.
	DefaultDownloadDir string

	// ListenPort is the TCP port this client listens on for incoming peer
	// connections.
	ListenPort uint16

	// NumWant is the maximum number of peers to request the tracker.
	NumWant uint32

	// MaxUploadRate is an upload speed cap in bytes/second (0 = unlimited).
	// No component reads it; uploads are not rate-limited.
	MaxUploadRate int64

	// MaxDownloadRate is a download speed cap in bytes/second (0 =
	// unlimited). No component reads it; downloads are not rate-limited.
	MaxDownloadRate int64

	// AnnounceInterval overrides tracker's suggested interval.
	// 0 uses tracker default.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a minimum time between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff for failed announces.
	MaxAnnounceBackoff time.Duration

	// EnableIPv6 records whether IPv6 peers are wanted. No component reads
	// it; IPv6 peer addresses are dialed like any other.
	EnableIPv6 bool

	// ClientIDPrefix customizes the peer ID prefix (e.g., "-SD0001-").
	// Must be exactly 8 bytes. Empty uses default.
	ClientIDPrefix string

	// HasIPV6 records whether the host has a usable IPv6 route.
	HasIPV6 bool

	// PieceDownloadStrategy names a piece ranking policy. The scheduler does
	// not read it; it always picks rarest-first.
	PieceDownloadStrategy PieceDownloadStrategy

	// PipelineDepth is the number of block requests kept outstanding on a
	// single peer connection at once.
	PipelineDepth int

	// BlockSize is the length, in bytes, of a single block request.
	BlockSize int32

	// RequestTimeout is the baseline time after which an in-flight block
	// can be considered timed-out and re-assigned.
	RequestTimeout time.Duration

	// MaxSessions is the maximum number of concurrent peer connections
	// allowed.
	MaxSessions int

	// ReadTimeout is the maximum time to wait for data from a peer before
	// considering the connection stalled.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending data to a peer
	// before considering the connection stalled.
	WriteTimeout time.Duration

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// KeepAliveInterval is how long a session's outbound side may stay idle
	// before it sends a keep-alive; a session that has received nothing for
	// twice this interval is closed.
	KeepAliveInterval time.Duration

	// PeerOutboundQueueBacklog is the maximum messages that a peer session
	// can have buffered on its outbound queue before the writer is
	// considered stuck.
	PeerOutboundQueueBacklog int
}

// defaultConfig returns sensible defaults for most use cases.
func defaultConfig() Config {
	downloadDir := getDefaultDownloadDir()

	return Config{
		DefaultDownloadDir:      downloadDir,
		ListenPort:              6881,
		NumWant:                 50,
		MaxUploadRate:           0, // unlimited
		MaxDownloadRate:         0, // unlimited
		AnnounceInterval:        0, // use tracker default
		MinAnnounceInterval:     2 * time.Minute,
		MaxAnnounceBackoff:      5 * time.Minute,
		EnableIPv6:              true,
		ClientIDPrefix:          "-SD0001-",
		HasIPV6:                 hasIPV6(),
		PieceDownloadStrategy:   PieceDownloadStrategyRarestFirst,
		PipelineDepth:           5,
		BlockSize:               pieceutil.MaxBlockLength,
		RequestTimeout:          30 * time.Second,
		MaxSessions:             50,
		ReadTimeout:             45 * time.Second,
		WriteTimeout:            45 * time.Second,
		DialTimeout:             30 * time.Second,
		KeepAliveInterval:       120 * time.Second,
		PeerOutboundQueueBacklog: 25,
	}
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() &&
				!ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "Downloads", "swarmd")
	case "darwin":
		return filepath.Join(home, "Downloads", "swarmd")
	default: // linux, bsd, etc.
		return filepath.Join(
			home,
			".local",
			"share",
			"swarmd",
			"downloads",
		)
	}
}
