// Package client wires the torrentfile, store, peer, and tracker
// packages into one running download/seed process: the tracker announce
// loop, the inbound listener, the outbound dialer, and the rarest-first
// scheduler.
package client

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/xerlaet/p2p-client/peer"
	"github.com/xerlaet/p2p-client/store"
	"github.com/xerlaet/p2p-client/torrentfile"
	"github.com/xerlaet/p2p-client/tracker"
)

const dialTimeout = 10 * time.Second

// Orchestrator owns the piece store, the session registry, the
// scheduler, and the tracker announcer for one torrent descriptor.
type Orchestrator struct {
	cfg    Config
	tf     *torrentfile.File
	store  *store.Store
	peerID [20]byte
	log    *slog.Logger

	registry  *registry
	scheduler *scheduler
	announcer *tracker.Announcer
	sessCfg   peer.Config
	progress  *progressReporter

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dialedMu sync.Mutex
	dialed   map[string]bool
}

// New opens the descriptor named by cfg.DescriptorPath and the backing
// piece store, and wires the registry, scheduler, and tracker announcer.
// It performs no network I/O; call Run to start serving.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tf, err := torrentfile.Open(cfg.DescriptorPath)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	outDir := cfg.OutputDir
	if outDir == "" {
		outDir = "."
	}
	st, err := store.Open(filepath.Join(outDir, tf.Name), tf, cfg.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	peerID := generatePeerID()
	log := slog.Default().With("peer_id", fmt.Sprintf("%x", peerID[:4]))

	reg := newRegistry()
	sched := newScheduler(st, reg, rand.New(rand.NewSource(time.Now().UnixNano())))

	o := &Orchestrator{
		cfg:       cfg,
		tf:        tf,
		store:     st,
		peerID:    peerID,
		log:       log,
		registry:  reg,
		scheduler: sched,
		sessCfg: peer.Config{
			PipelineDepth:  cfg.PipelineDepth,
			BlockSize:      cfg.BlockSize,
			RequestTimeout: cfg.requestTimeout(),
			KeepAlive:      cfg.keepAlive(),
		},
		stop:   make(chan struct{}),
		dialed: make(map[string]bool),
	}

	o.announcer = &tracker.Announcer{
		Announce: tracker.Announce{
			AnnounceURL: tf.Announce,
			InfoHash:    tf.InfoHash,
			PeerID:      peerID,
			Port:        cfg.ListenPort,
		},
		Stats:   &statsAdapter{store: st, tf: tf},
		OnPeers: o.onPeers,
		Log:     log,
	}

	if cfg.ShowDownloadProgress {
		o.progress = newProgressReporter(st, reg)
	}

	return o, nil
}

// Run starts the inbound listener, the tracker announce loop, the
// outbound dialer, and the have-broadcast loop, then blocks until
// Shutdown is called or the listener fails to start. The piece store is
// closed before Run returns.
func (o *Orchestrator) Run() error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(o.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("client: listen: %w", err)
	}
	o.log.Info("listening", "addr", ln.Addr().String(), "pieces", o.store.NumPieces())

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.announcer.Run(o.stop)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.acceptLoop(ln)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.broadcastHaves()
	}()

	if o.progress != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.progress.run(o.stop)
		}()
	}

	<-o.stop
	ln.Close()
	o.wg.Wait()
	return o.store.Close()
}

// PeerID returns the 20-byte identifier this orchestrator announces and
// handshakes with.
func (o *Orchestrator) PeerID() [20]byte { return o.peerID }

// Shutdown signals every background activity to stop and returns
// without waiting; Run returns once its cleanup has finished. Safe to
// call more than once.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() { close(o.stop) })
}

// acceptLoop answers inbound connections, handing each a fresh session
// after a successful handshake.
func (o *Orchestrator) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-o.stop:
				return
			default:
				o.log.Warn("accept failed", "error", err)
				return
			}
		}
		if o.registry.count() >= o.cfg.MaxSessions {
			conn.Close()
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.acceptOne(conn)
		}()
	}
}

func (o *Orchestrator) acceptOne(conn net.Conn) {
	remoteID, err := peer.Handshake(conn, o.tf.InfoHash, o.peerID)
	if err != nil {
		o.log.Debug("inbound handshake failed", "addr", conn.RemoteAddr(), "error", err)
		conn.Close()
		return
	}
	o.startSession(conn, remoteID)
}

// onPeers is the tracker.Announcer's OnPeers callback: it dials every
// newly announced peer not already connected, not self, and not
// already attempted, subject to MaxSessions.
func (o *Orchestrator) onPeers(peers []tracker.Peer) {
	for _, p := range peers {
		if p.PeerID == o.peerID {
			continue
		}
		addr := net.JoinHostPort(p.IP, strconv.Itoa(p.Port))

		o.dialedMu.Lock()
		if o.dialed[addr] {
			o.dialedMu.Unlock()
			continue
		}
		o.dialed[addr] = true
		o.dialedMu.Unlock()

		if o.registry.has(p.PeerID) || o.registry.count() >= o.cfg.MaxSessions {
			continue
		}
		o.wg.Add(1)
		go func(addr string) {
			defer o.wg.Done()
			o.dialOne(addr)
		}(addr)
	}
}

func (o *Orchestrator) dialOne(addr string) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		o.log.Debug("dial failed", "addr", addr, "error", err)
		return
	}
	remoteID, err := peer.Handshake(conn, o.tf.InfoHash, o.peerID)
	if err != nil {
		o.log.Debug("outbound handshake failed", "addr", addr, "error", err)
		conn.Close()
		return
	}
	o.startSession(conn, remoteID)
}

// startSession registers and runs a session for a handshaken connection,
// rejecting a second connection to a peer-id already registered.
func (o *Orchestrator) startSession(conn net.Conn, remoteID [20]byte) {
	s := peer.New(conn, o.peerID, remoteID, o.store.NumPieces(), o.store, o.sessCfg, o.scheduler)
	if !o.registry.add(s) {
		o.log.Debug("rejecting duplicate peer", "addr", conn.RemoteAddr())
		conn.Close()
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.registry.remove(s)
		if err := s.Run(o.stop); err != nil {
			o.log.Debug("session ended", "addr", conn.RemoteAddr(), "error", err)
		}
	}()
}

// broadcastHaves tells every connected session about each piece as it
// verifies, and releases the piece from the scheduler's in-progress
// tracking so a future request doesn't keep treating it as in-flight.
func (o *Orchestrator) broadcastHaves() {
	events := o.store.Subscribe()
	for {
		select {
		case <-o.stop:
			return
		case index, ok := <-events:
			if !ok {
				return
			}
			o.scheduler.pieceSettled(index)
			for _, s := range o.registry.snapshot() {
				if err := s.SendHave(index); err != nil {
					o.log.Debug("have broadcast failed", "addr", s.RemoteAddr(), "error", err)
				}
			}
		}
	}
}
