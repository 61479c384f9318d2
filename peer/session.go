// Package peer implements one side of the per-peer framed protocol: the
// handshake, the four-boolean choke/interest state machine, request
// pipelining, and inbound request serving.
package peer

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/xerlaet/p2p-client/bitfield"
	"github.com/xerlaet/p2p-client/store"
	"github.com/xerlaet/p2p-client/wire"
)

// PieceStore is the subset of store.Store a session needs: reserving,
// delivering, and releasing blocks, and serving verified pieces to a
// remote peer. Accepting an interface here keeps this package testable
// without a real on-disk store.
type PieceStore interface {
	Have(i int) bool
	NumPieces() int
	BitfieldSnapshot() bitfield.Bitfield
	ReserveBlock(i, offset, length int) bool
	ReleaseBlock(i, offset, length int)
	DeliverBlock(i, offset int, data []byte) (store.Delivery, error)
	ReadBlock(i, offset, length int) ([]byte, error)
}

// Scheduler decides the next block a session should request. It is
// consulted whenever the session has spare pipeline capacity, and
// reserves the block it returns before returning it: by the time
// NextRequest answers ok=true, the block already belongs to this
// session and the caller must not reserve it again. Returning ok=false
// means no candidate is currently reservable; the slot stays empty
// until the scheduler is consulted again.
type Scheduler interface {
	NextRequest(s *Session) (index, begin, length int, ok bool)
}

// Config configures the per-session tunables.
type Config struct {
	PipelineDepth  int
	BlockSize      int
	RequestTimeout time.Duration
	KeepAlive      time.Duration
}

// DefaultConfig returns reasonable defaults for all of Config's fields.
func DefaultConfig() Config {
	return Config{
		PipelineDepth:  5,
		BlockSize:      16384,
		RequestTimeout: 30 * time.Second,
		KeepAlive:      120 * time.Second,
	}
}

// blockKey identifies one outstanding block request.
type blockKey struct {
	index, begin int
}

type pendingRequest struct {
	length      int
	requestedAt time.Time
}

// Session is one bidirectional peer connection. Both the inbound and
// outbound side run the identical state machine.
type Session struct {
	conn         net.Conn
	localPeerID  [20]byte
	remotePeerID [20]byte
	numPieces    int
	store        PieceStore
	cfg          Config
	scheduler    Scheduler

	mu              sync.Mutex
	amChoking       bool
	amInterested    bool
	peerChoking     bool
	peerInterested  bool
	remoteBits      bitfield.Bitfield
	gotFirstMessage bool
	outstanding     map[blockKey]*pendingRequest
	lastSent        time.Time
	lastRecv        time.Time

	writeMu sync.Mutex
}

// Handshake performs the outbound or inbound handshake over conn and
// returns the remote peer-id. Callers (the orchestrator) are
// responsible for registry-level duplicate checks before constructing a
// Session; this function only rejects a remote peer-id equal to our own
// or an info-hash mismatch.
func Handshake(conn net.Conn, infoHash, localPeerID [20]byte) (remotePeerID [20]byte, err error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	req := wire.NewHandshake(infoHash, localPeerID)
	if _, err := conn.Write(req.Serialize()); err != nil {
		return remotePeerID, err
	}

	resp, err := wire.ReadHandshake(conn)
	if err != nil {
		return remotePeerID, err
	}
	if !bytes.Equal(resp.InfoHash[:], infoHash[:]) {
		return remotePeerID, fmt.Errorf("%w: info-hash mismatch", wire.ErrBadHandshake)
	}
	if resp.PeerID == localPeerID {
		return remotePeerID, ErrDuplicatePeer
	}
	return resp.PeerID, nil
}

// New constructs a session over an already-handshaken connection.
func New(conn net.Conn, localPeerID, remotePeerID [20]byte, numPieces int, ps PieceStore, cfg Config, sched Scheduler) *Session {
	now := time.Now()
	return &Session{
		conn:         conn,
		localPeerID:  localPeerID,
		remotePeerID: remotePeerID,
		numPieces:    numPieces,
		store:        ps,
		cfg:          cfg,
		scheduler:    sched,
		amChoking:    true,
		peerChoking:  true,
		remoteBits:   bitfield.New(numPieces),
		outstanding:  make(map[blockKey]*pendingRequest),
		lastSent:     now,
		lastRecv:     now,
	}
}

// RemotePeerID returns the peer-id recorded at handshake time.
func (s *Session) RemotePeerID() [20]byte { return s.remotePeerID }

// RemoteAddr returns the underlying connection's remote address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// RemoteBitfield returns a snapshot of what we believe the peer holds.
func (s *Session) RemoteBitfield() bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBits.Clone()
}

// PeerChoking reports whether the remote side currently forbids us from
// requesting blocks.
func (s *Session) PeerChoking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerChoking
}

// OutstandingCount returns the number of requests currently in flight
// to this peer.
func (s *Session) OutstandingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

func (s *Session) send(m *wire.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.conn.Write(m.Serialize()); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSent = time.Now()
	s.mu.Unlock()
	return nil
}

// SendHave announces that we now hold piece index.
func (s *Session) SendHave(index int) error {
	return s.send(wire.NewHave(index))
}

// SendBitfield announces our current piece availability. This must be
// the first post-handshake message we send, before interested/unchoke.
func (s *Session) SendBitfield(bits bitfield.Bitfield) error {
	return s.send(wire.NewBitfield(bits))
}

// Close releases every outstanding reservation back to the store and
// closes the underlying connection, without notifying the remote peer.
// Use this when the connection itself is the reason for closing (a
// read/write failure, a protocol violation, a timeout): there is
// either no healthy socket left to write to, or no reason to believe
// the remote peer is still honoring the protocol.
func (s *Session) Close() error {
	s.releaseOutstanding()
	return s.conn.Close()
}

// closeGracefully sends a cancel for every outstanding request before
// releasing and closing, so a remote peer asked to stop doesn't keep
// preparing blocks nobody will read.
func (s *Session) closeGracefully() error {
	s.mu.Lock()
	pending := make(map[blockKey]*pendingRequest, len(s.outstanding))
	for key, req := range s.outstanding {
		pending[key] = req
	}
	s.mu.Unlock()

	for key, req := range pending {
		s.send(wire.NewCancel(key.index, key.begin, req.length))
	}
	return s.Close()
}

func (s *Session) releaseOutstanding() {
	s.mu.Lock()
	for key, req := range s.outstanding {
		s.store.ReleaseBlock(key.index, key.begin, req.length)
	}
	s.outstanding = make(map[blockKey]*pendingRequest)
	s.mu.Unlock()
}

// Run drives the post-handshake loop until stop is closed or an
// unrecoverable error occurs. A clean stop sends a cancel for every
// outstanding request before closing; any other exit just releases
// the reservations and closes the connection.
func (s *Session) Run(stop <-chan struct{}) (err error) {
	defer func() {
		if err == ErrShutdown {
			s.closeGracefully()
		} else {
			s.Close()
		}
	}()

	// Exchange our current availability, then unchoke unconditionally:
	// this client implements no tit-for-tat policy. Interest is
	// recomputed once the peer's own bitfield/have messages arrive.
	if err := s.send(wire.NewBitfield(s.store.BitfieldSnapshot())); err != nil {
		return err
	}
	if err := s.setChoking(false); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return ErrShutdown
		default:
		}

		if err := s.tick(); err != nil {
			return err
		}
	}
}

// tick performs one iteration of the loop: keepalive/timeout bookkeeping,
// pipeline refill, and a bounded-wait read on a 1-second socket timeout.
func (s *Session) tick() error {
	now := time.Now()

	s.mu.Lock()
	idleSend := now.Sub(s.lastSent)
	idleRecv := now.Sub(s.lastRecv)
	s.mu.Unlock()

	if idleRecv > 2*s.cfg.KeepAlive {
		return ErrTimeout
	}
	if idleSend > s.cfg.KeepAlive {
		if err := s.send(nil); err != nil {
			return err
		}
	}

	s.releaseTimedOutRequests()
	s.refillPipeline()

	s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	msg, err := wire.Read(s.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.lastRecv = time.Now()
	s.mu.Unlock()

	if msg == nil {
		return nil // keepalive
	}
	return s.handle(msg)
}

func (s *Session) releaseTimedOutRequests() {
	now := time.Now()
	s.mu.Lock()
	var expired []blockKey
	for key, req := range s.outstanding {
		if now.Sub(req.requestedAt) > s.cfg.RequestTimeout {
			expired = append(expired, key)
		}
	}
	lengths := make(map[blockKey]int, len(expired))
	for _, key := range expired {
		lengths[key] = s.outstanding[key].length
		delete(s.outstanding, key)
	}
	s.mu.Unlock()

	for _, key := range expired {
		s.store.ReleaseBlock(key.index, key.begin, lengths[key])
	}
}

func (s *Session) setChoking(choking bool) error {
	s.mu.Lock()
	s.amChoking = choking
	s.mu.Unlock()
	id := wire.Unchoke
	if choking {
		id = wire.Choke
	}
	return s.send(&wire.Message{ID: id})
}

func (s *Session) setInterested(interested bool) error {
	s.mu.Lock()
	same := s.amInterested == interested
	s.amInterested = interested
	s.mu.Unlock()
	if same {
		return nil
	}
	id := wire.Interested
	if !interested {
		id = wire.NotInterested
	}
	return s.send(&wire.Message{ID: id})
}

// refillPipeline asks the scheduler for more work until the pipeline is
// full, we're choked, or the scheduler has nothing to offer.
func (s *Session) refillPipeline() {
	for {
		s.mu.Lock()
		room := !s.peerChoking && len(s.outstanding) < s.cfg.PipelineDepth
		s.mu.Unlock()
		if !room || s.scheduler == nil {
			return
		}

		index, begin, length, ok := s.scheduler.NextRequest(s)
		if !ok {
			return
		}

		key := blockKey{index: index, begin: begin}
		s.mu.Lock()
		s.outstanding[key] = &pendingRequest{length: length, requestedAt: time.Now()}
		s.mu.Unlock()

		if err := s.send(wire.NewRequest(index, begin, length)); err != nil {
			s.store.ReleaseBlock(index, begin, length)
			s.mu.Lock()
			delete(s.outstanding, key)
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) handle(m *wire.Message) error {
	s.mu.Lock()
	isFirst := !s.gotFirstMessage
	s.gotFirstMessage = true
	s.mu.Unlock()

	switch m.ID {
	case wire.Choke:
		s.onChoke()
	case wire.Unchoke:
		s.mu.Lock()
		s.peerChoking = false
		s.mu.Unlock()
	case wire.Interested:
		s.mu.Lock()
		s.peerInterested = true
		s.mu.Unlock()
		return s.setChoking(false)
	case wire.NotInterested:
		s.mu.Lock()
		s.peerInterested = false
		s.mu.Unlock()
	case wire.Have:
		return s.onHave(m)
	case wire.BitfieldID:
		return s.onBitfield(m, isFirst)
	case wire.Request:
		return s.onRequest(m)
	case wire.Piece:
		return s.onPiece(m)
	case wire.Cancel:
		return nil // best-effort: outbound requests aren't buffered, nothing to cancel
	default:
		return fmt.Errorf("%w: unhandled message id %s", wire.ErrProtocolViolation, m.ID)
	}
	return nil
}

// onChoke cancels every outstanding request and releases the
// reservations back to the store.
func (s *Session) onChoke() {
	s.mu.Lock()
	s.peerChoking = true
	released := s.outstanding
	s.outstanding = make(map[blockKey]*pendingRequest)
	s.mu.Unlock()

	for key, req := range released {
		s.store.ReleaseBlock(key.index, key.begin, req.length)
	}
}

func (s *Session) onHave(m *wire.Message) error {
	index, err := wire.ParseHave(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remoteBits.Set(index)
	haveIt := s.store.Have(index)
	alreadyInterested := s.amInterested
	s.mu.Unlock()

	if !haveIt && !alreadyInterested {
		return s.setInterested(true)
	}
	return nil
}

func (s *Session) onBitfield(m *wire.Message, isFirst bool) error {
	if !isFirst {
		return fmt.Errorf("%w: bitfield received after the first post-handshake message", wire.ErrProtocolViolation)
	}
	s.mu.Lock()
	s.remoteBits = bitfield.Bitfield(append([]byte(nil), m.Payload...))
	s.mu.Unlock()
	return s.recomputeInterest()
}

func (s *Session) recomputeInterest() error {
	interested := false
	for i := 0; i < s.numPieces; i++ {
		if s.RemoteBitfield().Has(i) && !s.store.Have(i) {
			interested = true
			break
		}
	}
	return s.setInterested(interested)
}

// onRequest serves a block to the remote peer, ignoring the request if
// we are choking them or the piece is not verified yet.
func (s *Session) onRequest(m *wire.Message) error {
	index, begin, length, err := wire.ParseRequest(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	choking := s.amChoking
	s.mu.Unlock()
	if choking {
		return nil
	}
	block, err := s.store.ReadBlock(index, begin, length)
	if err != nil {
		return nil // piece not available: silently ignore the request
	}
	return s.send(wire.NewPiece(index, begin, block))
}

func (s *Session) onPiece(m *wire.Message) error {
	index, begin, block, err := wire.ParsePiece(m)
	if err != nil {
		return err
	}

	key := blockKey{index: index, begin: begin}
	s.mu.Lock()
	_, wasOutstanding := s.outstanding[key]
	delete(s.outstanding, key)
	s.mu.Unlock()
	if !wasOutstanding {
		return nil // unsolicited or already-timed-out block: drop
	}

	_, err = s.store.DeliverBlock(index, begin, block)
	return err
}
