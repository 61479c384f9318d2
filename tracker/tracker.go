// Package tracker implements the client side of the HTTP tracker
// protocol: periodic announce, peer-list parsing, and lifecycle events.
// Only the client is built here; the tracker HTTP server itself is an
// external collaborator.
package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/xerlaet/p2p-client/bencode"
)

// ErrTrackerFailure wraps both transport failures (timeout, connection
// refused) and application-level rejections (a "failure reason" key in
// the response).
var ErrTrackerFailure = fmt.Errorf("tracker: announce failed")

// Event is one of the announce lifecycle markers sent in the &event=
// query parameter.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// Peer is one entry of the tracker's dictionary-form peer list. This
// client rejects the compact 6-byte-per-peer encoding on decode and
// only ever produces the dictionary form.
type Peer struct {
	IP     string
	Port   int
	PeerID [20]byte
}

// Response is the parsed result of one announce call.
type Response struct {
	Interval time.Duration
	Peers    []Peer
}

type bencodePeer struct {
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
	PeerID string `bencode:"peer id"`
}

type bencodeResponse struct {
	Interval      int           `bencode:"interval"`
	Peers         []bencodePeer `bencode:"peers"`
	FailureReason string        `bencode:"failure reason,omitempty"`
}

// Announce is one GET request/response cycle against the tracker named
// by announceURL.
type Announce struct {
	AnnounceURL string
	InfoHash    [20]byte
	PeerID      [20]byte
	Port        int
	HTTPClient  *http.Client
}

// Do performs a single announce call for the given event and transfer
// statistics.
func (a *Announce) Do(ctx context.Context, event Event, uploaded, downloaded, left int) (*Response, error) {
	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	u, err := url.Parse(a.AnnounceURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad announce url: %v", ErrTrackerFailure, err)
	}
	q := url.Values{
		"info_hash":  []string{string(a.InfoHash[:])},
		"peer_id":    []string{string(a.PeerID[:])},
		"port":       []string{strconv.Itoa(a.Port)},
		"uploaded":   []string{strconv.Itoa(uploaded)},
		"downloaded": []string{strconv.Itoa(downloaded)},
		"left":       []string{strconv.Itoa(left)},
	}
	if event != EventNone {
		q.Set("event", string(event))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackerFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrTrackerFailure, resp.StatusCode)
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, rerr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if rerr != nil {
			break
		}
	}

	var br bencodeResponse
	if err := bencode.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", ErrTrackerFailure, err)
	}
	if br.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, br.FailureReason)
	}

	peers := make([]Peer, 0, len(br.Peers))
	for _, p := range br.Peers {
		if len(p.PeerID) != 20 {
			return nil, fmt.Errorf("%w: peer id length %d, want 20", ErrTrackerFailure, len(p.PeerID))
		}
		var id [20]byte
		copy(id[:], p.PeerID)
		peers = append(peers, Peer{IP: p.IP, Port: p.Port, PeerID: id})
	}

	return &Response{
		Interval: time.Duration(br.Interval) * time.Second,
		Peers:    peers,
	}, nil
}
