package peer

import "errors"

// ErrDuplicatePeer is returned by Handshake when the remote peer-id
// equals our own. A second connection to a peer-id that already has an
// open session is not reported with this error: the orchestrator's
// registry rejects it and closes the connection.
var ErrDuplicatePeer = errors.New("peer: duplicate peer")

// ErrTimeout is returned when no message at all (not even a keepalive)
// has been received for 2*KeepAlive seconds.
var ErrTimeout = errors.New("peer: timed out")

// ErrShutdown is returned by Run when the session was asked to stop via
// its stop channel rather than by any network condition.
var ErrShutdown = errors.New("peer: shutdown")
