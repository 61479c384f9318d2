package client

import "crypto/rand"

// generatePeerID produces a 20-byte identifier stable for the lifetime
// of the process, drawn from crypto/rand so peer-ids can't collide
// across processes started in the same instant.
func generatePeerID() [20]byte {
	var id [20]byte
	copy(id[:], []byte("-GP0001-"))
	rand.Read(id[8:])
	return id
}
