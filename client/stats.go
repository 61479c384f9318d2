package client

import (
	"github.com/xerlaet/p2p-client/store"
	"github.com/xerlaet/p2p-client/torrentfile"
)

// statsAdapter implements tracker.StatsProvider over the piece store,
// so the announcer can report uploaded/downloaded/left without knowing
// about pieces or blocks. Upload accounting isn't kept anywhere in this
// client, so uploaded is always reported as 0.
type statsAdapter struct {
	store *store.Store
	tf    *torrentfile.File
}

func (a *statsAdapter) Stats() (uploaded, downloaded, left int) {
	bits := a.store.BitfieldSnapshot()
	for i := 0; i < a.store.NumPieces(); i++ {
		if bits.Has(i) {
			downloaded += a.store.PieceSize(i)
		}
	}
	return 0, downloaded, a.tf.Length - downloaded
}

func (a *statsAdapter) IsComplete() bool {
	return a.store.IsComplete()
}
