package client

import (
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"

	"github.com/xerlaet/p2p-client/store"
)

// progressReporter renders a terminal progress bar tracking verified
// pieces and the registry's live session count.
type progressReporter struct {
	store    *store.Store
	registry *registry
}

func newProgressReporter(st *store.Store, reg *registry) *progressReporter {
	return &progressReporter{store: st, registry: reg}
}

// run drives the bar until stop is closed or the transfer completes.
func (p *progressReporter) run(stop <-chan struct{}) {
	total := p.store.NumPieces()

	uiprogress.Start()
	bar := uiprogress.AddBar(total)
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(p.verifiedCount()) + "/" + strconv.Itoa(total)
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(p.registry.count())
	})
	bar.AppendElapsed()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	defer uiprogress.Stop()

	done := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for n := p.verifiedCount(); done < n; done++ {
				bar.Incr()
			}
			if p.store.IsComplete() {
				return
			}
		}
	}
}

func (p *progressReporter) verifiedCount() int {
	return p.store.BitfieldSnapshot().Count(p.store.NumPieces())
}
