package tracker

import (
	"context"
	"log/slog"
	"time"
)

// StatsProvider reports the transfer accounting an announce needs and
// whether the local download has finished, so the Announcer knows when
// to fire the one-time "completed" event.
type StatsProvider interface {
	Stats() (uploaded, downloaded, left int)
	IsComplete() bool
}

const (
	defaultInterval  = 30 * time.Second
	minBackoff       = 5 * time.Second
	maxBackoffFactor = 8
)

// Announcer drives the periodic announce loop: started, then periodic
// re-announces honoring the tracker's interval, completed on the first
// transition to fully verified, and a final stopped announce before
// shutdown.
type Announcer struct {
	Announce Announce
	Stats    StatsProvider
	OnPeers  func([]Peer)
	Log      *slog.Logger

	interval time.Duration
}

// Run blocks until stop is closed, issuing the started, periodic, and
// completed announces, then performs a final stopped announce before
// returning.
func (a *Announcer) Run(stop <-chan struct{}) {
	if a.interval == 0 {
		a.interval = defaultInterval
	}
	log := a.Log
	if log == nil {
		log = slog.Default()
	}

	// A download already complete at startup never transitions to
	// complete, so it announces started and never completed.
	event := EventStarted
	announcedComplete := a.Stats.IsComplete()

	backoff := minBackoff
	for {
		resp, err := a.announceOnce(event)
		if err != nil {
			log.Warn("tracker announce failed", "error", err)
			backoff *= 2
			if max := a.interval * maxBackoffFactor; backoff > max && max > 0 {
				backoff = max
			}
		} else {
			backoff = minBackoff
			if resp.Interval > 0 {
				a.interval = resp.Interval
			}
			if a.OnPeers != nil {
				a.OnPeers(resp.Peers)
			}
		}
		event = EventNone

		select {
		case <-stop:
			a.announceOnce(EventStopped)
			return
		case <-time.After(a.waitFor(err, backoff)):
		}

		if !announcedComplete && a.Stats.IsComplete() {
			event = EventCompleted
			announcedComplete = true
		}
	}
}

func (a *Announcer) waitFor(err error, backoff time.Duration) time.Duration {
	if err != nil {
		return backoff
	}
	return a.interval
}

func (a *Announcer) announceOnce(event Event) (*Response, error) {
	uploaded, downloaded, left := a.Stats.Stats()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Announce.Do(ctx, event, uploaded, downloaded, left)
}
