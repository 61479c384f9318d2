package client

import (
	"math/rand"
	"sync"

	"github.com/xerlaet/p2p-client/peer"
	"github.com/xerlaet/p2p-client/store"
)

// scheduler implements peer.Scheduler with a rarest-first policy:
// prefer completing a piece already in progress; otherwise pick, among
// the pieces the asking session's peer has and we don't, the one held
// by the fewest currently connected peers, breaking ties uniformly at
// random.
type scheduler struct {
	store    *store.Store
	registry *registry

	mu     sync.Mutex
	active map[int]int // piece index -> number of blocks handed out since the piece was last settled
	cursor map[int]int // piece index -> next block index to offer
	rng    *rand.Rand
}

func newScheduler(st *store.Store, reg *registry, rng *rand.Rand) *scheduler {
	return &scheduler{
		store:    st,
		registry: reg,
		active:   make(map[int]int),
		cursor:   make(map[int]int),
		rng:      rng,
	}
}

// NextRequest implements peer.Scheduler. Unlike a plain cursor advance,
// it reserves the block it offers before returning: a piece whose
// blocks are all already in-flight (held by other sessions) is skipped
// in favor of the next candidate rather than returned to the caller,
// so refillPipeline never has to retry against the same exhausted piece.
func (sch *scheduler) NextRequest(s *peer.Session) (index, begin, length int, ok bool) {
	remote := s.RemoteBitfield()
	missing := sch.store.MissingPieces()
	if len(missing) == 0 {
		return 0, 0, 0, false
	}

	candidates := make([]int, 0, len(missing))
	for _, i := range missing {
		if remote.Has(i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, 0, 0, false
	}

	sch.mu.Lock()
	order := sch.priorityOrder(candidates)
	sch.mu.Unlock()

	for _, piece := range order {
		begin, length, ok := sch.reserveNextBlock(piece)
		if !ok {
			continue
		}
		sch.mu.Lock()
		sch.active[piece]++
		sch.mu.Unlock()
		return piece, begin, length, true
	}
	return 0, 0, 0, false
}

// reserveNextBlock tries, at most once per block of piece, to reserve
// a block that isn't already in-flight, advancing the piece's cursor
// past every block it tries regardless of outcome. It returns ok=false
// once it has cycled through every block without a reservation
// succeeding, rather than spinning on a piece whose blocks are all
// held by other sessions.
func (sch *scheduler) reserveNextBlock(piece int) (begin, length int, ok bool) {
	numBlocks := sch.store.NumBlocks(piece)
	for attempt := 0; attempt < numBlocks; attempt++ {
		sch.mu.Lock()
		blockIdx := sch.cursor[piece] % numBlocks
		sch.cursor[piece] = blockIdx + 1
		sch.mu.Unlock()

		length = sch.store.BlockLength(piece, blockIdx)
		begin = blockIdx * sch.store.BlockSize()
		if sch.store.ReserveBlock(piece, begin, length) {
			return begin, length, true
		}
	}
	return 0, 0, false
}

// priorityOrder ranks candidates already in progress ahead of the
// rest, which are rarest-first ordered, so a caller that walks the
// list in order tries the preferred piece first but still has
// somewhere to fall back to if that piece turns out to be fully
// reserved by other sessions. Caller holds sch.mu.
func (sch *scheduler) priorityOrder(candidates []int) []int {
	var inProgress, rest []int
	for _, i := range candidates {
		if sch.active[i] > 0 {
			inProgress = append(inProgress, i)
		} else {
			rest = append(rest, i)
		}
	}
	order := append([]int{}, inProgress...)
	for len(rest) > 0 {
		pick := sch.rarestFirst(rest)
		order = append(order, pick)
		rest = removeInt(rest, pick)
	}
	return order
}

func removeInt(s []int, v int) []int {
	out := make([]int, 0, len(s)-1)
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// rarestFirst picks the candidate held by the fewest connected peers,
// breaking ties uniformly at random. Caller holds sch.mu.
func (sch *scheduler) rarestFirst(candidates []int) int {
	counts := sch.holderCounts(candidates)

	min := -1
	var rarest []int
	for _, i := range candidates {
		c := counts[i]
		switch {
		case min == -1 || c < min:
			min = c
			rarest = []int{i}
		case c == min:
			rarest = append(rarest, i)
		}
	}
	if len(rarest) == 1 {
		return rarest[0]
	}
	return rarest[sch.rng.Intn(len(rarest))]
}

func (sch *scheduler) holderCounts(candidates []int) map[int]int {
	counts := make(map[int]int, len(candidates))
	for _, i := range candidates {
		counts[i] = 0
	}
	for _, s := range sch.registry.snapshot() {
		bits := s.RemoteBitfield()
		for _, i := range candidates {
			if bits.Has(i) {
				counts[i]++
			}
		}
	}
	return counts
}

// pieceSettled is called once a piece verifies (the orchestrator calls
// it for each store verification event), so a future rarest-first
// decision doesn't keep treating it as in-flight.
func (sch *scheduler) pieceSettled(index int) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	delete(sch.active, index)
	delete(sch.cursor, index)
}
