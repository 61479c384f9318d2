package store

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/xerlaet/p2p-client/torrentfile"
)

const testBlockSize = 4

// buildTestFile returns a *torrentfile.File describing the given content
// split into pieceLength-sized pieces, without touching disk.
func buildTestFile(content []byte, pieceLength int) *torrentfile.File {
	numPieces := (len(content) + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		begin := i * pieceLength
		end := begin + pieceLength
		if end > len(content) {
			end = len(content)
		}
		hashes[i] = sha1.Sum(content[begin:end])
	}
	return &torrentfile.File{
		Announce:    "http://tracker.example/announce",
		PieceLength: pieceLength,
		Length:      len(content),
		Name:        "test.bin",
		PieceHashes: hashes,
	}
}

func openTestStore(t *testing.T, content []byte, pieceLength int, preseed bool) (*Store, *torrentfile.File) {
	t.Helper()
	tf := buildTestFile(content, pieceLength)
	path := filepath.Join(t.TempDir(), "piece.dat")
	if preseed {
		if err := os.WriteFile(path, content, 0o644); err != nil {
			t.Fatalf("preseed: %v", err)
		}
	}
	s, err := Open(path, tf, testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tf
}

func TestOpenEmptyFileHasNoVerifiedPieces(t *testing.T) {
	content := []byte("0123456789abcdef") // 16 bytes, piece length 8 -> 2 pieces
	s, _ := openTestStore(t, content, 8, false)

	if s.IsComplete() {
		t.Fatalf("fresh empty store should not be complete")
	}
	for i := 0; i < s.NumPieces(); i++ {
		if s.Have(i) {
			t.Errorf("piece %d unexpectedly verified on an empty file", i)
		}
	}
}

func TestOpenCompleteFileVerifiesAllPieces(t *testing.T) {
	content := []byte("0123456789abcdef")
	s, _ := openTestStore(t, content, 8, true)

	if !s.IsComplete() {
		t.Fatalf("store seeded from a complete file should report complete")
	}
}

func TestOpenPartialFileVerifiesOnlyCompletePieces(t *testing.T) {
	content := []byte("0123456789abcdef") // piece 0: "01234567", piece 1: "89abcdef"
	tf := buildTestFile(content, 8)       // hashes reflect the full, correct content

	onDisk := make([]byte, len(content))
	copy(onDisk, content)
	for i := 8; i < 16; i++ {
		onDisk[i] = 0 // piece 1 not actually downloaded yet
	}

	path := filepath.Join(t.TempDir(), "piece.dat")
	if err := os.WriteFile(path, onDisk, 0o644); err != nil {
		t.Fatalf("preseed: %v", err)
	}
	s, err := Open(path, tf, testBlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.Have(0) {
		t.Errorf("piece 0 should verify from on-disk content")
	}
	if s.Have(1) {
		t.Errorf("piece 1 should not verify: on-disk bytes don't match its hash")
	}
	if s.IsComplete() {
		t.Errorf("store should not report complete with piece 1 missing")
	}
}

func TestReserveDeliverVerifiedFlow(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD") // piece length 8, block size 4 -> 2 blocks/piece
	s, _ := openTestStore(t, content, 8, false)

	if !s.ReserveBlock(0, 0, 4) {
		t.Fatalf("ReserveBlock(0,0,4) should succeed on a fresh piece")
	}
	if s.ReserveBlock(0, 0, 4) {
		t.Fatalf("ReserveBlock should fail while already in-flight")
	}

	d, err := s.DeliverBlock(0, 0, []byte("AAAA"))
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if d != AcceptedPartial {
		t.Fatalf("DeliverBlock first block = %v, want AcceptedPartial", d)
	}

	if !s.ReserveBlock(0, 4, 4) {
		t.Fatalf("ReserveBlock(0,4,4) should succeed")
	}
	d, err = s.DeliverBlock(0, 4, []byte("BBBB"))
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if d != AcceptedVerified {
		t.Fatalf("DeliverBlock last block = %v, want AcceptedVerified", d)
	}
	if !s.Have(0) {
		t.Errorf("piece 0 should be verified after a full matching delivery")
	}
}

func TestDeliverBlockRejectedOnHashMismatch(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	s.ReserveBlock(0, 0, 4)
	s.DeliverBlock(0, 0, []byte("AAAA"))
	s.ReserveBlock(0, 4, 4)
	// Deliver wrong bytes for the second (last) block of piece 0.
	d, err := s.DeliverBlock(0, 4, []byte("ZZZZ"))
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if d != AcceptedRejected {
		t.Fatalf("DeliverBlock = %v, want AcceptedRejected", d)
	}
	if s.Have(0) {
		t.Errorf("piece should not be verified after a hash mismatch")
	}
	// The piece must have reverted fully to missing: both blocks can be
	// reserved again from scratch.
	if !s.ReserveBlock(0, 0, 4) {
		t.Errorf("block 0 of piece 0 should be reservable again after rejection")
	}
	if !s.ReserveBlock(0, 4, 4) {
		t.Errorf("block 1 of piece 0 should be reservable again after rejection")
	}
}

func TestDeliverBlockOnVerifiedPieceIsNoOp(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, true) // pre-seeded and verified

	d, err := s.DeliverBlock(0, 0, []byte("AAAA"))
	if err != nil {
		t.Fatalf("DeliverBlock: %v", err)
	}
	if d != AcceptedPartial {
		t.Fatalf("late duplicate DeliverBlock = %v, want AcceptedPartial", d)
	}
}

func TestReleaseBlockAllowsReReservation(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	s.ReserveBlock(0, 0, 4)
	s.ReleaseBlock(0, 0, 4)
	if !s.ReserveBlock(0, 0, 4) {
		t.Errorf("block should be reservable again after release")
	}
}

func TestDeliverBlockInvalidOffsetDoesNotMutateState(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	_, err := s.DeliverBlock(0, 1, []byte("AAA"))
	if !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected ErrInvalidBlock, got %v", err)
	}
	if s.Have(0) {
		t.Errorf("invalid delivery must not mutate the bitfield")
	}
	// The block should still be reservable: nothing was marked in-flight.
	if !s.ReserveBlock(0, 0, 4) {
		t.Errorf("block should remain reservable after a rejected invalid delivery")
	}
}

func TestReadBlockFailsUntilVerified(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	_, err := s.ReadBlock(0, 0, 4)
	if !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("expected ErrNotAvailable, got %v", err)
	}

	s.ReserveBlock(0, 0, 4)
	s.DeliverBlock(0, 0, []byte("AAAA"))
	s.ReserveBlock(0, 4, 4)
	s.DeliverBlock(0, 4, []byte("BBBB"))

	block, err := s.ReadBlock(0, 0, 4)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if !bytes.Equal(block, []byte("AAAA")) {
		t.Errorf("ReadBlock = %q, want %q", block, "AAAA")
	}
}

func TestSubscribeReceivesVerificationEvents(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	events := s.Subscribe()

	s.ReserveBlock(0, 0, 4)
	s.DeliverBlock(0, 0, []byte("AAAA"))
	s.ReserveBlock(0, 4, 4)
	s.DeliverBlock(0, 4, []byte("BBBB"))

	select {
	case i := <-events:
		if i != 0 {
			t.Errorf("event index = %d, want 0", i)
		}
	default:
		t.Fatalf("expected a verification event on the subscription channel")
	}
}

func TestMissingPiecesComplement(t *testing.T) {
	content := []byte("AAAABBBBCCCCDDDD")
	s, _ := openTestStore(t, content, 8, false)

	s.ReserveBlock(0, 0, 4)
	s.DeliverBlock(0, 0, []byte("AAAA"))
	s.ReserveBlock(0, 4, 4)
	s.DeliverBlock(0, 4, []byte("BBBB"))

	missing := s.MissingPieces()
	if len(missing) != 1 || missing[0] != 1 {
		t.Errorf("MissingPieces = %v, want [1]", missing)
	}
}
