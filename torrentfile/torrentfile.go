// Package torrentfile parses a Bencoded torrent descriptor into an
// immutable model: announce URL, info-hash, piece length, total
// length, file name, and per-piece digests.
package torrentfile

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/xerlaet/p2p-client/bencode"
)

// ErrBadDescriptor is returned for a descriptor missing a required
// field or with a structural mismatch (e.g. a piece-hash blob whose
// length is not a multiple of 20).
var ErrBadDescriptor = errors.New("torrentfile: bad descriptor")

const hashLen = 20

// File is the immutable, parsed view of a torrent descriptor. Only
// single-file torrents are supported.
type File struct {
	Announce    string
	InfoHash    [20]byte
	PieceLength int
	Length      int
	Name        string
	PieceHashes [][20]byte
}

// bencodeInfo mirrors the descriptor's "info" sub-dictionary. It is kept
// field-for-field so that re-marshaling it reproduces the exact bytes
// the info-hash must be computed over.
type bencodeInfo struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
	Length      int    `bencode:"length"`
	Name        string `bencode:"name"`
}

type bencodeTorrent struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Open reads and parses the descriptor at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a Bencoded descriptor already read into memory.
func Parse(data []byte) (*File, error) {
	var bto bencodeTorrent
	if err := bencode.Unmarshal(data, &bto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}

	if bto.Announce == "" {
		return nil, fmt.Errorf("%w: missing announce URL", ErrBadDescriptor)
	}
	if bto.Info.Name == "" {
		return nil, fmt.Errorf("%w: missing info.name", ErrBadDescriptor)
	}
	if bto.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive, got %d", ErrBadDescriptor, bto.Info.PieceLength)
	}
	if bto.Info.Length <= 0 {
		return nil, fmt.Errorf("%w: length must be positive, got %d", ErrBadDescriptor, bto.Info.Length)
	}

	pieceHashes, err := splitPieceHashes(bto.Info.Pieces)
	if err != nil {
		return nil, err
	}

	wantPieces := (bto.Info.Length + bto.Info.PieceLength - 1) / bto.Info.PieceLength
	if len(pieceHashes) != wantPieces {
		return nil, fmt.Errorf("%w: have %d piece hashes, want %d for length %d at piece length %d",
			ErrBadDescriptor, len(pieceHashes), wantPieces, bto.Info.Length, bto.Info.PieceLength)
	}

	infoHash, err := hashInfo(bto.Info)
	if err != nil {
		return nil, err
	}

	return &File{
		Announce:    bto.Announce,
		InfoHash:    infoHash,
		PieceLength: bto.Info.PieceLength,
		Length:      bto.Info.Length,
		Name:        bto.Info.Name,
		PieceHashes: pieceHashes,
	}, nil
}

func splitPieceHashes(blob []byte) ([][20]byte, error) {
	if len(blob)%hashLen != 0 {
		return nil, fmt.Errorf("%w: pieces blob length %d is not a multiple of %d", ErrBadDescriptor, len(blob), hashLen)
	}
	n := len(blob) / hashLen
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], blob[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

// hashInfo re-encodes info canonically and hashes the result, so the
// info-hash never depends on the original dictionary's key order.
func hashInfo(info bencodeInfo) ([20]byte, error) {
	encoded, err := bencode.Marshal(&info)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrBadDescriptor, err)
	}
	return sha1.Sum(encoded), nil
}

// NumPieces returns P, the number of pieces the descriptor declares.
func (f *File) NumPieces() int {
	return len(f.PieceHashes)
}

// HashOf returns the expected digest of piece i.
func (f *File) HashOf(i int) [20]byte {
	return f.PieceHashes[i]
}

// PieceBounds returns the half-open [begin, end) byte range of piece i
// within the whole file. The last piece may be shorter than PieceLength.
func (f *File) PieceBounds(i int) (begin, end int) {
	begin = i * f.PieceLength
	end = begin + f.PieceLength
	if end > f.Length {
		end = f.Length
	}
	return begin, end
}

// PieceSize returns the length in bytes of piece i.
func (f *File) PieceSize(i int) int {
	begin, end := f.PieceBounds(i)
	return end - begin
}
