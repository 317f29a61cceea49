package gloomstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/xxh3"
)

// Serialization constants.
const (
	// FormatVersion is the current serialization format version.
	FormatVersion uint32 = 1

	// HeaderSize is the size of the serialized header in bytes.
	// Magic (4) + Version (4) + Checksum (8) + SizeInBits (8) + HashCount (4) + Fingerprint (8)
	HeaderSize = 36

	// chunkWords bounds how many words are converted per read or write
	// (64 KiB), so neither encoding nor decoding buffers a whole body.
	chunkWords = 8192
)

// Magic identifies a persisted filter.
var Magic = [4]byte{'G', 'L', 'M', 'B'}

// Header is the fixed-size prefix of a persisted filter.
//
// The serialized layout (all integers little-endian) is:
//   - Magic (4 bytes)
//   - Version (4 bytes)
//   - Checksum (8 bytes): xxh3-64 of the body
//   - SizeInBits (8 bytes)
//   - HashCount (4 bytes)
//   - Fingerprint (8 bytes): Config.Fingerprint of the writer
//
// The body follows immediately: ceil(SizeInBits/64) words, little-endian.
type Header struct {
	Version     uint32
	Checksum    uint64
	SizeInBits  uint64
	HashCount   uint32
	Fingerprint uint64
}

// BodyLen returns the body length in bytes.
func (h Header) BodyLen() uint64 {
	return wordsFor(h.SizeInBits) * 8
}

func (h Header) marshal(buf []byte) {
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Checksum)
	binary.LittleEndian.PutUint64(buf[16:24], h.SizeInBits)
	binary.LittleEndian.PutUint32(buf[24:28], h.HashCount)
	binary.LittleEndian.PutUint64(buf[28:36], h.Fingerprint)
}

// headerFor returns the header fields derived from a configuration. The
// checksum is filled in by the encoder.
func headerFor(cfg Config) Header {
	m, k := OptimalParams(cfg.ExpectedItems, cfg.ErrorRate)
	return Header{
		Version:     FormatVersion,
		SizeInBits:  m,
		HashCount:   k,
		Fingerprint: cfg.Fingerprint(),
	}
}

// WriteTo encodes the filter to w in the persisted format. Concurrent Adds may
// or may not be reflected; use a Guard snapshot for a consistent copy.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	words := f.bits.Snapshot()
	defer f.bits.Pool().Put(words)
	return encodeWords(w, headerFor(f.cfg), words)
}

// Encode writes f to w in the persisted format.
func Encode(w io.Writer, f *Filter) error {
	_, err := f.WriteTo(w)
	return err
}

// encodeWords writes the header followed by the words. The checksum is
// computed in a first pass over the words so the header can be written
// before the body is streamed.
func encodeWords(w io.Writer, h Header, words []uint64) (int64, error) {
	if uint64(len(words)) != wordsFor(h.SizeInBits) {
		return 0, fmt.Errorf("gloomstore: encode: %d words for %d bits", len(words), h.SizeInBits)
	}

	buf := make([]byte, min(len(words), chunkWords)*8)

	hasher := xxh3.New()
	for off := 0; off < len(words); off += chunkWords {
		chunk := putWords(buf, words[off:min(off+chunkWords, len(words))])
		_, _ = hasher.Write(chunk)
	}
	h.Checksum = hasher.Sum64()

	var hdr [HeaderSize]byte
	h.marshal(hdr[:])
	n, err := w.Write(hdr[:])
	written := int64(n)
	if err != nil {
		return written, err
	}

	for off := 0; off < len(words); off += chunkWords {
		chunk := putWords(buf, words[off:min(off+chunkWords, len(words))])
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// putWords encodes words little-endian into buf and returns the used prefix.
func putWords(buf []byte, words []uint64) []byte {
	for i, word := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], word)
	}
	return buf[:len(words)*8]
}

// Decode reads and checks the header from r. It returns the header and a
// reader limited to the body. Unknown magic numbers and versions are rejected
// with ErrFormatMismatch before any body byte is read.
func Decode(r io.Reader) (Header, io.Reader, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, fmt.Errorf("%w: data too short for header", ErrFormatMismatch)
		}
		return Header{}, nil, err
	}

	if [4]byte(buf[0:4]) != Magic {
		return Header{}, nil, fmt.Errorf("%w: bad magic %q", ErrFormatMismatch, buf[0:4])
	}

	h := Header{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		Checksum:    binary.LittleEndian.Uint64(buf[8:16]),
		SizeInBits:  binary.LittleEndian.Uint64(buf[16:24]),
		HashCount:   binary.LittleEndian.Uint32(buf[24:28]),
		Fingerprint: binary.LittleEndian.Uint64(buf[28:36]),
	}
	if h.Version != FormatVersion {
		return Header{}, nil, fmt.Errorf("%w: got version %d, expected %d", ErrFormatMismatch, h.Version, FormatVersion)
	}

	return h, io.LimitReader(r, int64(h.BodyLen())), nil
}

// ReadBody reads the body described by h into dst in bounded chunks and
// returns the checksum of the bytes read. A short body is ErrDataIntegrity.
func ReadBody(h Header, body io.Reader, dst *BitStore) (uint64, error) {
	n := wordsFor(h.SizeInBits)
	if uint64(dst.Words()) != n {
		return 0, fmt.Errorf("%w: store has %d words, header describes %d", ErrConfigMismatch, dst.Words(), n)
	}

	buf := make([]byte, min(int(n), chunkWords)*8)
	hasher := xxh3.New()
	for off := 0; off < int(n); off += chunkWords {
		chunk := buf[:(min(off+chunkWords, int(n))-off)*8]
		if _, err := io.ReadFull(body, chunk); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, fmt.Errorf("%w: body truncated", ErrDataIntegrity)
			}
			return 0, err
		}
		_, _ = hasher.Write(chunk)
		for i := 0; i < len(chunk)/8; i++ {
			dst.words[off+i] = binary.LittleEndian.Uint64(chunk[i*8:])
		}
	}
	return hasher.Sum64(), nil
}

// Validate compares a header against a recomputed body checksum and the
// fingerprint of the current configuration. A fingerprint mismatch is a
// *FingerprintMismatchError (ErrConfigMismatch); a checksum mismatch is a
// *ChecksumMismatchError (ErrDataIntegrity).
func Validate(h Header, computedChecksum, computedFingerprint uint64) error {
	if h.Fingerprint != computedFingerprint {
		return &FingerprintMismatchError{Expected: computedFingerprint, Actual: h.Fingerprint}
	}
	if h.Checksum != computedChecksum {
		return &ChecksumMismatchError{Expected: h.Checksum, Actual: computedChecksum}
	}
	return nil
}

// ReadFilter decodes a persisted filter for cfg from r. The result is fully
// validated; on any error no filter is returned and no pooled memory leaks.
//
// The header is checked against cfg before the bit array is allocated, so a
// stale or hostile header never drives a large allocation.
func ReadFilter(r io.Reader, cfg Config, pool *WordPool) (*Filter, error) {
	h, body, err := Decode(r)
	if err != nil {
		return nil, err
	}

	want := headerFor(cfg)
	if h.Fingerprint != want.Fingerprint {
		return nil, &FingerprintMismatchError{Expected: want.Fingerprint, Actual: h.Fingerprint}
	}
	if h.SizeInBits != want.SizeInBits || h.HashCount != want.HashCount {
		return nil, fmt.Errorf("%w: header describes %d bits/k=%d, configuration needs %d bits/k=%d",
			ErrConfigMismatch, h.SizeInBits, h.HashCount, want.SizeInBits, want.HashCount)
	}

	f := newFilter(cfg, pool)
	sum, err := ReadBody(h, body, f.bits)
	if err != nil {
		f.Release()
		return nil, err
	}
	if cfg.SkipIntegrityCheck {
		sum = h.Checksum
	}
	if err := Validate(h, sum, want.Fingerprint); err != nil {
		f.Release()
		return nil, err
	}
	return f, nil
}

// UnmarshalBinary decodes a filter for cfg from data.
func UnmarshalBinary(data []byte, cfg Config) (*Filter, error) {
	return ReadFilter(bytes.NewReader(data), cfg, nil)
}
