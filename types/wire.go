package types

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/crypto/tmhash"
)

// Wire framing for consensus messages.
//
// A frame is:
//
//	type_id  uint16 (little endian)
//	length   uint32 (payload length, little endian)
//	payload  length bytes
//	sig      64 bytes (ed25519)
//
// The payload starts with a fixed-size region holding scalar fields and
// (offset, size) pairs, followed by a data region holding variable-length
// segments. Offsets are relative to the payload start. Segments must lie
// entirely in the data region and entirely inside the payload, so a decoder
// can never be steered outside the buffer or back into the fixed fields.

const (
	frameHeaderSize = 6
	SignatureSize   = 64
	HashSize        = tmhash.Size
)

var (
	ErrMalformedMessage          = errors.New("malformed message")
	ErrBadSignature              = errors.New("bad message signature")
	ErrIncorrectSegmentReference = errors.New("incorrect segment reference")
	ErrIncorrectSegmentSize      = errors.New("incorrect segment size")
)

// EncodeFrame assembles a full wire frame from its parts.
func EncodeFrame(typeID uint16, payload, sig []byte) ([]byte, error) {
	if len(sig) != SignatureSize {
		return nil, errors.Wrapf(ErrBadSignature, "signature is %d bytes", len(sig))
	}
	bz := make([]byte, 0, frameHeaderSize+len(payload)+SignatureSize)
	bz = append(bz, 0, 0, 0, 0, 0, 0)
	binary.LittleEndian.PutUint16(bz[0:2], typeID)
	binary.LittleEndian.PutUint32(bz[2:6], uint32(len(payload)))
	bz = append(bz, payload...)
	bz = append(bz, sig...)
	return bz, nil
}

// DecodeFrame splits a wire frame into its parts. The frame must be exactly
// header + payload + signature, no trailing bytes.
func DecodeFrame(bz []byte) (typeID uint16, payload, sig []byte, err error) {
	if len(bz) < frameHeaderSize+SignatureSize {
		return 0, nil, nil, errors.Wrapf(ErrMalformedMessage, "frame is %d bytes", len(bz))
	}
	typeID = binary.LittleEndian.Uint16(bz[0:2])
	payloadLen := int(binary.LittleEndian.Uint32(bz[2:6]))
	if frameHeaderSize+payloadLen+SignatureSize != len(bz) {
		return 0, nil, nil, errors.Wrapf(ErrMalformedMessage,
			"declared payload %d bytes, frame %d bytes", payloadLen, len(bz))
	}
	payload = bz[frameHeaderSize : frameHeaderSize+payloadLen]
	sig = bz[len(bz)-SignatureSize:]
	return typeID, payload, sig, nil
}

// signBytes is what gets signed and hashed: the chain id, the type id and the
// payload. The signature itself is excluded so the message hash is stable
// before signing.
func signBytes(chainID string, typeID uint16, payload []byte) []byte {
	bz := make([]byte, 0, 4+len(chainID)+2+len(payload))
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(chainID)))
	bz = append(bz, u32[:]...)
	bz = append(bz, chainID...)
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], typeID)
	bz = append(bz, u16[:]...)
	bz = append(bz, payload...)
	return bz
}

// messageHash identifies a message on the wire. It covers the type id and the
// payload but not the chain id or the signature.
func messageHash(typeID uint16, payload []byte) []byte {
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], typeID)
	h := make([]byte, 0, 2+len(payload))
	h = append(h, u16[:]...)
	h = append(h, payload...)
	return tmhash.Sum(h)
}

//----------------------------------------
// segmentWriter

// segmentWriter builds a payload. The fixed-size region must be declared up
// front so data offsets can be assigned in one pass. Finish panics if the
// fixed region was mis-sized, which is a programming error in the message's
// encoder, not bad input.
type segmentWriter struct {
	fixedSize int
	fixed     []byte
	data      []byte
}

func newSegmentWriter(fixedSize int) *segmentWriter {
	return &segmentWriter{
		fixedSize: fixedSize,
		fixed:     make([]byte, 0, fixedSize),
	}
}

func (w *segmentWriter) PutByte(v byte) { w.fixed = append(w.fixed, v) }

func (w *segmentWriter) PutUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.fixed = append(w.fixed, b[:]...)
}

func (w *segmentWriter) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.fixed = append(w.fixed, b[:]...)
}

func (w *segmentWriter) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.fixed = append(w.fixed, b[:]...)
}

// PutHash writes a fixed 32-byte hash. A nil hash encodes as zeroes.
func (w *segmentWriter) PutHash(h []byte) {
	if h == nil {
		w.fixed = append(w.fixed, make([]byte, HashSize)...)
		return
	}
	if len(h) != HashSize {
		panic("segmentWriter: hash must be 32 bytes")
	}
	w.fixed = append(w.fixed, h...)
}

// PutSegment writes an (offset, size) pair into the fixed region and appends
// the raw bytes to the data region.
func (w *segmentWriter) PutSegment(b []byte) {
	w.PutUint32(uint32(w.fixedSize + len(w.data)))
	w.PutUint32(uint32(len(b)))
	w.data = append(w.data, b...)
}

// PutHashList writes an (offset, count) pair and a packed run of 32-byte
// hashes.
func (w *segmentWriter) PutHashList(hs [][]byte) {
	w.PutUint32(uint32(w.fixedSize + len(w.data)))
	w.PutUint32(uint32(len(hs)))
	for _, h := range hs {
		if len(h) != HashSize {
			panic("segmentWriter: hash must be 32 bytes")
		}
		w.data = append(w.data, h...)
	}
}

// PutByteSlices writes a list of variable-length byte slices as a segment of
// (offset, size) pairs, each of which references a further data segment.
func (w *segmentWriter) PutByteSlices(bs [][]byte) {
	w.PutUint32(uint32(w.fixedSize + len(w.data)))
	w.PutUint32(uint32(len(bs)))
	// Reserve the pair table first so element offsets land after it.
	table := len(w.data)
	w.data = append(w.data, make([]byte, 8*len(bs))...)
	for i, b := range bs {
		off := uint32(w.fixedSize + len(w.data))
		binary.LittleEndian.PutUint32(w.data[table+8*i:], off)
		binary.LittleEndian.PutUint32(w.data[table+8*i+4:], uint32(len(b)))
		w.data = append(w.data, b...)
	}
}

func (w *segmentWriter) Finish() []byte {
	if len(w.fixed) != w.fixedSize {
		panic("segmentWriter: fixed region size mismatch")
	}
	return append(w.fixed, w.data...)
}

//----------------------------------------
// segmentReader

// segmentReader walks a payload's fixed region sequentially and resolves
// segment references with bounds checks. Every method after a failure is a
// no-op returning zero values, so decoders can check Err once at the end.
type segmentReader struct {
	payload  []byte
	fixedEnd int
	pos      int
	err      error
}

func newSegmentReader(payload []byte, fixedSize int) *segmentReader {
	r := &segmentReader{payload: payload, fixedEnd: fixedSize}
	if fixedSize > len(payload) {
		r.err = errors.Wrapf(ErrMalformedMessage,
			"payload %d bytes, fixed region needs %d", len(payload), fixedSize)
	}
	return r
}

func (r *segmentReader) Err() error { return r.err }

func (r *segmentReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > r.fixedEnd {
		r.err = errors.Wrap(ErrMalformedMessage, "fixed region exhausted")
		return nil
	}
	b := r.payload[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *segmentReader) Byte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *segmentReader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *segmentReader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *segmentReader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *segmentReader) Hash() []byte {
	b := r.take(HashSize)
	if b == nil {
		return nil
	}
	h := make([]byte, HashSize)
	copy(h, b)
	return h
}

// segment resolves an (offset, rawSize) reference against the payload bounds.
func (r *segmentReader) segment(off, size int) []byte {
	if r.err != nil {
		return nil
	}
	if off < r.fixedEnd || off > len(r.payload) {
		r.err = errors.Wrapf(ErrIncorrectSegmentReference,
			"offset %d, fixed region ends at %d, payload %d bytes",
			off, r.fixedEnd, len(r.payload))
		return nil
	}
	if size < 0 || off+size > len(r.payload) {
		r.err = errors.Wrapf(ErrIncorrectSegmentSize,
			"segment [%d, %d) outside payload of %d bytes", off, off+size, len(r.payload))
		return nil
	}
	return r.payload[off : off+size]
}

func (r *segmentReader) Segment() []byte {
	off := int(r.Uint32())
	size := int(r.Uint32())
	b := r.segment(off, size)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (r *segmentReader) HashList() [][]byte {
	off := int(r.Uint32())
	count := int(r.Uint32())
	if count > len(r.payload)/HashSize+1 {
		r.err = errors.Wrapf(ErrIncorrectSegmentSize, "hash list of %d entries", count)
		return nil
	}
	b := r.segment(off, count*HashSize)
	if b == nil {
		return nil
	}
	hs := make([][]byte, count)
	for i := 0; i < count; i++ {
		h := make([]byte, HashSize)
		copy(h, b[i*HashSize:])
		hs[i] = h
	}
	return hs
}

func (r *segmentReader) ByteSlices() [][]byte {
	off := int(r.Uint32())
	count := int(r.Uint32())
	if count > len(r.payload)/8+1 {
		r.err = errors.Wrapf(ErrIncorrectSegmentSize, "slice table of %d entries", count)
		return nil
	}
	table := r.segment(off, count*8)
	if table == nil {
		return nil
	}
	bs := make([][]byte, count)
	for i := 0; i < count; i++ {
		elemOff := int(binary.LittleEndian.Uint32(table[i*8:]))
		elemSize := int(binary.LittleEndian.Uint32(table[i*8+4:]))
		b := r.segment(elemOff, elemSize)
		if b == nil {
			return nil
		}
		out := make([]byte, len(b))
		copy(out, b)
		bs[i] = out
	}
	return bs
}
