// Package wire implements the length-prefixed packet framing described in
// spec §6: every packet on the channel is `u64 length | u32 opcode | body`,
// little-endian. It also carries the endian-aware helpers the event
// handler needs: scalar read/write (always little-endian) and tensor
// payload byte-swapping (only ever applied to element words, never to
// control fields).
//
// Modeled on a conventional length-prefixed protocol.Encode/Decode shape,
// adapted from a fixed magic-number header to a simpler u64-length/u32-opcode
// framing.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"rpcendpoint/rpctypes"
)

// HeaderSize is the number of bytes preceding the opcode-tagged body: the
// u64 packet length.
const HeaderSize = 8

// OpcodeSize is the width of the opcode field that begins every body.
const OpcodeSize = 4

// WriteLength writes the u64 packet length prefix to w.
func WriteLength(w io.Writer, n uint64) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	_, err := w.Write(buf[:])
	return err
}

// ReadLength reads the u64 packet length prefix from r.
func ReadLength(r io.Reader) (uint64, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteOpcode writes a 4-byte little-endian opcode to w.
func WriteOpcode(w io.Writer, code rpctypes.Code) error {
	var buf [OpcodeSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(code))
	_, err := w.Write(buf[:])
	return err
}

// ReadOpcode reads a 4-byte little-endian opcode from r, rejecting any
// value outside the known opcode set (spec §7, framing violation is
// fatal).
func ReadOpcode(r io.Reader) (rpctypes.Code, error) {
	var buf [OpcodeSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	code := rpctypes.Code(int32(binary.LittleEndian.Uint32(buf[:])))
	if !code.Known() {
		return 0, fmt.Errorf("wire: unknown opcode %d", code)
	}
	return code, nil
}

// ByteSwapElems reverses the byte order of every elemBytes-wide element in
// data, in place. Called only on tensor payloads and only on
// non-little-endian hosts. The server-side copy handlers call it only when
// the dtype's elements are a whole number of bytes wide (SPEC_FULL.md §11);
// the client's CopyAck handler calls it with the element width rounded up
// to whole bytes.
func ByteSwapElems(data []byte, elemBytes int) {
	if elemBytes <= 1 {
		return
	}
	for off := 0; off+elemBytes <= len(data); off += elemBytes {
		for i, j := off, off+elemBytes-1; i < j; i, j = i+1, j-1 {
			data[i], data[j] = data[j], data[i]
		}
	}
}

// HostIsLittleEndian reports whether the running host is little-endian.
// Used to decide whether ByteSwapElems must run on tensor payloads;
// scalar/control fields are always little-endian on the wire regardless
// (spec §6).
func HostIsLittleEndian() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

// WriteU64 writes a little-endian u64 to w. Used for the free-standing
// length/offset/nbytes fields that appear outside the packed-sequence
// codec (e.g. CopyFromRemote/CopyToRemote's trailing nbytes field).
func WriteU64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadU64 reads a little-endian u64 from r.
func ReadU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// CopyPacketOverhead returns the fixed per-packet byte cost of a
// CopyToRemote/CopyFromRemote frame around a payload of the given tensor
// shape: opcode + device + data handle + ndim + shape + dtype + byte_offset
// + the trailing nbytes field (SPEC_FULL.md §11), used by the client session
// adapter to size chunks against a negotiated max packet.
func CopyPacketOverhead(ndim int) uint64 {
	const (
		opcodeBytes     = 4
		deviceBytes     = 8 // Kind(4) + ID(4)
		dataHandleBytes = 8
		ndimBytes       = 4
		dtypeBytes      = 4
		byteOffsetBytes = 8
		nbytesField     = 8
	)
	shapeBytes := uint64(ndim) * 8
	return opcodeBytes + dataHandleBytes + deviceBytes + ndimBytes + dtypeBytes + byteOffsetBytes + shapeBytes + nbytesField
}
