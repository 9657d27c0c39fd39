// Package page maps B-tree nodes and encrypted records onto fixed 4 KiB
// disk blocks. Node pages are single blocks with an additive checksum;
// record pages chain through a next-block pointer when the payload exceeds
// one block.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sotomayorlucas/vaultos/internal/btree"
	"github.com/sotomayorlucas/vaultos/internal/disk"
	"github.com/sotomayorlucas/vaultos/internal/record"
	"github.com/sotomayorlucas/vaultos/internal/vcrypto"
)

const (
	// NodeMagic is "NODE"; RecordMagic is "RECD". Both are part of the
	// on-disk format.
	NodeMagic   = 0x4E4F4445
	RecordMagic = 0x52454344

	// RecordPayload is the payload capacity of one record page.
	RecordPayload = disk.BlockSize - 16

	// recordHeader is the logical record header inside the chained
	// payload: row_id(8) + table_id(4) + ciphertext_len(4) + iv(16) +
	// mac(32).
	recordHeader = 64
)

var (
	ErrFull     = errors.New("page: device full")
	ErrBadMagic = errors.New("page: bad magic")
	ErrChecksum = errors.New("page: checksum mismatch")
	ErrCorrupt  = errors.New("page: corrupt payload")
)

// Node page layout, little-endian:
//
//	0..4     magic
//	4..8     num_keys
//	8..9     is_leaf
//	9..10    table_id (low byte)
//	10..12   reserved
//	12..16   checksum (additive u32 over the block, excluding 12..16)
//	16..520  keys[63]
//	520..1024 value_lbas[63]
//	1024..1536 child_lbas[64]
//	1536..4096 zero
const (
	offNumKeys   = 4
	offLeaf      = 8
	offTableID   = 9
	offChecksum  = 12
	offKeys      = 16
	offValueLBAs = 520
	offChildLBAs = 1024
)

func nodeChecksum(buf []byte) uint32 {
	var sum uint32
	for i, b := range buf {
		if i >= offChecksum && i < offChecksum+4 {
			continue
		}
		sum += uint32(b)
	}
	return sum
}

// WriteNode serializes a node into a freshly allocated block and returns
// the block number. The node's mirrored LBAs must already be current.
func WriteNode(s *disk.Store, n *btree.Node[record.Encrypted], tableID uint32) (uint64, error) {
	blk := s.AllocBlock()
	if blk == 0 {
		return 0, ErrFull
	}

	buf := make([]byte, disk.BlockSize)
	binary.LittleEndian.PutUint32(buf[0:4], NodeMagic)
	binary.LittleEndian.PutUint32(buf[offNumKeys:], n.NumKeys)
	if n.Leaf {
		buf[offLeaf] = 1
	}
	buf[offTableID] = byte(tableID)

	for i := 0; i < int(n.NumKeys); i++ {
		binary.LittleEndian.PutUint64(buf[offKeys+8*i:], n.Keys[i])
		binary.LittleEndian.PutUint64(buf[offValueLBAs+8*i:], n.ValueLBAs[i])
	}
	if !n.Leaf {
		for i := 0; i <= int(n.NumKeys); i++ {
			binary.LittleEndian.PutUint64(buf[offChildLBAs+8*i:], n.ChildLBAs[i])
		}
	}

	binary.LittleEndian.PutUint32(buf[offChecksum:], nodeChecksum(buf))

	if err := s.WriteBlock(blk, buf); err != nil {
		s.FreeBlock(blk)
		return 0, fmt.Errorf("page: write node: %w", err)
	}
	return blk, nil
}

// ReadNode loads a node page. A wrong magic or checksum is rejected
// outright; no recovery is attempted. The returned node is clean and
// carries only keys and LBA mirrors; children and values are left for the
// caller to hydrate.
func ReadNode(s *disk.Store, blk uint64) (*btree.Node[record.Encrypted], uint8, error) {
	buf := make([]byte, disk.BlockSize)
	if err := s.ReadBlock(blk, buf); err != nil {
		return nil, 0, fmt.Errorf("page: read node: %w", err)
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != NodeMagic {
		return nil, 0, ErrBadMagic
	}
	if binary.LittleEndian.Uint32(buf[offChecksum:]) != nodeChecksum(buf) {
		return nil, 0, ErrChecksum
	}

	n := &btree.Node[record.Encrypted]{
		NumKeys: binary.LittleEndian.Uint32(buf[offNumKeys:]),
		Leaf:    buf[offLeaf] != 0,
		DiskLBA: blk,
	}
	if n.NumKeys > btree.MaxKeys {
		return nil, 0, ErrCorrupt
	}
	for i := 0; i < int(n.NumKeys); i++ {
		n.Keys[i] = binary.LittleEndian.Uint64(buf[offKeys+8*i:])
		n.ValueLBAs[i] = binary.LittleEndian.Uint64(buf[offValueLBAs+8*i:])
	}
	if !n.Leaf {
		for i := 0; i <= int(n.NumKeys); i++ {
			n.ChildLBAs[i] = binary.LittleEndian.Uint64(buf[offChildLBAs+8*i:])
		}
	}
	return n, buf[offTableID], nil
}

// WriteChain writes an arbitrary payload across a chain of record pages
// and returns the first block. On any allocation or write failure every
// block already claimed for the chain is released; a partially written
// chain never leaks.
func WriteChain(s *disk.Store, payload []byte) (uint64, error) {
	pages := (len(payload) + RecordPayload - 1) / RecordPayload
	if pages == 0 {
		pages = 1
	}

	blocks := make([]uint64, 0, pages)
	freeAll := func() {
		for _, b := range blocks {
			s.FreeBlock(b)
		}
	}
	for i := 0; i < pages; i++ {
		blk := s.AllocBlock()
		if blk == 0 {
			freeAll()
			return 0, ErrFull
		}
		blocks = append(blocks, blk)
	}

	buf := make([]byte, disk.BlockSize)
	remaining := payload
	for i, blk := range blocks {
		for j := range buf {
			buf[j] = 0
		}
		chunk := len(remaining)
		if chunk > RecordPayload {
			chunk = RecordPayload
		}
		binary.LittleEndian.PutUint32(buf[0:4], RecordMagic)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(chunk))
		if i+1 < len(blocks) {
			binary.LittleEndian.PutUint64(buf[8:16], blocks[i+1])
		}
		copy(buf[16:], remaining[:chunk])
		remaining = remaining[chunk:]

		if err := s.WriteBlock(blk, buf); err != nil {
			freeAll()
			return 0, fmt.Errorf("page: write record chain: %w", err)
		}
	}
	return blocks[0], nil
}

// ReadChain reassembles a chained payload starting at blk.
func ReadChain(s *disk.Store, blk uint64) ([]byte, error) {
	var out []byte
	buf := make([]byte, disk.BlockSize)
	for cur := blk; cur != 0; {
		if err := s.ReadBlock(cur, buf); err != nil {
			return nil, fmt.Errorf("page: read record chain: %w", err)
		}
		if binary.LittleEndian.Uint32(buf[0:4]) != RecordMagic {
			return nil, ErrBadMagic
		}
		n := binary.LittleEndian.Uint32(buf[4:8])
		if n > RecordPayload {
			return nil, ErrCorrupt
		}
		out = append(out, buf[16:16+n]...)
		cur = binary.LittleEndian.Uint64(buf[8:16])
	}
	return out, nil
}

// FreeChain releases every block of a record chain.
func FreeChain(s *disk.Store, blk uint64) {
	buf := make([]byte, disk.BlockSize)
	for cur := blk; cur != 0; {
		next := uint64(0)
		if err := s.ReadBlock(cur, buf); err == nil &&
			binary.LittleEndian.Uint32(buf[0:4]) == RecordMagic {
			next = binary.LittleEndian.Uint64(buf[8:16])
		}
		s.FreeBlock(cur)
		cur = next
	}
}

// WriteRecord persists an encrypted record: the 64-byte logical header
// followed by the ciphertext, chained as needed. Returns the first block.
func WriteRecord(s *disk.Store, enc *record.Encrypted) (uint64, error) {
	payload := make([]byte, recordHeader+len(enc.Ciphertext))
	binary.LittleEndian.PutUint64(payload[0:8], enc.RowID)
	binary.LittleEndian.PutUint32(payload[8:12], enc.TableID)
	binary.LittleEndian.PutUint32(payload[12:16], uint32(len(enc.Ciphertext)))
	copy(payload[16:32], enc.IV[:])
	copy(payload[32:64], enc.MAC[:])
	copy(payload[64:], enc.Ciphertext)
	return WriteChain(s, payload)
}

// ReadRecord loads an encrypted record chain from disk.
func ReadRecord(s *disk.Store, blk uint64) (*record.Encrypted, error) {
	payload, err := ReadChain(s, blk)
	if err != nil {
		return nil, err
	}
	if len(payload) < recordHeader {
		return nil, ErrCorrupt
	}
	enc := &record.Encrypted{
		RowID:   binary.LittleEndian.Uint64(payload[0:8]),
		TableID: binary.LittleEndian.Uint32(payload[8:12]),
		Block:   blk,
	}
	ctLen := binary.LittleEndian.Uint32(payload[12:16])
	copy(enc.IV[:], payload[16:32])
	copy(enc.MAC[:], payload[32:64])
	if int(ctLen) > len(payload)-recordHeader || ctLen%vcrypto.BlockSize != 0 {
		return nil, ErrCorrupt
	}
	enc.Ciphertext = append([]byte(nil), payload[recordHeader:recordHeader+int(ctLen)]...)
	return enc, nil
}
