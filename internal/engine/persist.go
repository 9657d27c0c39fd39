package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/sotomayorlucas/vaultos/internal/btree"
	"github.com/sotomayorlucas/vaultos/internal/disk"
	"github.com/sotomayorlucas/vaultos/internal/page"
	"github.com/sotomayorlucas/vaultos/internal/record"
	"github.com/sotomayorlucas/vaultos/internal/schema"
)

// Superblock layout, block 0, little-endian:
//
//	0..4    magic "VOSB"
//	4..8    version = 1
//	8..16   block_count
//	16..24  bitmap_block
//	24..28  bitmap_blocks
//	28..36  meta_block (0 = none)
//	36..44  global_row_id
//	44..48  table_count
//	48..52  checksum (additive u32, excluding 48..52)
const superVersion = 1

var superMagic = [4]byte{'V', 'O', 'S', 'B'}

const (
	sbOffVersion     = 4
	sbOffBlockCount  = 8
	sbOffBitmapBlock = 16
	sbOffBitmapLen   = 24
	sbOffMetaBlock   = 28
	sbOffGlobalRowID = 36
	sbOffTableCount  = 44
	sbOffChecksum    = 48
)

type superblock struct {
	blockCount   uint64
	bitmapBlock  uint64
	bitmapBlocks uint32
	metaBlock    uint64
	globalRowID  uint64
	tableCount   uint32
}

func superChecksum(buf []byte) uint32 {
	var sum uint32
	for i, b := range buf {
		if i >= sbOffChecksum && i < sbOffChecksum+4 {
			continue
		}
		sum += uint32(b)
	}
	return sum
}

func (sb *superblock) encode() []byte {
	buf := make([]byte, disk.BlockSize)
	copy(buf[0:4], superMagic[:])
	binary.LittleEndian.PutUint32(buf[sbOffVersion:], superVersion)
	binary.LittleEndian.PutUint64(buf[sbOffBlockCount:], sb.blockCount)
	binary.LittleEndian.PutUint64(buf[sbOffBitmapBlock:], sb.bitmapBlock)
	binary.LittleEndian.PutUint32(buf[sbOffBitmapLen:], sb.bitmapBlocks)
	binary.LittleEndian.PutUint64(buf[sbOffMetaBlock:], sb.metaBlock)
	binary.LittleEndian.PutUint64(buf[sbOffGlobalRowID:], sb.globalRowID)
	binary.LittleEndian.PutUint32(buf[sbOffTableCount:], sb.tableCount)
	binary.LittleEndian.PutUint32(buf[sbOffChecksum:], superChecksum(buf))
	return buf
}

func decodeSuperblock(buf []byte) (*superblock, error) {
	if [4]byte(buf[0:4]) != superMagic {
		return nil, fmt.Errorf("%w: bad superblock magic", ErrInvalid)
	}
	if binary.LittleEndian.Uint32(buf[sbOffVersion:]) != superVersion {
		return nil, fmt.Errorf("%w: unsupported superblock version", ErrInvalid)
	}
	if binary.LittleEndian.Uint32(buf[sbOffChecksum:]) != superChecksum(buf) {
		return nil, fmt.Errorf("%w: superblock checksum mismatch", ErrInvalid)
	}
	return &superblock{
		blockCount:   binary.LittleEndian.Uint64(buf[sbOffBlockCount:]),
		bitmapBlock:  binary.LittleEndian.Uint64(buf[sbOffBitmapBlock:]),
		bitmapBlocks: binary.LittleEndian.Uint32(buf[sbOffBitmapLen:]),
		metaBlock:    binary.LittleEndian.Uint64(buf[sbOffMetaBlock:]),
		globalRowID:  binary.LittleEndian.Uint64(buf[sbOffGlobalRowID:]),
		tableCount:   binary.LittleEndian.Uint32(buf[sbOffTableCount:]),
	}, nil
}

// Table metadata is a CBOR document in a chain of record-style pages; the
// superblock records its first block. The §4.5 page formats are fixed
// bit-layouts, but the metadata document layout is this engine's own.
type metaColumn struct {
	Name       string `cbor:"name"`
	Type       uint8  `cbor:"type"`
	PrimaryKey bool   `cbor:"pk"`
	NotNull    bool   `cbor:"nn"`
}

type metaTable struct {
	ID        uint32       `cbor:"id"`
	Name      string       `cbor:"name"`
	Encrypted bool         `cbor:"enc"`
	System    bool         `cbor:"sys"`
	Columns   []metaColumn `cbor:"cols"`
	Root      uint64       `cbor:"root"`
	Count     uint64       `cbor:"count"`
}

// Store returns the attached block store, or nil when memory-only.
func (e *Engine) Store() *disk.Store { return e.store }

// persistState carries the bits of the last commit the next one needs.
type persistState struct {
	// metaBlock is the head of the current on-disk metadata chain, freed
	// and rewritten on every flush.
	metaBlock uint64
}

// Format attaches a fresh device: lays down the free bitmap and an empty
// superblock. Block 0 and the bitmap blocks are reserved.
func (e *Engine) Format(dev disk.Device) error {
	blocks := dev.BlockCount()
	alloc := disk.NewAllocator(blocks)
	bb := disk.BitmapBlocks(blocks)
	for i := uint64(0); i < bb; i++ {
		alloc.Mark(1 + i)
	}
	e.store = &disk.Store{Dev: dev, Alloc: alloc}
	e.persist = persistState{}
	return e.commit()
}

// Flush persists all state in crash-safe order: record pages first, then
// dirty node pages children-before-parents, then table metadata, then the
// free bitmap, and the superblock last. A failure leaves earlier dirty
// bits set so a later flush retries.
func (e *Engine) Flush() error {
	if e.store == nil {
		return fmt.Errorf("%w: no device attached", ErrInvalid)
	}
	return e.commit()
}

func (e *Engine) commit() error {
	var deferred []uint64

	for _, t := range e.tables {
		if err := e.flushRecords(t.tree.Root); err != nil {
			return err
		}
	}
	for _, t := range e.tables {
		if _, _, err := e.flushNode(t.tree.Root, t.schema.TableID, &deferred); err != nil {
			return err
		}
	}

	metas := make([]metaTable, len(e.tables))
	for i, t := range e.tables {
		mt := metaTable{
			ID:        t.schema.TableID,
			Name:      t.schema.Name,
			Encrypted: t.schema.Encrypted,
			System:    t.schema.SystemTable,
			Root:      t.tree.Root.DiskLBA,
			Count:     t.tree.Count,
		}
		for _, c := range t.schema.Columns {
			mt.Columns = append(mt.Columns, metaColumn{
				Name: c.Name, Type: uint8(c.Type),
				PrimaryKey: c.PrimaryKey, NotNull: c.NotNull,
			})
		}
		metas[i] = mt
	}

	var metaBlk uint64
	if len(metas) > 0 {
		doc, err := cbor.Marshal(metas)
		if err != nil {
			return fmt.Errorf("%w: encode metadata: %v", ErrInvalid, err)
		}
		metaBlk, err = page.WriteChain(e.store, doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	// The previous metadata chain is released only once its replacement
	// is on disk; an old superblock keeps pointing at intact pages.
	if e.persist.metaBlock != 0 {
		page.FreeChain(e.store, e.persist.metaBlock)
	}
	e.persist.metaBlock = metaBlk

	// Superseded node blocks are released only after every page of this
	// commit has been written.
	for _, blk := range deferred {
		e.store.FreeBlock(blk)
	}

	blocks := e.store.Dev.BlockCount()
	bb := disk.BitmapBlocks(blocks)
	bits := e.store.Alloc.Bytes()
	for i := uint64(0); i < bb; i++ {
		if err := e.store.WriteBlock(1+i, bits[i*disk.BlockSize:(i+1)*disk.BlockSize]); err != nil {
			return fmt.Errorf("%w: write bitmap: %v", ErrIO, err)
		}
	}

	sb := &superblock{
		blockCount:   blocks,
		bitmapBlock:  1,
		bitmapBlocks: uint32(bb),
		metaBlock:    metaBlk,
		globalRowID:  e.nextRowID,
		tableCount:   uint32(len(e.tables)),
	}
	if err := e.store.WriteBlock(0, sb.encode()); err != nil {
		return fmt.Errorf("%w: write superblock: %v", ErrIO, err)
	}
	e.log.Debug("flush committed", "tables", len(e.tables), "global_row_id", e.nextRowID)
	return nil
}

// flushRecords writes every in-memory record that has no on-disk chain yet
// and refreshes the node's value-LBA mirrors.
func (e *Engine) flushRecords(n *btree.Node[record.Encrypted]) error {
	if n == nil {
		return nil
	}
	for i := 0; i < int(n.NumKeys); i++ {
		v := n.Values[i]
		if v != nil && v.Block == 0 {
			blk, err := page.WriteRecord(e.store, v)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrIO, err)
			}
			v.Block = blk
		}
		var want uint64
		if v != nil {
			want = v.Block
		}
		if n.ValueLBAs[i] != want {
			n.ValueLBAs[i] = want
			n.Dirty = true
		}
	}
	if !n.Leaf {
		for i := 0; i <= int(n.NumKeys); i++ {
			if err := e.flushRecords(n.Children[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// flushNode writes dirty nodes bottom-up. A rewritten child changes the
// parent's mirror, which dirties the parent in turn. Old node blocks are
// appended to deferred for release after the commit's writes.
func (e *Engine) flushNode(n *btree.Node[record.Encrypted], tableID uint32, deferred *[]uint64) (uint64, bool, error) {
	if n == nil {
		return 0, false, nil
	}
	if !n.Leaf {
		for i := 0; i <= int(n.NumKeys); i++ {
			child := n.Children[i]
			if child == nil {
				continue
			}
			blk, changed, err := e.flushNode(child, tableID, deferred)
			if err != nil {
				return 0, false, err
			}
			if changed || n.ChildLBAs[i] != blk {
				n.ChildLBAs[i] = blk
				n.Dirty = true
			}
		}
	}
	if !n.Dirty {
		return n.DiskLBA, false, nil
	}
	old := n.DiskLBA
	blk, err := page.WriteNode(e.store, n, tableID)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	n.DiskLBA = blk
	n.Dirty = false
	if old != 0 {
		*deferred = append(*deferred, old)
	}
	return blk, true, nil
}

// Restore warm-boots from an existing device: superblock, bitmap, table
// metadata, then each B-tree eagerly from its root block. Keys are
// re-derived from the current master key; no boot metadata is re-inserted.
func (e *Engine) Restore(dev disk.Device) error {
	buf := make([]byte, disk.BlockSize)
	if err := dev.ReadBlock(0, buf); err != nil {
		return fmt.Errorf("%w: read superblock: %v", ErrIO, err)
	}
	sb, err := decodeSuperblock(buf)
	if err != nil {
		return err
	}
	if sb.blockCount != dev.BlockCount() {
		return fmt.Errorf("%w: superblock block count %d != device %d",
			ErrInvalid, sb.blockCount, dev.BlockCount())
	}

	bits := make([]byte, uint64(sb.bitmapBlocks)*disk.BlockSize)
	for i := uint64(0); i < uint64(sb.bitmapBlocks); i++ {
		if err := dev.ReadBlock(sb.bitmapBlock+i, bits[i*disk.BlockSize:(i+1)*disk.BlockSize]); err != nil {
			return fmt.Errorf("%w: read bitmap: %v", ErrIO, err)
		}
	}
	e.store = &disk.Store{Dev: dev, Alloc: disk.LoadAllocator(sb.blockCount, bits)}
	e.persist = persistState{metaBlock: sb.metaBlock}

	e.tables = nil
	if sb.metaBlock != 0 {
		doc, err := page.ReadChain(e.store, sb.metaBlock)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		var metas []metaTable
		if err := cbor.Unmarshal(doc, &metas); err != nil {
			return fmt.Errorf("%w: decode metadata: %v", ErrInvalid, err)
		}
		for i, mt := range metas {
			if mt.ID != uint32(i) {
				return fmt.Errorf("%w: non-dense table id %d at slot %d", ErrInvalid, mt.ID, i)
			}
			s := &schema.Table{
				TableID:     mt.ID,
				Name:        mt.Name,
				Encrypted:   mt.Encrypted,
				SystemTable: mt.System,
			}
			for _, c := range mt.Columns {
				s.Columns = append(s.Columns, schema.Column{
					Name: c.Name, Type: schema.ColumnType(c.Type),
					PrimaryKey: c.PrimaryKey, NotNull: c.NotNull,
				})
			}
			tree := btree.New[record.Encrypted](mt.ID)
			if mt.Root != 0 {
				root, err := e.loadNode(mt.Root)
				if err != nil {
					return err
				}
				tree.Root = root
			}
			tree.Count = mt.Count
			t := &table{schema: s, tree: tree}
			e.deriveKeys(t)
			e.tables = append(e.tables, t)
		}
	}

	e.nextRowID = sb.globalRowID
	e.log.Info("restored from image", "tables", len(e.tables), "global_row_id", e.nextRowID)
	return nil
}

func (e *Engine) loadNode(blk uint64) (*btree.Node[record.Encrypted], error) {
	n, _, err := page.ReadNode(e.store, blk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	for i := 0; i < int(n.NumKeys); i++ {
		if n.ValueLBAs[i] == 0 {
			continue
		}
		enc, err := page.ReadRecord(e.store, n.ValueLBAs[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		n.Values[i] = enc
	}
	if !n.Leaf {
		for i := 0; i <= int(n.NumKeys); i++ {
			if n.ChildLBAs[i] == 0 {
				continue
			}
			child, err := e.loadNode(n.ChildLBAs[i])
			if err != nil {
				return nil, err
			}
			n.Children[i] = child
		}
	}
	return n, nil
}
