// Package engine is the core of the encrypted relational storage engine.
// An Engine owns everything the pipeline touches: the schema registry, the
// per-table key contexts, the B-tree indexes, the shared scratch buffers,
// the row-id counter, and (once attached) the block store. Callers must
// hold exclusive access; there is no internal locking.
package engine

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sotomayorlucas/vaultos/internal/btree"
	"github.com/sotomayorlucas/vaultos/internal/disk"
	"github.com/sotomayorlucas/vaultos/internal/page"
	"github.com/sotomayorlucas/vaultos/internal/record"
	"github.com/sotomayorlucas/vaultos/internal/schema"
	"github.com/sotomayorlucas/vaultos/internal/vcrypto"
)

// MasterKeySize is the length of the host-supplied master key.
const MasterKeySize = 32

// Stable error codes surfaced at the query boundary.
type Code int32

const (
	OK           Code = 0
	CodeInval    Code = -1
	CodeNotFound Code = -2
	CodeSyntax   Code = -3
	CodeFull     Code = -4
	CodeIO       Code = -5
)

var (
	ErrInvalid  = errors.New("engine: invalid input")
	ErrNotFound = errors.New("engine: not found")
	ErrFull     = errors.New("engine: table limit reached")
	ErrIO       = errors.New("engine: disk I/O failed")
	ErrMAC      = errors.New("engine: MAC verification failed")
)

// CodeFor maps an engine error to its stable numeric code.
func CodeFor(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrFull):
		return CodeFull
	case errors.Is(err, ErrIO):
		return CodeIO
	default:
		return CodeInval
	}
}

type table struct {
	schema *schema.Table
	tree   *btree.Tree[record.Encrypted]
	aes    *vcrypto.AES
	mac    *vcrypto.MAC
}

// Engine is the storage engine. Create with New, then either
// InitSystemTables (cold boot) or Restore (warm boot from an image).
type Engine struct {
	log   *slog.Logger
	rand  io.Reader
	clock func() uint64

	masterKey [MasterKeySize]byte
	tables    []*table
	nextRowID uint64

	// Shared single-operation scratch. Zeroed on every exit path.
	serdeBuf  []byte
	cryptoBuf []byte

	store   *disk.Store
	persist persistState
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger routes engine diagnostics (MAC verification failures, table
// registration, boot, flush and restore events) to the given logger. Page
// corruption and I/O errors are returned to the caller, not logged.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithRand replaces the IV/key randomness source. Tests use this to make
// on-disk images byte-reproducible.
func WithRand(r io.Reader) Option { return func(e *Engine) { e.rand = r } }

// WithClock replaces the tick source used for auto-filled created columns.
func WithClock(fn func() uint64) Option { return func(e *Engine) { e.clock = fn } }

// WithMasterKey sets the master key at construction.
func WithMasterKey(key [MasterKeySize]byte) Option {
	return func(e *Engine) { e.masterKey = key }
}

// New creates an empty engine. The master key is zero until set or
// generated.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:       slog.Default(),
		rand:      rand.Reader,
		clock:     func() uint64 { return uint64(time.Now().Unix()) },
		nextRowID: 1,
		serdeBuf:  make([]byte, schema.MaxRecordSize),
		cryptoBuf: make([]byte, schema.MaxRecordSize+vcrypto.BlockSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetMasterKey installs a master key and re-derives every table key.
func (e *Engine) SetMasterKey(key [MasterKeySize]byte) {
	e.masterKey = key
	e.rederiveKeys()
}

// GenerateMasterKey draws a fresh master key from the engine's randomness
// source and re-derives table keys.
func (e *Engine) GenerateMasterKey() error {
	if _, err := io.ReadFull(e.rand, e.masterKey[:]); err != nil {
		return err
	}
	e.rederiveKeys()
	return nil
}

// MasterKey returns a copy of the current master key.
func (e *Engine) MasterKey() [MasterKeySize]byte { return e.masterKey }

// Close zeroes key material and drops all tables.
func (e *Engine) Close() {
	vcrypto.Zero(e.masterKey[:])
	for _, t := range e.tables {
		t.tree.Destroy()
	}
	e.tables = nil
}

// deriveKeys computes the per-table AES and MAC keys:
//
//	aes_key = HMAC-SHA256(K, "AES" || id_le32)[:16]
//	mac_key = HMAC-SHA256(K, "MAC" || id_le32)
//
// The domain strings are part of the wire format.
func (e *Engine) deriveKeys(t *table) {
	var domain [7]byte
	copy(domain[:3], "AES")
	binary.LittleEndian.PutUint32(domain[3:], t.schema.TableID)
	derived := vcrypto.HMACSHA256(e.masterKey[:], domain[:])
	aes, err := vcrypto.NewAES(derived[:vcrypto.KeySize])
	if err != nil {
		// Key length is fixed; this cannot fail on valid input.
		panic(err)
	}
	t.aes = aes

	copy(domain[:3], "MAC")
	macKey := vcrypto.HMACSHA256(e.masterKey[:], domain[:])
	t.mac = vcrypto.NewMAC(macKey[:])

	vcrypto.Zero(derived[:])
	vcrypto.Zero(macKey[:])
}

func (e *Engine) rederiveKeys() {
	for _, t := range e.tables {
		e.deriveKeys(t)
	}
}

// CreateTable registers a schema. The table id is assigned densely and
// always equals the slot index.
func (e *Engine) CreateTable(s schema.Table) error {
	if len(e.tables) >= schema.MaxTables {
		return ErrFull
	}
	if len(s.Name) >= schema.MaxTableName {
		return fmt.Errorf("%w: table name too long", ErrInvalid)
	}
	if len(s.Columns) > schema.MaxColumns {
		return fmt.Errorf("%w: too many columns", ErrInvalid)
	}
	id := uint32(len(e.tables))
	s.TableID = id
	cp := s
	cp.Columns = append([]schema.Column(nil), s.Columns...)
	t := &table{
		schema: &cp,
		tree:   btree.New[record.Encrypted](id),
	}
	e.deriveKeys(t)
	e.tables = append(e.tables, t)
	e.log.Debug("table created", "table", s.Name, "id", id, "encrypted", s.Encrypted)
	return nil
}

// RegisterSystemTables registers the six well-known schemas without
// seeding data (warm boot).
func (e *Engine) RegisterSystemTables() error {
	for _, s := range schema.SystemTables() {
		if err := e.CreateTable(s); err != nil {
			return err
		}
	}
	return nil
}

// InitSystemTables performs the cold-boot sequence: register the system
// schemas, then seed the boot metadata rows.
func (e *Engine) InitSystemTables() error {
	if err := e.RegisterSystemTables(); err != nil {
		return err
	}
	return e.InsertBootMetadata()
}

// InsertBootMetadata seeds SystemTable with the three boot rows.
func (e *Engine) InsertBootMetadata() error {
	rows := [][2]string{
		{"os.name", "VaultOS"},
		{"os.version", "0.1.0"},
		{"os.philosophy", "Everything is a database and all data is confidential"},
	}
	for _, kv := range rows {
		rec := record.New(schema.TableIDSystem)
		rec.RowID = e.NextRowID()
		rec.FieldCount = 4
		rec.SetU64(0, rec.RowID)
		rec.SetStr(1, kv[0])
		rec.SetStr(2, kv[1])
		rec.SetU64(3, 0)
		if err := e.Insert(schema.TableIDSystem, rec); err != nil {
			return err
		}
	}
	e.log.Info("boot metadata inserted", "rows", len(rows))
	return nil
}

// SchemaByName looks a table up case-insensitively.
func (e *Engine) SchemaByName(name string) *schema.Table {
	for _, t := range e.tables {
		if strings.EqualFold(t.schema.Name, name) {
			return t.schema
		}
	}
	return nil
}

// SchemaByID returns the schema for a table id, or nil.
func (e *Engine) SchemaByID(id uint32) *schema.Table {
	if int(id) >= len(e.tables) {
		return nil
	}
	return e.tables[id].schema
}

// TableCount returns the number of registered tables.
func (e *Engine) TableCount() int { return len(e.tables) }

// Index returns a table's B-tree, or nil.
func (e *Engine) Index(id uint32) *btree.Tree[record.Encrypted] {
	if int(id) >= len(e.tables) {
		return nil
	}
	return e.tables[id].tree
}

// NextRowID returns the next process-wide row id. Ids start at 1 and are
// never reused within a boot.
func (e *Engine) NextRowID() uint64 {
	id := e.nextRowID
	e.nextRowID++
	return id
}

// GlobalRowID returns the counter's next value without consuming it.
func (e *Engine) GlobalRowID() uint64 { return e.nextRowID }

// SetGlobalRowID restores the counter (warm boot).
func (e *Engine) SetGlobalRowID(v uint64) { e.nextRowID = v }

// Insert runs the Encrypt-then-MAC pipeline on rec and stores the result
// in the table's index: serialize, pad, fresh IV, AES-CBC, HMAC over
// IV||ciphertext. Plaintext scratch is zeroed before return.
func (e *Engine) Insert(tableID uint32, rec *record.Record) error {
	if int(tableID) >= len(e.tables) {
		return ErrInvalid
	}
	t := e.tables[tableID]
	rec.TableID = tableID

	plainLen, err := record.Serialize(rec, e.serdeBuf)
	if err != nil {
		vcrypto.Zero(e.serdeBuf)
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer vcrypto.Zero(e.serdeBuf[:plainLen])

	paddedLen := vcrypto.PaddedSize(plainLen)
	if paddedLen > len(e.cryptoBuf) {
		return ErrInvalid
	}
	copy(e.cryptoBuf[:plainLen], e.serdeBuf[:plainLen])
	vcrypto.Pad(e.cryptoBuf, plainLen)
	defer vcrypto.Zero(e.cryptoBuf[:paddedLen])

	enc := &record.Encrypted{
		RowID:      rec.RowID,
		TableID:    tableID,
		Ciphertext: make([]byte, paddedLen),
	}
	if _, err := io.ReadFull(e.rand, enc.IV[:]); err != nil {
		return fmt.Errorf("%w: iv: %v", ErrInvalid, err)
	}
	if err := t.aes.CBCEncrypt(enc.IV[:], e.cryptoBuf[:paddedLen], enc.Ciphertext); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	t.mac.Sum(enc.MAC[:], enc.IV[:], enc.Ciphertext)

	t.tree.Insert(rec.RowID, enc)
	return nil
}

// Decrypt runs the verify-then-decrypt pipeline on an encrypted record.
// A MAC mismatch is treated as possibly hostile: it is logged and the row
// is withheld. Decryption scratch is zeroed before return.
func (e *Engine) Decrypt(enc *record.Encrypted) (*record.Record, error) {
	if enc == nil || int(enc.TableID) >= len(e.tables) {
		return nil, ErrInvalid
	}
	t := e.tables[enc.TableID]

	var computed [vcrypto.MACSize]byte
	t.mac.Sum(computed[:], enc.IV[:], enc.Ciphertext)
	ok := vcrypto.Verify(enc.MAC[:], computed[:])
	vcrypto.Zero(computed[:])
	if !ok {
		e.log.Warn("MAC verification failed", "table", t.schema.Name, "row_id", enc.RowID)
		return nil, ErrMAC
	}

	ctLen := len(enc.Ciphertext)
	if ctLen > len(e.cryptoBuf) {
		return nil, ErrInvalid
	}
	defer vcrypto.Zero(e.cryptoBuf[:ctLen])
	if err := t.aes.CBCDecrypt(enc.IV[:], enc.Ciphertext, e.cryptoBuf[:ctLen]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	plainLen, err := vcrypto.Unpad(e.cryptoBuf[:ctLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	rec, _, err := record.Deserialize(e.cryptoBuf[:plainLen])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return rec, nil
}

// Get fetches and decrypts a single row by id.
func (e *Engine) Get(tableID uint32, rowID uint64) (*record.Record, error) {
	if int(tableID) >= len(e.tables) {
		return nil, ErrInvalid
	}
	enc := e.tables[tableID].tree.Search(rowID)
	if enc == nil {
		return nil, ErrNotFound
	}
	return e.Decrypt(enc)
}

// Delete removes a row from the index and releases its on-disk chain.
func (e *Engine) Delete(tableID uint32, rowID uint64) error {
	if int(tableID) >= len(e.tables) {
		return ErrInvalid
	}
	t := e.tables[tableID]
	enc := t.tree.Search(rowID)
	if enc == nil {
		return ErrNotFound
	}
	t.tree.Delete(rowID)
	if enc.Block != 0 && e.store != nil {
		page.FreeChain(e.store, enc.Block)
	}
	vcrypto.Zero(enc.Ciphertext)
	vcrypto.Zero(enc.MAC[:])
	return nil
}

// Update re-encrypts a modified row under a fresh IV at the same row id.
// It is delete + insert; a crash between the two leaves the row missing.
// Callers that need atomic update must tolerate that.
func (e *Engine) Update(tableID uint32, rowID uint64, modified *record.Record) error {
	if int(tableID) >= len(e.tables) {
		return ErrInvalid
	}
	if err := e.Delete(tableID, rowID); err != nil {
		return err
	}
	modified.RowID = rowID
	modified.TableID = tableID
	return e.Insert(tableID, modified)
}

// ScanDecrypt walks a table in ascending row-id order, decrypting each
// live record. Rows that fail verification are skipped (already logged by
// Decrypt). fn must not mutate the table.
func (e *Engine) ScanDecrypt(tableID uint32, fn func(rowID uint64, rec *record.Record)) error {
	if int(tableID) >= len(e.tables) {
		return ErrInvalid
	}
	e.tables[tableID].tree.Scan(func(key uint64, enc *record.Encrypted) {
		rec, err := e.Decrypt(enc)
		if err != nil {
			return
		}
		fn(key, rec)
	})
	return nil
}

// Clock returns the engine's tick source value.
func (e *Engine) Clock() uint64 { return e.clock() }
