package state

import (
	"encoding/binary"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"lendpool/crypto"
	"lendpool/native/lending"
	"lendpool/native/oracle"
)

// KV is the byte store a Manager reads and writes. Get returns nil for a
// missing key.
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
}

// Manager stores pool records, debt positions and asset balances as RLP under
// keccak-hashed keys.
type Manager struct {
	kv KV
}

// NewManager creates a state manager over kv.
func NewManager(kv KV) *Manager {
	return &Manager{kv: kv}
}

var (
	poolKey          = ethcrypto.Keccak256([]byte("pool:header"))
	sourcePrefix     = []byte("pool:source:")
	collateralPrefix = []byte("pool:collateral:")
	positionPrefix   = []byte("pool:position:")
	balancePrefix    = []byte("balance:")
	optInPrefix      = []byte("optin:")
)

func indexKey(prefix []byte, index uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], index)
	return ethcrypto.Keccak256(buf)
}

func holderKey(prefix []byte, assetID uint64, holder crypto.Address) []byte {
	buf := make([]byte, len(prefix)+8+1+crypto.AddressLength)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], assetID)
	buf[len(prefix)+8] = ':'
	copy(buf[len(prefix)+9:], holder[:])
	return ethcrypto.Keccak256(buf)
}

// poolRecord is the stored pool header. Sources and collateral live under
// their own dense index keys.
type poolRecord struct {
	Header          lending.Pool
	SourceCount     uint64
	CollateralCount uint64
}

func (m *Manager) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.kv.Put(key, encoded)
}

func (m *Manager) get(key []byte, out interface{}) (bool, error) {
	data, err := m.kv.Get(key)
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) header() (*poolRecord, error) {
	record := new(poolRecord)
	ok, err := m.get(poolKey, record)
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return record, nil
}

// Pool loads the stored pool, or nil when none has been written.
func (m *Manager) Pool() (*lending.Pool, error) {
	record, err := m.header()
	if err != nil || record == nil {
		return nil, err
	}
	pool := record.Header
	pool.Sources = make([]oracle.Source, 0, record.SourceCount)
	for i := uint64(0); i < record.SourceCount; i++ {
		var src oracle.Source
		ok, err := m.get(indexKey(sourcePrefix, i), &src)
		if err != nil {
			return nil, fmt.Errorf("load source %d: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("load source %d: missing record", i)
		}
		pool.Sources = append(pool.Sources, src)
	}
	pool.Collateral = make([]lending.AcceptedCollateral, 0, record.CollateralCount)
	for i := uint64(0); i < record.CollateralCount; i++ {
		var entry lending.AcceptedCollateral
		ok, err := m.get(indexKey(collateralPrefix, i), &entry)
		if err != nil {
			return nil, fmt.Errorf("load collateral %d: %w", i, err)
		}
		if !ok {
			return nil, fmt.Errorf("load collateral %d: missing record", i)
		}
		pool.Collateral = append(pool.Collateral, entry)
	}
	return &pool, nil
}

// PutPool stores the pool header and appends any new source or collateral
// records. The arenas are append-only: a pool with fewer entries than stored
// is rejected.
func (m *Manager) PutPool(pool *lending.Pool) error {
	if pool == nil {
		return fmt.Errorf("store pool: nil pool")
	}
	prev, err := m.header()
	if err != nil {
		return err
	}
	var sources, collateral uint64
	if prev != nil {
		sources, collateral = prev.SourceCount, prev.CollateralCount
	}
	if uint64(len(pool.Sources)) < sources || uint64(len(pool.Collateral)) < collateral {
		return fmt.Errorf("store pool: registries are append-only")
	}
	for i := sources; i < uint64(len(pool.Sources)); i++ {
		if err := m.put(indexKey(sourcePrefix, i), pool.Sources[i]); err != nil {
			return fmt.Errorf("store source %d: %w", i, err)
		}
	}
	for i := collateral; i < uint64(len(pool.Collateral)); i++ {
		if err := m.put(indexKey(collateralPrefix, i), pool.Collateral[i]); err != nil {
			return fmt.Errorf("store collateral %d: %w", i, err)
		}
	}
	record := poolRecord{
		Header:          *pool,
		SourceCount:     uint64(len(pool.Sources)),
		CollateralCount: uint64(len(pool.Collateral)),
	}
	record.Header.Sources = nil
	record.Header.Collateral = nil
	return m.put(poolKey, &record)
}

// Position implements lending.Positions.
func (m *Manager) Position(borrower crypto.Address, collateralAssetID uint64) (*lending.Position, error) {
	pos := new(lending.Position)
	ok, err := m.get(holderKey(positionPrefix, collateralAssetID, borrower), pos)
	if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return pos, nil
}

// PutPosition stores a debt position.
func (m *Manager) PutPosition(pos *lending.Position) error {
	if pos == nil {
		return fmt.Errorf("store position: nil position")
	}
	return m.put(holderKey(positionPrefix, pos.CollateralAssetID, pos.Borrower), pos)
}

var sequenceKey = ethcrypto.Keccak256([]byte("executor:sequence"))

// Sequence returns the number of committed operations.
func (m *Manager) Sequence() (uint64, error) {
	var seq uint64
	if _, err := m.get(sequenceKey, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// SetSequence records the number of committed operations.
func (m *Manager) SetSequence(seq uint64) error {
	return m.put(sequenceKey, seq)
}
