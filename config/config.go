package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"lendpool/core"
	"lendpool/crypto"
	"lendpool/native/lending"
)

const (
	// DefaultMaxOracleAge bounds the age of a source snapshot when the file
	// leaves MaxOracleAgeSeconds unset.
	DefaultMaxOracleAge = 10 * time.Minute

	envAdminAccount = "POOL_ADMIN_ACCOUNT"
	envBorrowGate   = "POOL_BORROW_GATE"
	envMaxOracleAge = "POOL_MAX_ORACLE_AGE_SECONDS"
)

// PoolFile is the TOML document describing a pool's genesis.
type PoolFile struct {
	MaxOracleAgeSeconds uint64             `toml:"MaxOracleAgeSeconds"`
	Pool                lending.Config     `toml:"pool"`
	Allocations         []AllocationConfig `toml:"allocation"`
}

// AllocationConfig funds an account when the pool is first initialised.
type AllocationConfig struct {
	AssetID uint64 `toml:"AssetID"`
	Holder  string `toml:"Holder"`
	Amount  uint64 `toml:"Amount"`
}

// LoadPool reads the pool file at path and applies POOL_* overrides.
func LoadPool(path string) (*PoolFile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("pool config path required")
	}
	file := new(PoolFile)
	meta, err := toml.DecodeFile(path, file)
	if err != nil {
		return nil, fmt.Errorf("decode pool config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pool config: unknown key %s", undecoded[0])
	}
	if err := file.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return file, nil
}

func (f *PoolFile) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(envAdminAccount); ok && strings.TrimSpace(v) != "" {
		f.Pool.AdminAccount = strings.TrimSpace(v)
	}
	if v, ok := lookup(envBorrowGate); ok && strings.TrimSpace(v) != "" {
		enabled, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", envBorrowGate, err)
		}
		f.Pool.BorrowGateEnabled = enabled
	}
	if v, ok := lookup(envMaxOracleAge); ok && strings.TrimSpace(v) != "" {
		secs, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxOracleAge, err)
		}
		f.MaxOracleAgeSeconds = secs
	}
	return nil
}

// MaxOracleAge returns the configured staleness bound.
func (f *PoolFile) MaxOracleAge() time.Duration {
	if f == nil || f.MaxOracleAgeSeconds == 0 {
		return DefaultMaxOracleAge
	}
	return time.Duration(f.MaxOracleAgeSeconds) * time.Second
}

// Genesis validates the file and returns the initial pool with its funding
// allocations.
func (f *PoolFile) Genesis() (*lending.Pool, []core.Allocation, error) {
	if f == nil {
		return nil, nil, errors.New("pool config missing")
	}
	pool, err := f.Pool.Genesis()
	if err != nil {
		return nil, nil, err
	}
	allocations := make([]core.Allocation, 0, len(f.Allocations))
	for i, entry := range f.Allocations {
		holder, err := crypto.DecodeAddress(strings.TrimSpace(entry.Holder))
		if err != nil {
			return nil, nil, fmt.Errorf("allocation %d holder: %w", i, err)
		}
		if entry.Amount == 0 {
			return nil, nil, fmt.Errorf("allocation %d: amount must be positive", i)
		}
		if entry.AssetID == pool.ShareAssetID {
			return nil, nil, fmt.Errorf("allocation %d: share asset is minted by the pool", i)
		}
		allocations = append(allocations, core.Allocation{
			AssetID: entry.AssetID,
			Holder:  holder,
			Amount:  entry.Amount,
		})
	}
	return pool, allocations, nil
}
