package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendpool/crypto"
	"lendpool/native/lending"
)

var (
	testPoolAddr  = crypto.DeriveAddress("pool")
	testAdminAddr = crypto.DeriveAddress("admin")
	testAlice     = crypto.DeriveAddress("alice")
)

func writePoolFile(t *testing.T, extra string) string {
	t.Helper()
	contents := fmt.Sprintf(`MaxOracleAgeSeconds = 120

[pool]
Address = %q
AdminAccount = %q
BaseAssetID = 1
ShareAssetID = 2
LTVBps = 2500
LiqThresholdBps = 8000
LiqBonusBps = 500
OriginationFeeBps = 1000
ProtocolShareBps = 1000
BorrowGateEnabled = true

[pool.rate]
Model = "kinked"
BaseBps = 200
UtilCapBps = 9500
KinkNormBps = 8000
Slope1Bps = 400
Slope2Bps = 6000
MaxAprBps = 10000
EMAAlphaBps = 10000

[[pool.collateral]]
AssetID = 10
UnderlyingAssetID = 10

[[pool.collateral]]
AssetID = 11
UnderlyingAssetID = 7
VaultAppID = 500

[[allocation]]
AssetID = 1
Holder = %q
Amount = 5000000
%s`, testPoolAddr.String(), testAdminAddr.String(), testAlice.String(), extra)
	path := filepath.Join(t.TempDir(), "pool.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadPoolBuildsGenesis(t *testing.T) {
	file, err := LoadPool(writePoolFile(t, ""))
	require.NoError(t, err)
	require.Equal(t, 2*time.Minute, file.MaxOracleAge())

	pool, allocations, err := file.Genesis()
	require.NoError(t, err)
	require.Equal(t, testPoolAddr, pool.Address)
	require.Equal(t, testAdminAddr, pool.AdminAccount)
	require.Equal(t, uint64(2500), pool.LTVBps)
	require.True(t, pool.BorrowGateEnabled)
	require.Equal(t, lending.RateModelKinked, pool.Rate.Model)
	require.Equal(t, lending.IndexScale, pool.BorrowIndex)
	require.Len(t, pool.Collateral, 2)
	require.Equal(t, uint64(500), pool.Collateral[1].VaultAppID)

	require.Len(t, allocations, 1)
	require.Equal(t, testAlice, allocations[0].Holder)
	require.Equal(t, uint64(5_000_000), allocations[0].Amount)
}

func TestLoadPoolRejectsUnknownKeys(t *testing.T) {
	_, err := LoadPool(writePoolFile(t, "Surprise = 1\n"))
	require.ErrorContains(t, err, "unknown key")
}

func TestLoadPoolEnvOverrides(t *testing.T) {
	override := crypto.DeriveAddress("ops")
	t.Setenv(envAdminAccount, override.String())
	t.Setenv(envBorrowGate, "false")
	t.Setenv(envMaxOracleAge, "30")

	file, err := LoadPool(writePoolFile(t, ""))
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, file.MaxOracleAge())

	pool, _, err := file.Genesis()
	require.NoError(t, err)
	require.Equal(t, override, pool.AdminAccount)
	require.False(t, pool.BorrowGateEnabled)
}

func TestLoadPoolInvalidEnv(t *testing.T) {
	t.Setenv(envBorrowGate, "maybe")
	_, err := LoadPool(writePoolFile(t, ""))
	require.ErrorContains(t, err, envBorrowGate)
}

func TestGenesisRejectsShareAllocation(t *testing.T) {
	extra := fmt.Sprintf("\n[[allocation]]\nAssetID = 2\nHolder = %q\nAmount = 1\n", testAlice.String())
	file, err := LoadPool(writePoolFile(t, extra))
	require.NoError(t, err)
	_, _, err = file.Genesis()
	require.ErrorContains(t, err, "share asset")
}

func TestGenesisRejectsBadRisk(t *testing.T) {
	file, err := LoadPool(writePoolFile(t, ""))
	require.NoError(t, err)
	file.Pool.LTVBps = 9000
	_, _, err = file.Genesis()
	require.ErrorIs(t, err, lending.ErrInvalidParams)
}

func TestMaxOracleAgeDefault(t *testing.T) {
	var file *PoolFile
	require.Equal(t, DefaultMaxOracleAge, file.MaxOracleAge())
	require.Equal(t, DefaultMaxOracleAge, (&PoolFile{}).MaxOracleAge())
}
