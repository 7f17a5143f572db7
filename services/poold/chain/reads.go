package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendpool/crypto"
	"lendpool/native/lending"
	"lendpool/native/oracle"
)

// Methods served by the node for the pool's synchronous reads.
const (
	MethodReadSource = "oracle_readSource"
	MethodVaultRatio = "vault_ratio"
)

// ReadSourceParams is the request payload of MethodReadSource.
type ReadSourceParams struct {
	Address    string `json:"address"`
	ContractID uint64 `json:"contractId"`
}

// SourceState is the result payload of MethodReadSource. Cumulative prices
// are decimal strings of unsigned Q64.64 values.
type SourceState struct {
	Asset1ID    uint64 `json:"asset1Id"`
	Asset2ID    uint64 `json:"asset2Id"`
	Cumulative1 string `json:"cumulative1"`
	Cumulative2 string `json:"cumulative2"`
	Timestamp   uint64 `json:"timestamp"`
}

// VaultRatioParams is the request payload of MethodVaultRatio.
type VaultRatioParams struct {
	AppID uint64 `json:"appId"`
}

// VaultRatioResult is the result payload of MethodVaultRatio.
type VaultRatioResult struct {
	Circulating uint64 `json:"circulating"`
	Total       uint64 `json:"total"`
}

var (
	_ oracle.Reader  = (*Client)(nil)
	_ lending.Vaults = (*Client)(nil)
)

// ReadSource fetches the current cumulative prices of a price source.
func (c *Client) ReadSource(ctx context.Context, address crypto.Address, contractID uint64) (oracle.Snapshot, error) {
	var state SourceState
	params := ReadSourceParams{Address: address.String(), ContractID: contractID}
	if err := c.Call(ctx, MethodReadSource, params, &state); err != nil {
		return oracle.Snapshot{}, err
	}
	cum1, err := parseCumulative(state.Cumulative1)
	if err != nil {
		return oracle.Snapshot{}, fmt.Errorf("source %s/%d cumulative1: %w", address, contractID, err)
	}
	cum2, err := parseCumulative(state.Cumulative2)
	if err != nil {
		return oracle.Snapshot{}, fmt.Errorf("source %s/%d cumulative2: %w", address, contractID, err)
	}
	return oracle.Snapshot{
		Asset1ID:    state.Asset1ID,
		Asset2ID:    state.Asset2ID,
		Cumulative1: cum1,
		Cumulative2: cum2,
		Timestamp:   state.Timestamp,
	}, nil
}

// VaultRatio fetches the circulating receipt supply and underlying total of a
// vault application.
func (c *Client) VaultRatio(ctx context.Context, appID uint64) (uint64, uint64, error) {
	var out VaultRatioResult
	if err := c.Call(ctx, MethodVaultRatio, VaultRatioParams{AppID: appID}, &out); err != nil {
		return 0, 0, err
	}
	return out.Circulating, out.Total, nil
}

func parseCumulative(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return uint256.FromHex(raw)
	}
	return uint256.FromDecimal(raw)
}
