// internal/market/asset.go
package market

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidAsset is returned for identifiers that are not contract addresses.
var ErrInvalidAsset = errors.New("invalid asset address")

// NormalizeAsset validates a token contract address and returns it in EIP-55
// checksum form, so that one token always maps to one ledger key.
func NormalizeAsset(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAsset)
	}
	return addr.Hex(), nil
}
