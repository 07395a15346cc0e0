package names

import (
	"fmt"
	"strconv"
	"strings"
)

// VariationForChain turns a chain id written as decimal ("1"), hex ("0x1")
// or the fallback "*" into a variation. An empty chain id is the fallback.
func VariationForChain(chainID string) (string, error) {
	s := strings.TrimSpace(chainID)
	if s == "" || s == FallbackVariation {
		return FallbackVariation, nil
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	id, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return "", fmt.Errorf("%w: chain id %q", ErrInvalidEntry, chainID)
	}
	return "0x" + strconv.FormatUint(id, 16), nil
}
