package events

import (
	"math/big"
	"strconv"
	"strings"

	"tidepool/crypto"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintToString(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func identity(addr [20]byte) string {
	return crypto.FormatIdentity(addr)
}

func module(addr [20]byte) string {
	return crypto.FormatModule(addr)
}
