package model

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EntityKind is the type of monitored entity an event describes.
type EntityKind string

const (
	KindToken   EntityKind = "token"
	KindWallet  EntityKind = "wallet"
	KindPattern EntityKind = "pattern"
)

// Event is a point-in-time snapshot of a token, wallet or detected pattern.
type Event struct {
	Kind      EntityKind     `json:"kind"`
	Key       string         `json:"key"`
	Symbol    string         `json:"symbol,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Lookup resolves a field name against the event. Dotted paths walk nested
// objects, e.g. "holders.top10_pct".
func (e Event) Lookup(path string) (any, bool) {
	switch path {
	case "kind":
		return string(e.Kind), true
	case "key":
		return e.Key, true
	case "symbol":
		if e.Symbol == "" {
			return nil, false
		}
		return e.Symbol, true
	}

	var cur any = e.Fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// NormalizeKey returns the canonical form of an entity identity. EVM hex
// addresses are rewritten in EIP-55 checksum form; base58 Solana keys are
// case-sensitive and only trimmed.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if common.IsHexAddress(key) {
		return common.HexToAddress(key).Hex()
	}
	return key
}
