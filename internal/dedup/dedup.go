// Package dedup suppresses re-firing of the same logical alert within a
// window. The first occurrence of a key wins; later checks inside the window
// never extend its expiry.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// Store decides whether an alert key was already seen within a window.
type Store interface {
	// ShouldSuppress atomically gets-or-creates the entry for key. It returns
	// false (proceed) when it created a fresh entry expiring at now+window and
	// true (suppress) when a live entry already exists.
	ShouldSuppress(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Sweeper is implemented by stores that need explicit expiry cleanup.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Key derives the dedup key for a rule match: rule id, normalised event
// identity and a hash of the stable match context (matched leaf descriptions).
func Key(ruleID string, ev model.Event, match model.MatchResult) string {
	reasons := append([]string(nil), match.Reasons...)
	sort.Strings(reasons)
	sum := sha256.Sum256([]byte(strings.Join(reasons, "\x1f")))
	return "rule:" + ruleID + ":" + model.NormalizeKey(ev.Key) + ":" + hex.EncodeToString(sum[:8])
}
