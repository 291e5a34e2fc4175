// Package auth issues and verifies the opaque bearer credentials that bind
// an executor identity to an exchange.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/storage"
)

// Token layout: ho1.{exchange}.{32 hex}. The exchange id is readable so the
// verifier knows which executor set to scan; the random component is what
// actually authenticates, and only its digest is ever stored.
var tokenRe = regexp.MustCompile(`^ho1\.([a-z0-9][a-z0-9_-]*)\.([0-9a-f]{32})$`)

// Issue mints a fresh opaque token for the exchange.
func Issue(exchangeID string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ho1.%s.%s", exchangeID, random)
}

// Digest returns the stable SHA-256 hex digest stored in place of the
// plaintext token.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(token)))
	return hex.EncodeToString(sum[:])
}

// ExecutorKey is the storage location of one executor record.
func ExecutorKey(exchangeID, executorID string) string {
	return fmt.Sprintf("exchanges/%s/executors/%s.json", exchangeID, executorID)
}

// ExecutorPrefix is the storage prefix of an exchange's executor set.
func ExecutorPrefix(exchangeID string) string {
	return fmt.Sprintf("exchanges/%s/executors/", exchangeID)
}

// Authenticate verifies a bearer token against the exchange's registered
// executors. Tokens failing the fixed layout are rejected without a store
// round trip. Digest comparison is constant-time. Returns the matched
// executor with its exchange id set, or nil when nothing matches.
func Authenticate(ctx context.Context, b storage.Backend, token string) (*domain.Executor, error) {
	m := tokenRe.FindStringSubmatch(strings.TrimSpace(token))
	if m == nil {
		return nil, nil
	}
	exchangeID := m[1]
	digest := []byte(Digest(token))

	keys, err := b.List(ctx, ExecutorPrefix(exchangeID))
	if err != nil {
		return nil, err
	}
	var matched *domain.Executor
	for _, key := range keys {
		data, found, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var ex domain.Executor
		if err := json.Unmarshal(data, &ex); err != nil {
			return nil, fmt.Errorf("decode executor %s: %w", key, err)
		}
		// Scan every candidate even after a hit so the work done does not
		// depend on which executor matched.
		if subtle.ConstantTimeCompare(digest, []byte(ex.TokenDigest)) == 1 && matched == nil {
			ex.ExchangeID = exchangeID
			matched = &ex
		}
	}
	return matched, nil
}
