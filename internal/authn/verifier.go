// Package authn implements the Credential Verifier (spec.md §4.3, C3):
// validating (identity, secret, requiredScope) tuples against hashed API
// keys in the Message Store Port, behind a short-TTL LRU result cache
// shared by all three protocol engines.
package authn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/mailcore/internal/ids"
	"github.com/infodancer/mailcore/internal/logging"
	"github.com/infodancer/mailcore/internal/store"
)

// Sentinel failure modes (spec.md §4.3). Every one of these is surfaced to
// the wire protocol as a single indistinguishable "auth failed" response.
// Verify records the reason in its cached verdict and does not return it.
// ErrKeyRevoked is not produced: revoked keys are skipped, so a secret that
// matches only a revoked key ends as ErrBadCredential.
var (
	ErrUnknownUser   = errors.New("authn: unknown user")
	ErrBadCredential = errors.New("authn: bad credential")
	ErrMissingScope  = errors.New("authn: missing scope")
	ErrKeyRevoked    = errors.New("authn: key revoked")
)

const (
	defaultCacheSize = 10000
	cacheTTL         = 30 * time.Second
)

type verdict struct {
	ok     bool
	userID ids.ID
	keyID  ids.ID
	err    error
}

// Verifier is the Credential Verifier. It is safe for concurrent use by
// every session across every protocol.
type Verifier struct {
	store store.Port
	cache *lru.LRU[string, verdict]
}

// New constructs a Verifier backed by port, with a bounded LRU/TTL cache
// (spec.md §4.3 constraints: ~10,000 entries, 30s TTL, shared process-wide).
func New(port store.Port) *Verifier {
	return &Verifier{
		store: port,
		cache: lru.NewLRU[string, verdict](defaultCacheSize, nil, cacheTTL),
	}
}

// Verify runs the Credential Verifier algorithm (spec.md §4.3 steps 1-5)
// and returns (true, userID) on success. Every failure collapses to
// (false, ids.Nil); the specific reason is not returned.
func (v *Verifier) Verify(ctx context.Context, identity, secret string, requiredScope store.Scope) (bool, ids.ID) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	key := cacheKey(identity, secret, requiredScope)

	if cached, ok := v.cache.Get(key); ok {
		if cached.ok {
			go v.touchLastUsed(cached.keyID)
		}
		return cached.ok, cached.userID
	}

	user, err := v.store.FindUserByAddress(ctx, identity, true)
	if err != nil || user == nil {
		v.cache.Add(key, verdict{ok: false, err: ErrUnknownUser})
		return false, ids.Nil
	}

	for _, k := range user.APIKeys {
		if k.Revoked() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(secret)) != nil {
			continue
		}
		if !k.HasScope(requiredScope) {
			v.cache.Add(key, verdict{ok: false, err: ErrMissingScope})
			return false, ids.Nil
		}
		v.cache.Add(key, verdict{ok: true, userID: user.ID, keyID: k.ID})
		go v.touchLastUsed(k.ID)
		return true, user.ID
	}

	v.cache.Add(key, verdict{ok: false, err: ErrBadCredential})
	return false, ids.Nil
}

func (v *Verifier) touchLastUsed(keyID ids.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := v.store.TouchAPIKeyLastUsed(ctx, keyID); err != nil {
		logging.FromContext(ctx).Debug("touch api key last used failed", "error", err)
	}
}

func cacheKey(identity, secret string, scope store.Scope) string {
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write([]byte(secret))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	return hex.EncodeToString(h.Sum(nil))
}
