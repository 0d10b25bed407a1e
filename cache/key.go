// Package cache implements the content-addressed multi-tier response
// cache: a hot in-process tier with selectable eviction policy and an
// optional shared warm tier behind an abstract key-value interface.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/makaronz/animatize/core"
)

// h16 returns the first 16 hex characters of the SHA-256 of s.
func h16(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON renders parameters deterministically: keys sorted,
// non-cacheable keys omitted. Identical parameter sets produce identical
// strings across processes.
func canonicalJSON(params map[string]interface{}, nonCacheable []string) string {
	skip := make(map[string]bool, len(nonCacheable))
	for _, k := range nonCacheable {
		skip[k] = true
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		kj, _ := json.Marshal(k)
		vj, err := json.Marshal(params[k])
		if err != nil {
			vj = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", params[k])))
		}
		b.Write(kj)
		b.WriteByte(':')
		b.Write(vj)
	}
	b.WriteByte('}')
	return b.String()
}

// Key derives the deterministic cache key for one request against one
// provider: {provider}:{model}:{H16(prompt)}:{H16(canonical_params)}.
// Requests differing only in non-cacheable fields share a key.
func Key(provider string, req *core.UnifiedRequest, nonCacheable []string) string {
	return fmt.Sprintf("%s:%s:%s:%s",
		provider,
		req.Model,
		h16(req.Prompt),
		h16(canonicalJSON(req.Parameters, nonCacheable)),
	)
}

// ThrottleKey is the negative-cache key recorded when a provider returns
// rate_limit_exceeded.
func ThrottleKey(provider string) string {
	return provider + ":throttled"
}

// ProviderPrefix is the invalidation prefix covering all of a provider's
// entries.
func ProviderPrefix(provider string) string {
	return provider + ":"
}
