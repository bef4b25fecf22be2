package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DeriveQueryKey maps a SQL text, optional parameters, and optional scope label
// to a deterministic cache key. The SQL text is trimmed and case-folded before
// hashing, so "SELECT 1" and " select 1 " share a key.
func DeriveQueryKey(sqlText string, params map[string]interface{}, scope string) string {
	key := "q:" + ContentHash(sqlText)
	if len(params) > 0 {
		key += ":p:" + ParamsHash(params)
	}
	if scope != "" {
		key += ":s:" + scope
	}
	return key
}

// DeriveConnectionKey maps a connection descriptor to a deterministic cache key.
// Credentials are stripped first, so identical host/database/user targets share
// a key regardless of secret values.
func DeriveConnectionKey(descriptor string) string {
	return "conn:" + ConnectionHash(descriptor)
}

// ContentHash hashes normalized SQL text. Used both in key derivation and as
// the entry's content_hash column for content-based invalidation.
func ContentHash(sqlText string) string {
	return hashString(strings.ToLower(strings.TrimSpace(sqlText)))
}

// ParamsHash hashes the canonical JSON serialization of the parameters.
// encoding/json writes map keys in sorted order, so logically equal parameter
// sets hash identically regardless of insertion order.
func ParamsHash(params map[string]interface{}) string {
	data, err := json.Marshal(params)
	if err != nil {
		return hashString(fmt.Sprintf("%v", params))
	}
	return hashString(string(data))
}

// ConnectionHash hashes a connection descriptor with credentials removed.
func ConnectionHash(descriptor string) string {
	return hashString(stripCredentials(descriptor))
}

// stripCredentials removes secret material from a connection descriptor.
// URL-style descriptors keep scheme, username, host, and path; the password
// and any query options are dropped. Keyword/value DSNs drop password pairs.
func stripCredentials(descriptor string) string {
	descriptor = strings.TrimSpace(descriptor)

	if u, err := url.Parse(descriptor); err == nil && u.Host != "" {
		user := ""
		if u.User != nil {
			user = u.User.Username() + "@"
		}
		return u.Scheme + "://" + user + u.Host + u.Path
	}

	var kept []string
	for _, field := range strings.Fields(descriptor) {
		if strings.HasPrefix(strings.ToLower(field), "password=") {
			continue
		}
		kept = append(kept, field)
	}
	return strings.Join(kept, " ")
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum)
}
