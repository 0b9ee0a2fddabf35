// Package fingerprint derives stable cache keys from requests and prompts.
package fingerprint

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Request returns the fingerprint for method + canonical URL.
func Request(method, rawURL string) string {
	return sum(strings.ToUpper(method) + " " + CanonicalURL(rawURL))
}

// Prompt returns the fingerprint of normalized prompt text.
func Prompt(text string) string {
	return sum("prompt:" + NormalizePrompt(text))
}

// NormalizePrompt case-folds, trims and collapses internal whitespace.
func NormalizePrompt(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// CanonicalURL lowercases scheme and host, drops the fragment and sorts
// query parameters. Unparseable input is returned unchanged.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
			}
		}
		u.RawQuery = strings.Join(parts, "&")
	}
	return u.String()
}

func sum(s string) string {
	h := blake3.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
