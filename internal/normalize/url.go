// Package normalize produces comparison-ready forms of URLs and text.
// Normalized URLs exist for equality checks only; https coercion does not
// imply the resource is retrievable over https.
package normalize

import (
	"net/url"
	"sort"
	"strings"
)

var trackingQueryKeys = map[string]struct{}{
	"gclid":    {},
	"fbclid":   {},
	"mc_cid":   {},
	"mc_eid":   {},
	"ref":      {},
	"ref_src":  {},
	"source":   {},
	"medium":   {},
	"campaign": {},
}

// URL canonicalizes rawURL for duplicate comparison. Malformed input
// returns the trimmed original and a nil error so one bad record cannot
// abort a batch; callers that care can compare against the input.
func URL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", nil
	}

	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return trimmed, nil
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == "http" {
		scheme = "https"
	}
	parsed.Scheme = scheme

	host := strings.ToLower(parsed.Hostname())
	host = strings.TrimPrefix(host, "www.")
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		host = host + ":" + port
	}
	parsed.Host = host

	parsed.Fragment = ""
	path := strings.TrimSpace(parsed.EscapedPath())
	if path == "" {
		path = "/"
	}
	path = strings.ReplaceAll(path, "//", "/")
	if strings.HasSuffix(path, "/") && path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	parsed.Path = path
	parsed.RawPath = ""

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	if len(q) > 0 {
		keys := make([]string, 0, len(q))
		for key := range q {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		reordered := url.Values{}
		for _, key := range keys {
			values := q[key]
			sort.Strings(values)
			for _, value := range values {
				reordered.Add(key, value)
			}
		}
		parsed.RawQuery = reordered.Encode()
	} else {
		parsed.RawQuery = ""
	}

	return parsed.String(), nil
}

// IsSameResource reports whether two URLs normalize to byte-equal strings.
func IsSameResource(a, b string) bool {
	na, _ := URL(a)
	nb, _ := URL(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb
}

// Host returns the normalized host of rawURL, or "" when it has none.
func Host(rawURL string) string {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return strings.TrimPrefix(host, "www.")
}
