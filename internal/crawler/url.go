package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

// trackingParams are share and campaign parameters that never change which
// post a link points at.
var trackingParams = []string{"igsh", "igshid", "img_index", "fbclid", "gclid"}

// NormalizeURL maps every spelling of a post link to one ledger identifier:
// lower-case scheme and host, no default port, no fragment, no tracking
// parameters, remaining query sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url: %q is not absolute", rawURL)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http":
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https":
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(key, "utm_") {
			q.Del(key)
		}
	}
	for _, key := range trackingParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
