package comick

import (
	"net/http"
	"strings"
)

// Challenge markers Cloudflare interstitial pages carry.
var challengeMarkers = []string{"Just a moment...", "_cf_chl_opt"}

// IsCloudflareChallenge reports whether a response is a Cloudflare
// challenge rather than an origin answer: marker text in the body or the
// cf-mitigated header.
func IsCloudflareChallenge(header http.Header, body []byte) bool {
	if header != nil && header.Get("cf-mitigated") != "" {
		return true
	}

	return BodyLooksBlocked(body)
}

// BodyLooksBlocked applies the marker heuristic alone, for payloads fetched
// through FlareSolverr where origin headers are unavailable.
func BodyLooksBlocked(body []byte) bool {
	text := string(body)

	for _, marker := range challengeMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}

	return false
}
