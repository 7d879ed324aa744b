// package headers synthesizes realistic request headers per browser identity
// class: user-agent, matching client hints, and fetch-metadata headers.
package headers

import (
	"math/rand"
	"net/http"
	"sync"
)

// Family is the browser engine family of an identity class.
type Family string

const (
	FamilyChromium Family = "chromium"
	FamilyGecko    Family = "gecko"
	FamilyWebkit   Family = "webkit"
)

// Identity is one browser identity class. The client-hint tuple must match
// the user-agent string or the combination is trivially fingerprintable.
type Identity struct {
	UserAgent     string
	Family        Family
	Platform      string // sec-ch-ua-platform value
	SecChUA       string // sec-ch-ua value, chromium only
	SecChUAMobile string
}

// catalog holds the built-in identity classes. Versions are refreshed when
// real browser releases move on.
var catalog = []Identity{
	{
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Family:        FamilyChromium,
		Platform:      `"Windows"`,
		SecChUA:       `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecChUAMobile: "?0",
	},
	{
		UserAgent:     "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Family:        FamilyChromium,
		Platform:      `"macOS"`,
		SecChUA:       `"Not/A)Brand";v="8", "Chromium";v="126", "Google Chrome";v="126"`,
		SecChUAMobile: "?0",
	},
	{
		UserAgent:     "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Family:        FamilyChromium,
		Platform:      `"Linux"`,
		SecChUA:       `"Chromium";v="125", "Not.A/Brand";v="24"`,
		SecChUAMobile: "?0",
	},
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		Family:    FamilyGecko,
		Platform:  `"Windows"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:127.0) Gecko/20100101 Firefox/127.0",
		Family:    FamilyGecko,
		Platform:  `"macOS"`,
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
		Family:    FamilyWebkit,
		Platform:  `"macOS"`,
	},
}

var acceptLanguages = []string{
	"en-US,en;q=0.9",
	"en-GB,en;q=0.9",
	"en-US,en;q=0.8,de;q=0.5",
	"en-US,en;q=0.9,nl;q=0.7",
}

// Generator samples identity classes and assembles header sets. Under sticky
// mode a host keeps its chosen class for the lifetime of the crawl session.
type Generator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	sticky bool
	byHost map[string]*Identity
}

// NewGenerator creates a Generator. Pass sticky=true to pin one identity per
// host per session. seed is accepted for deterministic tests.
func NewGenerator(sticky bool, seed int64) *Generator {
	return &Generator{
		rng:    rand.New(rand.NewSource(seed)),
		sticky: sticky,
		byHost: make(map[string]*Identity),
	}
}

// Pick returns the identity class for a host, sampling a new one unless the
// host already has a sticky assignment.
func (g *Generator) Pick(host string) *Identity {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sticky {
		if id, ok := g.byHost[host]; ok {
			return id
		}
	}

	id := &catalog[g.rng.Intn(len(catalog))]
	if g.sticky {
		g.byHost[host] = id
	}
	return id
}

// Forget drops the sticky assignment for a host, forcing a fresh identity on
// the next request. Called after challenge detection.
func (g *Generator) Forget(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.byHost, host)
}

// Headers assembles the full header set for a host and navigation context.
func (g *Generator) Headers(host string) http.Header {
	id := g.Pick(host)

	g.mu.Lock()
	lang := acceptLanguages[g.rng.Intn(len(acceptLanguages))]
	g.mu.Unlock()

	h := http.Header{}
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", lang)
	// Only encodings the fetcher can actually decode. Setting the header
	// explicitly disables the transport's transparent gzip handling.
	h.Set("Accept-Encoding", "gzip, deflate")
	h.Set("Upgrade-Insecure-Requests", "1")

	if id.Family == FamilyChromium {
		h.Set("sec-ch-ua", id.SecChUA)
		h.Set("sec-ch-ua-mobile", id.SecChUAMobile)
		h.Set("sec-ch-ua-platform", id.Platform)
	}

	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")

	return h
}
