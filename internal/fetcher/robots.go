package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsPolicy is the per-host crawl policy fetched once at session start.
type robotsPolicy struct {
	group *robotstxt.Group
}

// fetchRobots retrieves and parses robots.txt for a host. A missing or
// unreachable robots.txt yields a permissive policy.
func fetchRobots(ctx context.Context, client *http.Client, scheme, host, userAgent string) *robotsPolicy {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	u := fmt.Sprintf("%s://%s/robots.txt", scheme, host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &robotsPolicy{}
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return &robotsPolicy{}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return &robotsPolicy{}
	}

	robots, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return &robotsPolicy{}
	}

	return &robotsPolicy{group: robots.FindGroup(userAgent)}
}

// crawlDelay returns the delay advertised by the host policy, zero if none.
func (p *robotsPolicy) crawlDelay() time.Duration {
	if p.group == nil {
		return 0
	}
	return p.group.CrawlDelay
}

// allowed reports whether the path may be fetched under the host policy.
func (p *robotsPolicy) allowed(path string) bool {
	if p.group == nil {
		return true
	}
	return p.group.Test(path)
}
