// package challenge detects human-verification interstitials in response
// bodies and hands them to a pluggable solver backend.
package challenge

import (
	"bytes"

	"github.com/desertthunder/setgraph/internal/metrics"
)

// Provider identifies the challenge vendor behind an interstitial.
type Provider string

const (
	ProviderCloudflare Provider = "cloudflare"
	ProviderDataDome   Provider = "datadome"
	ProviderPerimeterX Provider = "perimeterx"
	ProviderReCaptcha  Provider = "recaptcha"
	ProviderHCaptcha   Provider = "hcaptcha"
)

// Challenge describes a detected interstitial.
type Challenge struct {
	Provider  Provider
	Signature string
}

// signature catalog; byte patterns are matched case-sensitively against the
// body, which is how the vendors emit them.
var signatures = []struct {
	provider Provider
	pattern  []byte
}{
	{ProviderCloudflare, []byte("cf-browser-verification")},
	{ProviderCloudflare, []byte("Checking your browser before accessing")},
	{ProviderCloudflare, []byte("cf-challenge-running")},
	{ProviderCloudflare, []byte("/cdn-cgi/challenge-platform/")},
	{ProviderDataDome, []byte("geo.captcha-delivery.com")},
	{ProviderDataDome, []byte("ddjskey")},
	{ProviderPerimeterX, []byte("window._pxAppId")},
	{ProviderPerimeterX, []byte("px-captcha")},
	{ProviderReCaptcha, []byte("www.google.com/recaptcha/api.js")},
	{ProviderReCaptcha, []byte("g-recaptcha")},
	{ProviderHCaptcha, []byte("hcaptcha.com/1/api.js")},
	{ProviderHCaptcha, []byte("h-captcha")},
}

// Detector scans response bodies against the signature catalog.
type Detector struct {
	registry *metrics.Registry
}

// NewDetector creates a Detector. registry may be nil in tests.
func NewDetector(registry *metrics.Registry) *Detector {
	return &Detector{registry: registry}
}

// Detect returns the challenge found in body, or nil when the body looks like
// ordinary content.
func (d *Detector) Detect(body []byte) *Challenge {
	for _, sig := range signatures {
		if bytes.Contains(body, sig.pattern) {
			if d.registry != nil {
				d.registry.ChallengesDetected.WithLabelValues(string(sig.provider)).Inc()
			}
			return &Challenge{Provider: sig.provider, Signature: string(sig.pattern)}
		}
	}
	return nil
}
