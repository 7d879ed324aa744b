package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/desertthunder/setgraph/internal/proxy"
	"github.com/desertthunder/setgraph/internal/shared"
)

// renderRequest is the payload sent to the headless-browser proxy service.
type renderRequest struct {
	URL       string `json:"url"`
	WaitFor   string `json:"wait_for,omitempty"`
	MaxWaitMS int    `json:"max_wait_ms,omitempty"`
	Proxy     string `json:"proxy,omitempty"`
}

type renderResponse struct {
	HTML       string `json:"html"`
	StatusCode int    `json:"status_code"`
	Error      string `json:"error,omitempty"`
}

// renderAttempt fetches a JS-heavy page through the rendering proxy with an
// explicit wait selector and timeout cap.
func (f *Fetcher) renderAttempt(ctx context.Context, req Request, egress *proxy.Egress) (*Response, error) {
	if f.cfg.RenderURL == "" {
		return nil, fmt.Errorf("%w: render mode requested but no render service configured", shared.ErrExtractionFailure)
	}

	maxWait := req.MaxWaitMS
	if maxWait <= 0 || maxWait > 60_000 {
		maxWait = 30_000
	}

	payload := renderRequest{
		URL:       req.URL,
		WaitFor:   req.WaitSelector,
		MaxWaitMS: maxWait,
	}
	if !egress.Direct() {
		payload.Proxy = egress.URL.String()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode render request: %v", shared.ErrExtractionFailure, err)
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(maxWait)*time.Millisecond+time.Duration(f.cfg.TotalTimeout)*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.RenderURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrExtractionFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("%w: render service: %v", shared.ErrTransientNetwork, err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return nil, &fetchError{err: fmt.Errorf("%w: read render response: %v", shared.ErrTransientNetwork, err)}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &fetchError{err: fmt.Errorf("%w: render service returned %d", shared.ErrTransientNetwork, resp.StatusCode)}
	}

	var rr renderResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("%w: decode render response: %v", shared.ErrExtractionFailure, err)
	}
	if rr.Error != "" {
		return nil, fmt.Errorf("%w: render failed: %s", shared.ErrExtractionFailure, rr.Error)
	}

	html := []byte(rr.HTML)
	if f.detector != nil {
		if ch := f.detector.Detect(html); ch != nil {
			return nil, &fetchError{
				err:       fmt.Errorf("%w: %s interstitial in rendered page", shared.ErrChallenge, ch.Provider),
				challenge: ch,
			}
		}
	}

	return &Response{
		URL:        req.URL,
		StatusCode: rr.StatusCode,
		Body:       html,
		EgressKey:  egress.KeyOrDirect(),
		Rendered:   true,
	}, nil
}
