package registration

import (
	"context"
	"mime"
	"net/http"
	"time"
)

var allowedLogoTypes = map[string]bool{
	"image/png":  true,
	"image/gif":  true,
	"image/jpeg": true,
	"image/jpg":  true,
}

// LogoChecker decides whether a logo_uri refers to a usable image.
type LogoChecker interface {
	ValidLogo(ctx context.Context, uri string) bool
}

// HTTPLogoChecker GETs the logo. Transport errors, timeouts and non-2xx
// replies all count as invalid.
type HTTPLogoChecker struct {
	Client  *http.Client
	Timeout time.Duration
}

func (c *HTTPLogoChecker) ValidLogo(ctx context.Context, uri string) bool {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return false
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return allowedLogoTypes[mediaType]
}
