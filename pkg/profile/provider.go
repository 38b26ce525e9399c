package profile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Provider resolves chart/profile context for a user. Implementations
// return an empty string when nothing is known; failures are non-fatal for
// callers.
type Provider interface {
	Fetch(ctx context.Context, userID string) (string, error)
}

// Disabled is used when no profile backend is configured.
type Disabled struct{}

func (Disabled) Fetch(context.Context, string) (string, error) {
	return "", nil
}

// HTTPProvider fetches profile context from a REST backend.
type HTTPProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

var _ Provider = &HTTPProvider{}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}

	url := fmt.Sprintf("%s/v1/profiles/%s/chart", p.BaseURL, userID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("profile error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return string(body), nil
}
