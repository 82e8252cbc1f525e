package modsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxModuleSize bounds downloads.
const maxModuleSize = 64 << 20

// HTTPSource downloads modules, sending registry credentials as basic auth.
type HTTPSource struct {
	client *http.Client
	creds  Credentials
}

func NewHTTPSource(creds Credentials) *HTTPSource {
	return &HTTPSource{client: &http.Client{Timeout: 30 * time.Second}, creds: creds}
}

func (s *HTTPSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}
	if !s.creds.Anonymous() {
		req.SetBasicAuth(s.creds.Username, s.creds.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", ref, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxModuleSize {
		return nil, fmt.Errorf("fetch %s: module exceeds %d bytes", ref, maxModuleSize)
	}
	return data, nil
}
