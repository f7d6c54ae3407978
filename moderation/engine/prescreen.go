package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/arbiter-mod/sieve/util"
)

// PreScreenClient talks to a cheap self-hosted image classifier that runs
// ahead of the paid vendor ensemble. Images it confidently clears skip the
// vendor image scans for that pass; anything else falls through.
type PreScreenClient struct {
	Client *http.Client
	Host   string
	Token  string
}

func NewPreScreenClient(host, token string) *PreScreenClient {
	return &PreScreenClient{
		Client: util.RobustHTTPClient(),
		Host:   host,
		Token:  token,
	}
}

type preScreenResp struct {
	Verdict string  `json:"verdict"`
	Score   float64 `json:"score"`
}

// Check returns the classifier verdict for one image: "clean" means the
// vendor ensemble may be skipped, anything else means scan normally.
func (c *PreScreenClient) Check(ctx context.Context, imgBytes []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.Host+"/xrpc/app.sieve.preScreen", bytes.NewReader(imgBytes))
	if err != nil {
		return "", fmt.Errorf("constructing prescreen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("prescreen request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("prescreen request failed with status: %d", resp.StatusCode)
	}

	var out preScreenResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to parse prescreen response: %w", err)
	}
	return out.Verdict, nil
}
