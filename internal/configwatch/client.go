package configwatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banshee-data/taglocalizer/internal/httputil"
	"github.com/banshee-data/taglocalizer/internal/observation"
)

// Client posts configuration updates to a running localizer.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient targets baseURL, e.g. "http://127.0.0.1:8088". A nil hc uses
// a client with httputil.DefaultTimeout.
func NewClient(baseURL string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(0)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

// PostPosePrior queues prior on the server.
func (c *Client) PostPosePrior(prior observation.PosePrior) error {
	body, err := json.Marshal(prior)
	if err != nil {
		return err
	}
	return c.post("/api/pose-prior", "application/json", body)
}

// PostTagLayout sends a raw layout document. format is "json" or "yaml".
func (c *Client) PostTagLayout(doc []byte, format string) error {
	contentType := "application/json"
	if format == "yaml" || format == "yml" {
		contentType = "application/yaml"
	}
	return c.post("/api/tag-layout", contentType, doc)
}

func (c *Client) post(path, contentType string, body []byte) error {
	resp, err := c.http.Post(c.baseURL+path, contentType, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
