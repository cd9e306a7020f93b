package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ProcessingService runs a pipeline synchronously over a batch of images
type ProcessingService interface {
	Process(ctx context.Context, pipeline string, images []SourceImage) ([]Result, error)
}

// ProcessingServiceClient calls an ML processing service over HTTP
type ProcessingServiceClient struct {
	baseURL string
	http    *http.Client
}

func NewProcessingServiceClient(baseURL string, timeout time.Duration) *ProcessingServiceClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ProcessingServiceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type processRequest struct {
	Pipeline     string           `json:"pipeline"`
	SourceImages []SourceImageRef `json:"source_images"`
}

type processResponse struct {
	Results []json.RawMessage `json:"results"`
}

// Process posts the batch to {baseURL}/process and parses one result per
// returned entry
func (c *ProcessingServiceClient) Process(ctx context.Context, pipeline string, images []SourceImage) ([]Result, error) {
	req := processRequest{Pipeline: pipeline}
	for _, img := range images {
		req.SourceImages = append(req.SourceImages, SourceImageRef{ID: imageKey(img.ID), URL: img.URL})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode process request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build process request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call processing service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("processing service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out processResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode process response: %w", err)
	}
	results := make([]Result, 0, len(out.Results))
	for n, raw := range out.Results {
		res, err := ParseResult(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid result %d: %w", n, err)
		}
		results = append(results, res)
	}
	return results, nil
}
