package meta

import (
	"context"
	"fmt"
	"time"
)

// ProcessingService is a registered sync_api endpoint and its last check
type ProcessingService struct {
	EndpointURL     string     `json:"endpoint_url"`
	LastChecked     *time.Time `json:"last_checked,omitempty"`
	LastCheckedLive bool       `json:"last_checked_live"`
	LatencyMS       *float64   `json:"last_checked_latency_ms,omitempty"`
}

func (s *Store) ListProcessingServices(ctx context.Context) ([]*ProcessingService, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT endpoint_url, last_checked, last_checked_live, last_checked_latency_ms
		FROM ami_processing_services
		ORDER BY endpoint_url
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing services: %w", err)
	}
	defer rows.Close()

	var services []*ProcessingService
	for rows.Next() {
		ps := &ProcessingService{}
		if err := rows.Scan(&ps.EndpointURL, &ps.LastChecked, &ps.LastCheckedLive, &ps.LatencyMS); err != nil {
			return nil, fmt.Errorf("failed to scan processing service: %w", err)
		}
		services = append(services, ps)
	}
	return services, rows.Err()
}

// RegisterProcessingService adds the endpoint if it is not known yet
func (s *Store) RegisterProcessingService(ctx context.Context, endpointURL string) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ami_processing_services (endpoint_url)
		VALUES ($1)
		ON CONFLICT (endpoint_url) DO NOTHING
	`, endpointURL)
	if err != nil {
		return fmt.Errorf("failed to register processing service: %w", err)
	}
	return nil
}

// RecordServiceCheck stores the outcome of a health check
func (s *Store) RecordServiceCheck(ctx context.Context, endpointURL string, live bool, latency time.Duration) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO ami_processing_services (endpoint_url, last_checked, last_checked_live, last_checked_latency_ms)
		VALUES ($1, NOW(), $2, $3)
		ON CONFLICT (endpoint_url)
		DO UPDATE SET
			last_checked = NOW(),
			last_checked_live = EXCLUDED.last_checked_live,
			last_checked_latency_ms = EXCLUDED.last_checked_latency_ms
	`, endpointURL, live, float64(latency.Microseconds())/1000)
	if err != nil {
		return fmt.Errorf("failed to record check of %s: %w", endpointURL, err)
	}
	return nil
}
