package meta

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ServiceRegistry is the part of Store the health checker needs
type ServiceRegistry interface {
	ListProcessingServices(ctx context.Context) ([]*ProcessingService, error)
	RecordServiceCheck(ctx context.Context, endpointURL string, live bool, latency time.Duration) error
}

// ServiceHealthChecker polls each registered processing service's /livez
type ServiceHealthChecker struct {
	registry ServiceRegistry
	client   *http.Client
	logger   *slog.Logger
}

func NewServiceHealthChecker(registry ServiceRegistry, logger *slog.Logger) *ServiceHealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceHealthChecker{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

func (c *ServiceHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.CheckServices(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("stopping processing service health checks")
			return
		case <-ticker.C:
			c.CheckServices(ctx)
		}
	}
}

// CheckServices checks every registered service once
func (c *ServiceHealthChecker) CheckServices(ctx context.Context) {
	services, err := c.registry.ListProcessingServices(ctx)
	if err != nil {
		c.logger.Error("failed to list processing services", "error", err)
		return
	}

	for _, ps := range services {
		live, latency := c.check(ctx, ps.EndpointURL)
		if !live {
			c.logger.Warn("processing service unhealthy", "endpoint", ps.EndpointURL)
		}
		if err := c.registry.RecordServiceCheck(ctx, ps.EndpointURL, live, latency); err != nil {
			c.logger.Error("failed to record health check", "endpoint", ps.EndpointURL, "error", err)
		}
	}
}

func (c *ServiceHealthChecker) check(ctx context.Context, endpoint string) (bool, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/livez", nil)
	if err != nil {
		return false, 0
	}
	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return false, latency
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, latency
}
