package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/campwatch/campwatch/internal/db"
)

// HTTPExtractor calls the external extraction service that renders and
// parses provider sites. The service is a separate deployment; this
// client only speaks its JSON API.
type HTTPExtractor struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// ExtractorConfig holds the extraction service client configuration.
type ExtractorConfig struct {
	BaseURL string // extraction service base URL (required)
	APIKey  string // bearer token, optional for local deployments
	Timeout time.Duration
}

// NewHTTPExtractor creates a client for the extraction service.
func NewHTTPExtractor(cfg ExtractorConfig, logger *zap.Logger) (*HTTPExtractor, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("EXTRACTOR_BASE_URL is required for scraping")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	return &HTTPExtractor{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

type extractRequest struct {
	URL    string `json:"url"`
	Domain string `json:"domain"`
}

type extractResponse struct {
	Sessions []struct {
		Name             string `json:"name"`
		StartDate        string `json:"start_date"`
		EndDate          string `json:"end_date"`
		TimeText         string `json:"time_text,omitempty"`
		PriceText        string `json:"price_text,omitempty"`
		AgeGradeText     string `json:"age_grade_text,omitempty"`
		EnrolledCount    int    `json:"enrolled_count"`
		Capacity         int    `json:"capacity"`
		RegistrationOpen bool   `json:"registration_open"`
	} `json:"sessions"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Extract fetches the current session listing for a source.
func (c *HTTPExtractor) Extract(ctx context.Context, source *db.ScrapeSource) ([]ExtractedSession, error) {
	// The normalized domain is the canonical address for a source; the
	// extraction service handles any redirects from the bare hostname.
	req := extractRequest{
		URL:    "https://" + source.Domain,
		Domain: source.Domain,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("extraction service returned %d: %s", resp.StatusCode, string(respBody))
	}

	var extractResp extractResponse
	if err := json.Unmarshal(respBody, &extractResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if extractResp.Error != nil {
		return nil, fmt.Errorf("extraction error: %s (%s)", extractResp.Error.Message, extractResp.Error.Code)
	}

	sessions := make([]ExtractedSession, 0, len(extractResp.Sessions))
	for _, s := range extractResp.Sessions {
		start, err := time.Parse("2006-01-02", s.StartDate)
		if err != nil {
			c.logger.Warn("skipping session with unparseable start date",
				zap.String("name", s.Name),
				zap.String("start_date", s.StartDate),
			)
			continue
		}
		end, err := time.Parse("2006-01-02", s.EndDate)
		if err != nil {
			end = start
		}

		sessions = append(sessions, ExtractedSession{
			Name:             s.Name,
			StartDate:        start,
			EndDate:          end,
			TimeText:         s.TimeText,
			PriceText:        s.PriceText,
			AgeGradeText:     s.AgeGradeText,
			EnrolledCount:    s.EnrolledCount,
			Capacity:         s.Capacity,
			RegistrationOpen: s.RegistrationOpen,
		})
	}

	c.logger.Debug("extraction complete",
		zap.String("domain", source.Domain),
		zap.Int("sessions", len(sessions)),
	)

	return sessions, nil
}
