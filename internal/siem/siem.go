// Package siem enriches kill reports with threat-intel context from an
// external SIEM service. Enrichment is best effort: every failure path
// degrades to a neutral sentinel so the pipeline never blocks on the SIEM.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ashita-ai/medic/internal/model"
	"github.com/ashita-ai/medic/internal/validation"
)

// Enricher produces a SIEM result for a kill report. Implementations never
// return an error; unavailability yields the neutral sentinel.
type Enricher interface {
	Enrich(ctx context.Context, kr *model.KillReport) *model.SIEMResult
}

// Noop returns the sentinel for every report. Used when enrichment is
// disabled.
type Noop struct{}

// Enrich implements Enricher.
func (Noop) Enrich(context.Context, *model.KillReport) *model.SIEMResult {
	return model.NoopSIEMResult()
}

type queryRequest struct {
	KillID       string `json:"kill_id"`
	TargetModule string `json:"target_module"`
	WindowHours  int    `json:"window_hours"`
}

type queryResponse struct {
	RiskScore            float64 `json:"risk_score"`
	FalsePositiveHistory int     `json:"false_positive_history"`
	Recommendation       string  `json:"recommendation"`
}

// Client queries a SIEM over HTTP. Credentials come from the environment
// at construction and are held only inside the request header closure;
// they are never logged or serialized.
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	auth    func(*http.Request)
	logger  *slog.Logger
}

// NewClient builds a SIEM client for baseURL. Authentication uses
// SIEM_TOKEN as a bearer token, or SIEM_USERNAME/SIEM_PASSWORD for basic
// auth when no token is set.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	auth := func(*http.Request) {}
	if token := os.Getenv("SIEM_TOKEN"); token != "" {
		auth = func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	} else if user := os.Getenv("SIEM_USERNAME"); user != "" {
		pass := os.Getenv("SIEM_PASSWORD")
		auth = func(req *http.Request) {
			req.SetBasicAuth(user, pass)
		}
	}
	return &Client{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		auth:    auth,
		logger:  logger.With("component", "siem"),
	}
}

// Enrich issues a single query for the kill report. On timeout, transport
// failure, or an unusable response it logs a warning and returns the
// sentinel. A 429 is retried once after the server's Retry-After (or one
// backoff step) before falling back.
func (c *Client) Enrich(ctx context.Context, kr *model.KillReport) *model.SIEMResult {
	res, retryAfter, err := c.query(ctx, kr)
	if err == nil && res != nil {
		return res
	}
	if retryAfter > 0 {
		select {
		case <-ctx.Done():
			return model.NoopSIEMResult()
		case <-time.After(retryAfter):
		}
		if res, _, err2 := c.query(ctx, kr); err2 == nil && res != nil {
			return res
		}
	}
	c.logger.Warn("enrichment unavailable, using neutral result",
		"kill_id", validation.SanitizeForLog(kr.KillID),
		"target_module", validation.SanitizeForLog(kr.TargetModule),
		"error", err,
	)
	return model.NoopSIEMResult()
}

// query performs one request. A non-zero retryAfter signals a 429 worth
// one retry.
func (c *Client) query(ctx context.Context, kr *model.KillReport) (*model.SIEMResult, time.Duration, error) {
	body, err := json.Marshal(queryRequest{
		KillID:       kr.KillID,
		TargetModule: kr.TargetModule,
		WindowHours:  24,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("siem: encode query: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("siem: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("siem: query: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// Parsed below.
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryAfterDelay(resp), fmt.Errorf("siem: rate limited")
	default:
		return nil, 0, fmt.Errorf("siem: query status %d", resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, 0, fmt.Errorf("siem: decode response: %w", err)
	}
	score, err := validation.Score(qr.RiskScore, "risk_score")
	if err != nil {
		return nil, 0, fmt.Errorf("siem: response: %w", err)
	}
	if qr.FalsePositiveHistory < 0 {
		return nil, 0, fmt.Errorf("siem: response: negative false_positive_history")
	}
	return &model.SIEMResult{
		RiskScore:            score,
		FalsePositiveHistory: qr.FalsePositiveHistory,
		Recommendation:       validation.TruncateRecommendation(qr.Recommendation),
	}, 0, nil
}

func retryAfterDelay(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
