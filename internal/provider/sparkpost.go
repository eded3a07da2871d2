package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/httpretry"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// SparkPost sends through the SparkPost Transmissions API. It has no usable
// bulk endpoint for heterogeneous content, so batches degrade to sequential
// sends.
type SparkPost struct {
	apiKey     string
	baseURL    string
	client     httpretry.HTTPDoer
	batchDelay time.Duration
}

// NewSparkPost creates an adapter targeting the SparkPost v1 API.
func NewSparkPost(cfg config.SparkPostConfig, batchDelay time.Duration) *SparkPost {
	return &SparkPost{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		client: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
		batchDelay: batchDelay,
	}
}

// Name identifies this adapter in the registry.
func (s *SparkPost) Name() string { return "sparkpost" }

// VerifyConfiguration checks that the adapter can reach SparkPost with its
// credentials.
func (s *SparkPost) VerifyConfiguration(ctx context.Context) error {
	if s.apiKey == "" {
		return fmt.Errorf("sparkpost: API key not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/account", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", s.apiKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sparkpost: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sparkpost: credential check returned %d", resp.StatusCode)
	}
	return nil
}

// Send delivers a single email through SparkPost.
func (s *SparkPost) Send(ctx context.Context, job *mail.Job) *mail.SendResult {
	if s.apiKey == "" {
		return failedResult(s.Name(), fmt.Errorf("sparkpost: API key not configured"))
	}

	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": job.Recipient}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": job.FromEmail, "name": job.FromName},
			"subject": job.Subject,
			"html":    job.HTMLBody,
			"text":    job.TextBody,
		},
		"metadata": map[string]interface{}{
			"job_id":      job.ID,
			"tenant_id":   job.TenantID,
			"campaign_id": job.CampaignID,
		},
	}
	if job.ReplyTo != "" {
		content := transmission["content"].(map[string]interface{})
		content["reply_to"] = job.ReplyTo
	}
	if len(job.Headers) > 0 {
		content := transmission["content"].(map[string]interface{})
		content["headers"] = job.Headers
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return failedResult(s.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(jsonData))
	if err != nil {
		return failedResult(s.Name(), err)
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return failedResult(s.Name(), err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		return failedResult(s.Name(), fmt.Errorf("sparkpost error %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.Unmarshal(body, &result)

	log.Printf("[SparkPost] Sent to %s (id: %s)", logger.RedactEmail(job.Recipient), result.Results.ID)
	return sentResult(s.Name(), result.Results.ID)
}

// SendBatch sends each message individually; SparkPost transmissions carry
// one content block, so distinct messages cannot share a call.
func (s *SparkPost) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("sparkpost: API key not configured")
	}
	return sequentialBatch(ctx, s, jobs, s.batchDelay), nil
}
