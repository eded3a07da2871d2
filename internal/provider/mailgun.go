package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/httpretry"
	"github.com/ignite/mailflow/internal/pkg/logger"
)

// mailgunMaxBatch is the Mailgun limit on recipients per messages call.
const mailgunMaxBatch = 1000

// Mailgun sends through the Mailgun Messages API. Batch sends use the
// recipient-variables feature, one API call per batch.
type Mailgun struct {
	apiKey  string
	domain  string
	baseURL string
	client  httpretry.HTTPDoer
}

// NewMailgun creates an adapter targeting the given sending domain.
func NewMailgun(cfg config.MailgunConfig) *Mailgun {
	return &Mailgun{
		apiKey:  cfg.APIKey,
		domain:  cfg.Domain,
		baseURL: cfg.BaseURL + "/v3",
		client: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 3),
	}
}

// Name identifies this adapter in the registry.
func (m *Mailgun) Name() string { return "mailgun" }

// VerifyConfiguration checks credentials against the domains endpoint.
func (m *Mailgun) VerifyConfiguration(ctx context.Context) error {
	if m.apiKey == "" {
		return fmt.Errorf("mailgun: API key not configured")
	}
	if m.domain == "" {
		return fmt.Errorf("mailgun: sending domain not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/domains/"+m.domain, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("api", m.apiKey)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mailgun: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 400 {
		return fmt.Errorf("mailgun: credential check returned %d", resp.StatusCode)
	}
	return nil
}

func (m *Mailgun) messageForm(job *mail.Job) url.Values {
	form := url.Values{}
	form.Add("from", fmt.Sprintf("%s <%s>", job.FromName, job.FromEmail))
	form.Add("to", job.Recipient)
	form.Add("subject", job.Subject)
	form.Add("html", job.HTMLBody)
	if job.TextBody != "" {
		form.Add("text", job.TextBody)
	}
	if job.ReplyTo != "" {
		form.Add("h:Reply-To", job.ReplyTo)
	}
	for k, v := range job.Headers {
		form.Add("h:"+k, v)
	}
	form.Add("v:job_id", job.ID)
	form.Add("v:tenant_id", job.TenantID)
	if job.CampaignID != "" {
		form.Add("v:campaign_id", job.CampaignID)
	}
	return form
}

func (m *Mailgun) post(ctx context.Context, form url.Values) (int, []byte, error) {
	endpoint := fmt.Sprintf("%s/%s/messages", m.baseURL, m.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

// Send delivers a single email through Mailgun.
func (m *Mailgun) Send(ctx context.Context, job *mail.Job) *mail.SendResult {
	if m.apiKey == "" {
		return failedResult(m.Name(), fmt.Errorf("mailgun: API key not configured"))
	}

	status, body, err := m.post(ctx, m.messageForm(job))
	if err != nil {
		return failedResult(m.Name(), err)
	}
	if status >= 400 {
		return failedResult(m.Name(), fmt.Errorf("mailgun error %d: %s", status, string(body)))
	}

	var result struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &result)
	messageID := strings.Trim(result.ID, "<>")

	log.Printf("[Mailgun] Sent to %s (id: %s)", logger.RedactEmail(job.Recipient), messageID)
	return sentResult(m.Name(), messageID)
}

// SendBatch sends up to 1000 messages in one call using recipient-variables.
// The Mailgun batch API takes a single message body, so every job in the
// batch must share the first job's sender, subject, and content; a batch
// mixing content is rejected up front rather than sent with the wrong body.
// The returned error covers rejection of the whole batch; per-message
// outcomes live in the BatchResult.
func (m *Mailgun) SendBatch(ctx context.Context, jobs []*mail.Job) (*mail.BatchResult, error) {
	if m.apiKey == "" {
		return nil, fmt.Errorf("mailgun: API key not configured")
	}
	if len(jobs) == 0 {
		return &mail.BatchResult{}, nil
	}
	if len(jobs) > mailgunMaxBatch {
		return nil, fmt.Errorf("mailgun: batch size %d exceeds max %d", len(jobs), mailgunMaxBatch)
	}
	for _, job := range jobs[1:] {
		if !sameContent(job, jobs[0]) {
			return nil, fmt.Errorf("mailgun: batch jobs must share one message body, job %s differs", job.ID)
		}
	}

	recipients := make([]string, len(jobs))
	recipientVars := make(map[string]map[string]interface{}, len(jobs))
	for i, job := range jobs {
		recipients[i] = job.Recipient
		vars := map[string]interface{}{"job_id": job.ID, "tenant_id": job.TenantID}
		if job.CampaignID != "" {
			vars["campaign_id"] = job.CampaignID
		}
		for k, v := range job.Metadata {
			vars[k] = v
		}
		recipientVars[job.Recipient] = vars
	}

	varsJSON, err := json.Marshal(recipientVars)
	if err != nil {
		return nil, fmt.Errorf("mailgun: marshal recipient-variables: %w", err)
	}

	tpl := jobs[0]
	form := url.Values{}
	form.Add("from", fmt.Sprintf("%s <%s>", tpl.FromName, tpl.FromEmail))
	form.Add("to", strings.Join(recipients, ","))
	form.Add("subject", tpl.Subject)
	form.Add("html", tpl.HTMLBody)
	form.Add("recipient-variables", string(varsJSON))
	if tpl.TextBody != "" {
		form.Add("text", tpl.TextBody)
	}
	if tpl.ReplyTo != "" {
		form.Add("h:Reply-To", tpl.ReplyTo)
	}
	form.Add("o:tracking", "yes")
	form.Add("o:tracking-clicks", "yes")
	form.Add("o:tracking-opens", "yes")

	status, body, err := m.post(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("mailgun: batch call: %w", err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("mailgun: batch rejected with %d: %s", status, string(body))
	}

	var mgResp struct {
		ID string `json:"id"`
	}
	json.Unmarshal(body, &mgResp)
	txnID := strings.Trim(mgResp.ID, "<>")

	batch := &mail.BatchResult{Total: len(jobs), Successful: len(jobs), Results: make([]mail.SendResult, len(jobs))}
	for i, job := range jobs {
		batch.Results[i] = *sentResult(m.Name(), fmt.Sprintf("%s-%s", txnID, job.ID))
	}
	log.Printf("[Mailgun] Batch sent %d emails (id: %s)", len(jobs), txnID)
	return batch, nil
}

// sameContent reports whether two jobs would render the same Mailgun message.
func sameContent(a, b *mail.Job) bool {
	return a.FromName == b.FromName && a.FromEmail == b.FromEmail &&
		a.ReplyTo == b.ReplyTo && a.Subject == b.Subject &&
		a.HTMLBody == b.HTMLBody && a.TextBody == b.TextBody
}
