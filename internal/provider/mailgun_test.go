package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/ignite/mailflow/internal/config"
	"github.com/ignite/mailflow/internal/mail"
)

func mailgunFor(baseURL string) *Mailgun {
	return NewMailgun(config.MailgunConfig{
		APIKey:         "mg-key",
		Domain:         "mail.example.com",
		BaseURL:        baseURL,
		TimeoutSeconds: 5,
	})
}

func TestMailgunSend(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/mail.example.com/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, _ := r.BasicAuth()
		if user != "api" || pass != "mg-key" {
			t.Errorf("basic auth = %s:%s", user, pass)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing form: %v", err)
		}
		form = r.PostForm
		w.Write([]byte(`{"id":"<20250601.abc@mail.example.com>","message":"Queued"}`))
	}))
	defer srv.Close()

	res := mailgunFor(srv.URL).Send(context.Background(), sampleJob())

	if res.Failed() {
		t.Fatalf("send failed: %s", res.Error)
	}
	// Angle brackets are stripped so the id matches webhook message_id fields.
	if res.MessageID != "20250601.abc@mail.example.com" {
		t.Errorf("message id = %q", res.MessageID)
	}
	if form.Get("to") != "user@example.com" {
		t.Errorf("to = %q", form.Get("to"))
	}
	if form.Get("from") != "Example News <news@example.com>" {
		t.Errorf("from = %q", form.Get("from"))
	}
	if form.Get("v:job_id") != "job-1" || form.Get("v:campaign_id") != "camp-1" {
		t.Errorf("variables = %v", form)
	}
}

func TestMailgunSendBatchSingleCall(t *testing.T) {
	calls := 0
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		r.ParseForm()
		form = r.PostForm
		w.Write([]byte(`{"id":"<batch-txn@mail.example.com>"}`))
	}))
	defer srv.Close()

	jobs := []*mail.Job{sampleJob(), sampleJob()}
	jobs[1].ID = "job-2"
	jobs[1].Recipient = "other@example.com"

	batch, err := mailgunFor(srv.URL).SendBatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("API calls = %d, want a single batch call", calls)
	}
	if batch.Total != 2 || batch.Successful != 2 {
		t.Errorf("batch = %+v", batch)
	}

	if got := form.Get("to"); got != "user@example.com,other@example.com" {
		t.Errorf("to = %q", got)
	}
	var vars map[string]map[string]interface{}
	if err := json.Unmarshal([]byte(form.Get("recipient-variables")), &vars); err != nil {
		t.Fatalf("recipient-variables: %v", err)
	}
	if vars["user@example.com"]["job_id"] != "job-1" || vars["other@example.com"]["job_id"] != "job-2" {
		t.Errorf("recipient-variables = %v", vars)
	}
}

func TestMailgunSendBatchRequiresSharedContent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"id":"<batch-txn@mail.example.com>"}`))
	}))
	defer srv.Close()

	// The batch call carries one message body for every recipient; a batch
	// whose jobs differ in content must be refused, not sent with the first
	// job's body.
	jobs := []*mail.Job{sampleJob(), sampleJob()}
	jobs[1].ID = "job-2"
	jobs[1].Recipient = "other@example.com"
	jobs[1].Subject = "Different subject"

	batch, err := mailgunFor(srv.URL).SendBatch(context.Background(), jobs)
	if err == nil {
		t.Fatal("mixed-content batch accepted")
	}
	if !strings.Contains(err.Error(), "job-2") {
		t.Errorf("error = %v, want the differing job named", err)
	}
	if batch != nil {
		t.Errorf("batch = %+v, want nil", batch)
	}
	if calls != 0 {
		t.Errorf("API calls = %d, want rejection before any call", calls)
	}
}

func TestMailgunSendBatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"message":"'to' parameter is invalid"}`))
	}))
	defer srv.Close()

	batch, err := mailgunFor(srv.URL).SendBatch(context.Background(), []*mail.Job{sampleJob()})
	if err == nil {
		t.Fatal("expected whole-batch rejection error")
	}
	if batch != nil {
		t.Errorf("batch = %+v, want nil on rejection", batch)
	}
	if !strings.Contains(err.Error(), "400") {
		t.Errorf("error = %v", err)
	}
}

func TestMailgunSendBatchSizeLimit(t *testing.T) {
	jobs := make([]*mail.Job, mailgunMaxBatch+1)
	for i := range jobs {
		j := *sampleJob()
		j.Recipient = fmt.Sprintf("user%d@example.com", i)
		jobs[i] = &j
	}

	if _, err := mailgunFor("http://unused").SendBatch(context.Background(), jobs); err == nil {
		t.Error("oversized batch accepted")
	}
}

func TestMailgunVerifyConfiguration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v3/domains/mail.example.com" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"domain":{"state":"active"}}`))
	}))
	defer srv.Close()

	if err := mailgunFor(srv.URL).VerifyConfiguration(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestMailgunVerifyMissingDomain(t *testing.T) {
	mg := NewMailgun(config.MailgunConfig{APIKey: "mg-key"})
	if err := mg.VerifyConfiguration(context.Background()); err == nil {
		t.Error("missing domain should fail verification")
	}
}
