package delivery

import (
	"context"
	"errors"
	"testing"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/provider"
)

type staticSuppression map[string]bool

func (s staticSuppression) IsSuppressed(email string) bool { return s[email] }

func testJob(recipient string) *mail.Job {
	return &mail.Job{
		ID:        "job-" + recipient,
		TenantID:  "t1",
		Recipient: recipient,
		FromEmail: "sender@example.com",
		Subject:   "Hello",
		HTMLBody:  "<p>Hi</p>",
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *provider.Noop, *provider.Noop) {
	t.Helper()
	primary := provider.NewNoop("primary")
	fallback := provider.NewNoop("fallback")
	reg := NewRegistry()
	reg.Register(primary)
	reg.Register(fallback)

	orch, err := NewOrchestrator(reg, "primary", "fallback")
	if err != nil {
		t.Fatalf("NewOrchestrator() error: %v", err)
	}
	return orch, primary, fallback
}

func TestNewOrchestrator_UnknownProviders(t *testing.T) {
	reg := NewRegistry()
	reg.Register(provider.NewNoop("only"))

	if _, err := NewOrchestrator(reg, "missing", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown primary error = %v, want ErrUnknownProvider", err)
	}
	if _, err := NewOrchestrator(reg, "only", "missing"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown fallback error = %v, want ErrUnknownProvider", err)
	}
	if _, err := NewOrchestrator(reg, "only", ""); err != nil {
		t.Errorf("empty fallback rejected: %v", err)
	}
}

func TestSendSingle_PrimarySucceeds(t *testing.T) {
	orch, primary, fallback := newTestOrchestrator(t)

	res, err := orch.SendSingle(context.Background(), testJob("a@example.com"))
	if err != nil {
		t.Fatalf("SendSingle() error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("result failed: %s", res.Error)
	}
	if res.Provider != "primary" {
		t.Errorf("Provider = %q, want primary", res.Provider)
	}
	if len(primary.Sent()) != 1 || len(fallback.Sent()) != 0 {
		t.Errorf("sent counts primary/fallback = %d/%d, want 1/0",
			len(primary.Sent()), len(fallback.Sent()))
	}
}

func TestSendSingle_FailoverNamesFallback(t *testing.T) {
	orch, primary, fallback := newTestOrchestrator(t)
	primary.FailAll(true)

	res, err := orch.SendSingle(context.Background(), testJob("a@example.com"))
	if err != nil {
		t.Fatalf("SendSingle() error: %v", err)
	}
	if res.Failed() {
		t.Fatalf("fallback result failed: %s", res.Error)
	}
	if res.Provider != "fallback" {
		t.Errorf("Provider = %q, want fallback", res.Provider)
	}
	if len(fallback.Sent()) != 1 {
		t.Errorf("fallback sent %d jobs, want 1", len(fallback.Sent()))
	}
}

func TestSendSingle_BothFail(t *testing.T) {
	orch, primary, fallback := newTestOrchestrator(t)
	primary.FailAll(true)
	fallback.FailAll(true)

	res, err := orch.SendSingle(context.Background(), testJob("a@example.com"))
	if err != nil {
		t.Fatalf("SendSingle() error: %v", err)
	}
	if !res.Failed() {
		t.Fatal("result should be failed when both providers fail")
	}
	if res.Provider != "fallback" {
		t.Errorf("Provider = %q, want fallback (last attempt)", res.Provider)
	}
}

func TestSendSingle_SuppressedCampaignRecipient(t *testing.T) {
	orch, primary, _ := newTestOrchestrator(t)
	orch.SetSuppressionChecker(staticSuppression{"blocked@example.com": true})

	job := testJob("blocked@example.com")
	job.CampaignID = "camp-1"
	res, err := orch.SendSingle(context.Background(), job)
	if err != nil {
		t.Fatalf("SendSingle() error: %v", err)
	}
	if !res.Failed() || res.Error != "recipient is suppressed" {
		t.Errorf("result = %+v, want suppression refusal", res)
	}
	if len(primary.Sent()) != 0 {
		t.Error("suppressed job reached the provider")
	}
}

func TestSendSingle_SuppressionSkipsTransactional(t *testing.T) {
	orch, primary, _ := newTestOrchestrator(t)
	orch.SetSuppressionChecker(staticSuppression{"blocked@example.com": true})

	// No campaign id: transactional sends bypass the suppression check.
	res, err := orch.SendSingle(context.Background(), testJob("blocked@example.com"))
	if err != nil {
		t.Fatalf("SendSingle() error: %v", err)
	}
	if res.Failed() {
		t.Errorf("transactional send blocked: %s", res.Error)
	}
	if len(primary.Sent()) != 1 {
		t.Error("transactional job did not reach the provider")
	}
}

func TestSendBatch_FiltersSuppressed(t *testing.T) {
	orch, primary, _ := newTestOrchestrator(t)
	orch.SetSuppressionChecker(staticSuppression{"blocked@example.com": true})

	jobs := []*mail.Job{testJob("ok@example.com"), testJob("blocked@example.com")}
	for _, j := range jobs {
		j.CampaignID = "camp-1"
	}

	batch, err := orch.SendBatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("SendBatch() error: %v", err)
	}
	if batch.Total != 2 || batch.Successful != 1 || batch.Failed != 1 {
		t.Errorf("batch = %d/%d/%d (total/ok/failed), want 2/1/1",
			batch.Total, batch.Successful, batch.Failed)
	}
	if len(primary.Sent()) != 1 {
		t.Errorf("provider received %d jobs, want 1", len(primary.Sent()))
	}
}

func TestSendBatch_WholeBatchRejectionFallsBack(t *testing.T) {
	orch, primary, fallback := newTestOrchestrator(t)
	primary.FailBatch(errors.New("api rejected payload"))

	jobs := []*mail.Job{testJob("a@example.com"), testJob("b@example.com")}
	batch, err := orch.SendBatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("SendBatch() error: %v", err)
	}
	if batch.Successful != 2 {
		t.Errorf("Successful = %d, want 2 via fallback", batch.Successful)
	}
	if len(fallback.Sent()) != 2 {
		t.Errorf("fallback sent %d, want 2", len(fallback.Sent()))
	}
	for _, res := range batch.Results {
		if res.Provider != "fallback" {
			t.Errorf("result provider = %q, want fallback", res.Provider)
		}
	}
}

func TestSendBatch_RejectionWithoutFallback(t *testing.T) {
	primary := provider.NewNoop("primary")
	primary.FailBatch(errors.New("api down"))
	reg := NewRegistry()
	reg.Register(primary)
	orch, err := NewOrchestrator(reg, "primary", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := orch.SendBatch(context.Background(), []*mail.Job{testJob("a@example.com")}); err == nil {
		t.Error("SendBatch() swallowed whole-batch rejection with no fallback")
	}
}

func TestSwitchPrimary(t *testing.T) {
	orch, _, fallback := newTestOrchestrator(t)

	if err := orch.SwitchPrimary(context.Background(), "fallback"); err != nil {
		t.Fatalf("SwitchPrimary() error: %v", err)
	}
	if orch.Primary() != "fallback" {
		t.Errorf("Primary() = %q, want fallback", orch.Primary())
	}

	if err := orch.SwitchPrimary(context.Background(), "nope"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("unknown provider error = %v, want ErrUnknownProvider", err)
	}

	fallback.FailConfiguration(errors.New("bad key"))
	if err := orch.SwitchPrimary(context.Background(), "fallback"); err == nil {
		t.Error("SwitchPrimary() accepted provider failing verification")
	}
}

func TestHealth(t *testing.T) {
	orch, primary, _ := newTestOrchestrator(t)
	primary.FailConfiguration(errors.New("expired key"))

	report := orch.Health(context.Background())
	if len(report) != 2 {
		t.Fatalf("len(report) = %d, want 2", len(report))
	}
	byName := map[string]ProviderHealth{}
	for _, h := range report {
		byName[h.Name] = h
	}
	if byName["primary"].Configured || byName["primary"].Error == "" {
		t.Errorf("primary health = %+v, want unconfigured with error", byName["primary"])
	}
	if !byName["primary"].Primary || byName["fallback"].Primary {
		t.Error("primary flag misassigned")
	}
	if !byName["fallback"].Configured {
		t.Errorf("fallback health = %+v, want configured", byName["fallback"])
	}
}
