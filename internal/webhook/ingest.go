package webhook

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailflow/internal/mail"
	"github.com/ignite/mailflow/internal/pkg/metrics"
)

// rawEvent is one provider event after parsing, before vocabulary
// translation.
type rawEvent struct {
	Name        string
	MessageID   string
	Recipient   string
	CampaignID  string
	TenantID    string
	Timestamp   time.Time
	BounceClass mail.BounceClass
	Metadata    map[string]string
}

// Codec parses one provider's payload shape and carries its vocabulary.
type Codec struct {
	Provider string
	Vocab    Vocabulary
	Parse    func(body []byte) ([]rawEvent, error)
}

// Ingestor turns verified provider payloads into canonical delivery events.
type Ingestor struct {
	codecs map[string]*Codec
}

// NewIngestor creates an ingestor with the built-in provider codecs.
func NewIngestor() *Ingestor {
	ing := &Ingestor{codecs: make(map[string]*Codec)}
	for _, c := range []*Codec{
		{Provider: "sparkpost", Vocab: sparkpostVocab, Parse: parseSparkPost},
		{Provider: "mailgun", Vocab: mailgunVocab, Parse: parseMailgun},
		{Provider: "ses", Vocab: sesVocab, Parse: parseSES},
	} {
		ing.codecs[c.Provider] = c
	}
	return ing
}

// Known reports whether provider has a dedicated codec.
func (ing *Ingestor) Known(provider string) bool {
	_, ok := ing.codecs[provider]
	return ok
}

// Ingest parses body for the named provider and translates each event.
// Unrecognized vendor event names are logged and dropped without error;
// events missing a message id or recipient are dropped as invalid. Unknown
// providers fall back to the generic codec.
func (ing *Ingestor) Ingest(provider string, body []byte) (events []*mail.DeliveryEvent, dropped int, err error) {
	codec, ok := ing.codecs[provider]
	if !ok {
		codec = &Codec{Provider: provider, Vocab: genericVocab, Parse: parseGeneric}
	}

	raws, err := codec.Parse(body)
	if err != nil {
		return nil, 0, fmt.Errorf("parsing %s payload: %w", provider, err)
	}

	for _, raw := range raws {
		eventType, ok := codec.Vocab.Translate(raw.Name)
		if !ok {
			log.Printf("[Webhook] Dropping unrecognized %s event %q", provider, raw.Name)
			metrics.WebhookEvents.WithLabelValues(provider, "unrecognized").Inc()
			dropped++
			continue
		}

		ev := &mail.DeliveryEvent{
			ID:          uuid.NewString(),
			MessageID:   raw.MessageID,
			CampaignID:  raw.CampaignID,
			TenantID:    raw.TenantID,
			Recipient:   raw.Recipient,
			Type:        eventType,
			Timestamp:   raw.Timestamp,
			Provider:    provider,
			BounceClass: raw.BounceClass,
			Metadata:    raw.Metadata,
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		if err := ev.Validate(); err != nil {
			log.Printf("[Webhook] Dropping invalid %s event: %v", provider, err)
			metrics.WebhookEvents.WithLabelValues(provider, "invalid").Inc()
			dropped++
			continue
		}
		events = append(events, ev)
	}
	return events, dropped, nil
}

// parseSparkPost handles SparkPost's batched msys envelope.
func parseSparkPost(body []byte) ([]rawEvent, error) {
	var envelope []struct {
		MSys map[string]json.RawMessage `json:"msys"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	var out []rawEvent
	for _, item := range envelope {
		for _, rawData := range item.MSys {
			var data struct {
				Type        string            `json:"type"`
				MessageID   string            `json:"message_id"`
				RcptTo      string            `json:"rcpt_to"`
				CampaignID  string            `json:"campaign_id"`
				Timestamp   string            `json:"timestamp"`
				BounceClass string            `json:"bounce_class"`
				RcptMeta    map[string]string `json:"rcpt_meta"`
			}
			if err := json.Unmarshal(rawData, &data); err != nil {
				continue
			}
			ev := rawEvent{
				Name:       data.Type,
				MessageID:  data.MessageID,
				Recipient:  data.RcptTo,
				CampaignID: data.CampaignID,
				Metadata:   data.RcptMeta,
			}
			if ev.TenantID == "" && data.RcptMeta != nil {
				ev.TenantID = data.RcptMeta["tenant_id"]
			}
			if ts, err := strconv.ParseInt(data.Timestamp, 10, 64); err == nil {
				ev.Timestamp = time.Unix(ts, 0)
			}
			ev.BounceClass = sparkpostBounceClass(data.BounceClass)
			out = append(out, ev)
		}
	}
	return out, nil
}

// sparkpostBounceClass maps SparkPost numeric bounce classes. Classes 10,
// 30, and 90 are hard bounces; common soft classes map to transient.
func sparkpostBounceClass(code string) mail.BounceClass {
	switch code {
	case "":
		return ""
	case "10", "30", "90":
		return mail.BouncePermanent
	case "20", "21", "22", "23", "24", "40", "60":
		return mail.BounceTransient
	default:
		return mail.BounceUndetermined
	}
}

// parseMailgun handles Mailgun's event-data envelope, one event per call.
func parseMailgun(body []byte) ([]rawEvent, error) {
	var envelope struct {
		EventData struct {
			Event     string  `json:"event"`
			Severity  string  `json:"severity"`
			Recipient string  `json:"recipient"`
			Timestamp float64 `json:"timestamp"`
			Message   struct {
				Headers struct {
					MessageID string `json:"message-id"`
				} `json:"headers"`
			} `json:"message"`
			UserVariables map[string]string `json:"user-variables"`
		} `json:"event-data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	data := envelope.EventData
	ev := rawEvent{
		Name:      data.Event,
		MessageID: data.Message.Headers.MessageID,
		Recipient: data.Recipient,
		Timestamp: time.Unix(int64(data.Timestamp), 0),
		Metadata:  data.UserVariables,
	}
	if data.UserVariables != nil {
		ev.CampaignID = data.UserVariables["campaign_id"]
		ev.TenantID = data.UserVariables["tenant_id"]
	}
	if data.Event == "failed" {
		switch data.Severity {
		case "permanent":
			ev.BounceClass = mail.BouncePermanent
		case "temporary":
			ev.BounceClass = mail.BounceTransient
		default:
			ev.BounceClass = mail.BounceUndetermined
		}
	}
	return []rawEvent{ev}, nil
}

// parseSES handles SES event publishing notifications.
func parseSES(body []byte) ([]rawEvent, error) {
	var notification struct {
		EventType string `json:"eventType"`
		Mail      struct {
			MessageID   string            `json:"messageId"`
			Destination []string          `json:"destination"`
			Tags        map[string][]string `json:"tags"`
		} `json:"mail"`
		Bounce *struct {
			BounceType string `json:"bounceType"`
		} `json:"bounce"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(body, &notification); err != nil {
		return nil, err
	}

	ev := rawEvent{
		Name:      notification.EventType,
		MessageID: notification.Mail.MessageID,
		Timestamp: notification.Timestamp,
	}
	if len(notification.Mail.Destination) > 0 {
		ev.Recipient = notification.Mail.Destination[0]
	}
	if tags := notification.Mail.Tags; tags != nil {
		if v := tags["campaign_id"]; len(v) > 0 {
			ev.CampaignID = v[0]
		}
		if v := tags["tenant_id"]; len(v) > 0 {
			ev.TenantID = v[0]
		}
	}
	if notification.Bounce != nil {
		switch notification.Bounce.BounceType {
		case "Permanent":
			ev.BounceClass = mail.BouncePermanent
		case "Transient":
			ev.BounceClass = mail.BounceTransient
		default:
			ev.BounceClass = mail.BounceUndetermined
		}
	}
	return []rawEvent{ev}, nil
}

// genericEvent is the payload shape for the manual provider path.
type genericEvent struct {
	Event       string            `json:"event"`
	MessageID   string            `json:"message_id"`
	Recipient   string            `json:"recipient"`
	CampaignID  string            `json:"campaign_id"`
	TenantID    string            `json:"tenant_id"`
	Timestamp   int64             `json:"timestamp"`
	BounceClass string            `json:"bounce_class"`
	Metadata    map[string]string `json:"metadata"`
}

// parseGeneric accepts a single event object or an array of them.
func parseGeneric(body []byte) ([]rawEvent, error) {
	var list []genericEvent
	if err := json.Unmarshal(body, &list); err != nil {
		var single genericEvent
		if err := json.Unmarshal(body, &single); err != nil {
			return nil, err
		}
		list = []genericEvent{single}
	}

	out := make([]rawEvent, 0, len(list))
	for _, g := range list {
		ev := rawEvent{
			Name:       g.Event,
			MessageID:  g.MessageID,
			Recipient:  g.Recipient,
			CampaignID: g.CampaignID,
			TenantID:   g.TenantID,
			Metadata:   g.Metadata,
		}
		if g.Timestamp > 0 {
			ev.Timestamp = time.Unix(g.Timestamp, 0)
		}
		switch g.BounceClass {
		case "permanent":
			ev.BounceClass = mail.BouncePermanent
		case "transient":
			ev.BounceClass = mail.BounceTransient
		case "":
		default:
			ev.BounceClass = mail.BounceUndetermined
		}
		out = append(out, ev)
	}
	return out, nil
}
