package webhook

import "github.com/ignite/mailflow/internal/mail"

// Vocabulary maps one provider's event names onto the canonical vocabulary.
// Kept as data so adding a provider never touches the event processor.
type Vocabulary map[string]mail.EventType

// Translate resolves a vendor event name. ok=false means the name is
// unrecognized; ingestion logs and drops such events without error.
func (v Vocabulary) Translate(vendorName string) (mail.EventType, bool) {
	t, ok := v[vendorName]
	return t, ok
}

// sparkpostVocab covers SparkPost message, track, and unsubscribe events.
var sparkpostVocab = Vocabulary{
	"injection":        mail.EventSent,
	"delivery":         mail.EventDelivered,
	"bounce":           mail.EventBounced,
	"out_of_band":      mail.EventBounced,
	"spam_complaint":   mail.EventComplained,
	"initial_open":     mail.EventOpened,
	"open":             mail.EventOpened,
	"click":            mail.EventClicked,
	"list_unsubscribe": mail.EventUnsubscribed,
	"link_unsubscribe": mail.EventUnsubscribed,
}

// mailgunVocab covers Mailgun event-data names. "failed" severity decides
// the bounce class at parse time.
var mailgunVocab = Vocabulary{
	"accepted":     mail.EventSent,
	"delivered":    mail.EventDelivered,
	"failed":       mail.EventBounced,
	"complained":   mail.EventComplained,
	"opened":       mail.EventOpened,
	"clicked":      mail.EventClicked,
	"unsubscribed": mail.EventUnsubscribed,
}

// sesVocab covers SES notification types.
var sesVocab = Vocabulary{
	"Send":      mail.EventSent,
	"Delivery":  mail.EventDelivered,
	"Bounce":    mail.EventBounced,
	"Complaint": mail.EventComplained,
	"Open":      mail.EventOpened,
	"Click":     mail.EventClicked,
}

// genericVocab is the vocabulary for the manual/generic provider path. It
// accepts both canonical names and the common vendor aliases.
var genericVocab = Vocabulary{
	"sent":         mail.EventSent,
	"processed":    mail.EventSent,
	"delivered":    mail.EventDelivered,
	"delivery":     mail.EventDelivered,
	"bounce":       mail.EventBounced,
	"bounced":      mail.EventBounced,
	"dropped":      mail.EventBounced,
	"complained":   mail.EventComplained,
	"complaint":    mail.EventComplained,
	"spamreport":   mail.EventComplained,
	"open":         mail.EventOpened,
	"opened":       mail.EventOpened,
	"click":        mail.EventClicked,
	"clicked":      mail.EventClicked,
	"unsubscribe":  mail.EventUnsubscribed,
	"unsubscribed": mail.EventUnsubscribed,
}
