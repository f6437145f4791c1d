package pipeline

import (
	"strings"

	"github.com/WilledMercury75/Ledger-Email-Client/pkg/models"
)

// Transform is one pure processing step over an inbound message: it
// returns the (possibly modified) message and whether to keep it. Steps
// never have side effects; rejection just drops the message before the
// sink sees it.
type Transform func(models.Message) (models.Message, bool)

// Chain composes transforms left to right, stopping at the first reject.
func Chain(steps ...Transform) Transform {
	return func(msg models.Message) (models.Message, bool) {
		for _, step := range steps {
			var keep bool
			msg, keep = step(msg)
			if !keep {
				return msg, false
			}
		}
		return msg, true
	}
}

var defaultSpamKeywords = []string{
	"viagra", "lottery", "winner", "prince", "inheritance",
	"click here", "free money", "congratulations", "urgent",
}

// SpamFilter rejects messages whose subject or body matches a keyword.
// A nil keyword list uses the defaults.
func SpamFilter(keywords []string) Transform {
	if keywords == nil {
		keywords = defaultSpamKeywords
	}
	return func(msg models.Message) (models.Message, bool) {
		content := strings.ToLower(msg.Subject + " " + msg.Body)
		for _, kw := range keywords {
			if strings.Contains(content, kw) {
				return msg, false
			}
		}
		return msg, true
	}
}

// AutoTagger prepends a delivery-method tag to the subject so folder views
// show how a message arrived.
func AutoTagger() Transform {
	return func(msg models.Message) (models.Message, bool) {
		var tag string
		switch msg.DeliveryMethod {
		case models.DeliveryP2P:
			tag = "[P2P] "
		case models.DeliveryGmail:
			tag = "[Gmail] "
		case models.DeliveryFallback:
			tag = "[Fallback] "
		}
		if tag != "" && !strings.HasPrefix(msg.Subject, strings.TrimSpace(tag)) {
			msg.Subject = tag + msg.Subject
		}
		return msg, true
	}
}
