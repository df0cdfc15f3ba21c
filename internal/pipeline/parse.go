package pipeline

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/linnemanlabs/sentinel/internal/event"
)

var highKeywords = []string{
	"urgent", "asap", "deadline", "risk", "problem",
	"payment", "contract", "sign", "approve", "alert",
}

// ClassifyTrigger returns high when the content mentions an urgent keyword,
// medium for remaining direct messages (email, whatsapp) and low otherwise.
func ClassifyTrigger(ev event.Event) event.Priority {
	content := strings.ToLower(ev.Content)
	for _, kw := range highKeywords {
		if strings.Contains(content, kw) {
			return event.PriorityHigh
		}
	}
	switch ev.Type {
	case event.TypeEmail, event.TypeWhatsApp:
		return event.PriorityMedium
	default:
		return event.PriorityLow
	}
}

var fencedJSON = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)\\s*```")

// parseResponse decodes the model's JSON reply. Replies wrapped in a code
// fence are unwrapped; anything that still fails to decode becomes the
// analysis text.
func parseResponse(raw string) *Response {
	var r Response
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		m := fencedJSON.FindStringSubmatch(raw)
		if m == nil || json.Unmarshal([]byte(m[1]), &r) != nil {
			r = Response{Analysis: raw}
		}
	}
	for i := range r.Alerts {
		if r.Alerts[i].Tier < TierUrgent || r.Alerts[i].Tier > TierInfo {
			r.Alerts[i].Tier = TierInfo
		}
		if strings.TrimSpace(r.Alerts[i].Title) == "" {
			r.Alerts[i].Title = "Untitled alert"
		}
	}
	r.Raw = raw
	return &r
}
