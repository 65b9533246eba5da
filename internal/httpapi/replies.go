package httpapi

import "strings"

// CannedReplies holds the fixed texts the webhook answers with when there is
// no model reply to return. {phone} and {link} are substituted on render.
type CannedReplies struct {
	Welcome      string `mapstructure:"welcome"`
	Deferred     string `mapstructure:"deferred"`
	Unsupported  string `mapstructure:"unsupported"`
	ContactPhone string `mapstructure:"contact_phone"`
}

func DefaultCannedReplies() CannedReplies {
	return CannedReplies{
		Welcome: "Thanks for following! Send any message to start a conversation. " +
			"Start a message with \".\" to switch to a new topic, or with \";\" for a precise answer. " +
			"Questions? Call {phone}.",
		Deferred:    "This answer is taking a little longer. Open {link} to read it once it is ready.",
		Unsupported: "Sorry, only text, voice and link messages are supported for now.",
	}
}

func (c CannedReplies) withDefaults() CannedReplies {
	defaults := DefaultCannedReplies()
	if strings.TrimSpace(c.Welcome) == "" {
		c.Welcome = defaults.Welcome
	}
	if strings.TrimSpace(c.Deferred) == "" {
		c.Deferred = defaults.Deferred
	}
	if strings.TrimSpace(c.Unsupported) == "" {
		c.Unsupported = defaults.Unsupported
	}
	return c
}

func (c CannedReplies) render(text, link string) string {
	phone := strings.TrimSpace(c.ContactPhone)
	if phone == "" {
		phone = "us"
	}
	return strings.NewReplacer("{phone}", phone, "{link}", link).Replace(text)
}
