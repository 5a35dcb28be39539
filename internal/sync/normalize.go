package sync

import (
	"net/mail"
	"strings"
	"time"

	"github.com/skylarkhq/mailsync-infra/internal/mailbox"
)

// NormalizedMessage is the canonical message shape produced from a
// provider-shaped raw message. Direction is assigned later, during
// ingestion, because it depends on the account identity.
type NormalizedMessage struct {
	MessageID  string
	ThreadID   string
	Sender     string
	Recipients []string
	Subject    string
	BodyHTML   string
	BodyText   string
	ReceivedAt time.Time
}

// Normalize maps a raw provider message into its canonical form. It performs
// no I/O and has no side effects.
func Normalize(raw *mailbox.RawMessage) NormalizedMessage {
	recipients := splitAddrs(raw.Headers["To"])
	recipients = append(recipients, splitAddrs(raw.Headers["Cc"])...)

	return NormalizedMessage{
		MessageID:  raw.ID,
		ThreadID:   raw.ThreadID,
		Sender:     extractAddress(raw.Headers["From"]),
		Recipients: recipients,
		Subject:    raw.Headers["Subject"],
		BodyHTML:   raw.BodyHTML,
		BodyText:   raw.BodyText,
		ReceivedAt: raw.InternalDate,
	}
}

// extractAddress reduces a display-form header value ("Ada L. <ada@x.io>")
// to its bare addr-spec. Unparseable values pass through trimmed, so a
// malformed sender still compares deterministically.
func extractAddress(headerValue string) string {
	addr, err := mail.ParseAddress(headerValue)
	if err != nil {
		return strings.TrimSpace(headerValue)
	}
	return addr.Address
}

// splitAddrs parses a comma-separated address header into bare addresses.
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		result := make([]string, 0, len(list))
		for _, a := range list {
			result = append(result, a.Address)
		}
		return result
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
