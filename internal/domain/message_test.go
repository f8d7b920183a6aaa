package domain

import (
	"errors"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "queued to sending", from: StatusQueued, to: StatusSending, allowed: true},
		{name: "sending to sent", from: StatusSending, to: StatusSent, allowed: true},
		{name: "sending to failed", from: StatusSending, to: StatusFailed, allowed: true},
		{name: "sending to bounced", from: StatusSending, to: StatusBounced, allowed: true},
		{name: "sending to complained", from: StatusSending, to: StatusComplained, allowed: true},
		{name: "sent to delivered", from: StatusSent, to: StatusDelivered, allowed: true},
		{name: "sent to bounced", from: StatusSent, to: StatusBounced, allowed: true},
		{name: "delivered to opened", from: StatusDelivered, to: StatusOpened, allowed: true},
		{name: "opened to clicked", from: StatusOpened, to: StatusClicked, allowed: true},
		{name: "failed back to queued", from: StatusFailed, to: StatusQueued, allowed: true},
		{name: "queued straight to sent", from: StatusQueued, to: StatusSent, allowed: false},
		{name: "sent regressing to sending", from: StatusSent, to: StatusSending, allowed: false},
		{name: "delivered regressing to sent", from: StatusDelivered, to: StatusSent, allowed: false},
		{name: "bounced is terminal", from: StatusBounced, to: StatusQueued, allowed: false},
		{name: "complained is terminal", from: StatusComplained, to: StatusSending, allowed: false},
		{name: "clicked is terminal", from: StatusClicked, to: StatusOpened, allowed: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := CanTransition(tc.from, tc.to); got != tc.allowed {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.allowed)
			}
		})
	}
}

func TestStatusIsHardTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Status{StatusBounced, StatusComplained, StatusClicked}
	for _, status := range terminal {
		if !status.IsHardTerminal() {
			t.Errorf("%s should be hard terminal", status)
		}
	}

	nonTerminal := []Status{StatusQueued, StatusSending, StatusSent, StatusDelivered, StatusOpened, StatusFailed}
	for _, status := range nonTerminal {
		if status.IsHardTerminal() {
			t.Errorf("%s should not be hard terminal", status)
		}
	}
}

func TestParseStatusFromString(t *testing.T) {
	t.Parallel()

	status, err := ParseStatusFromString(" queued ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != StatusQueued {
		t.Fatalf("status = %s, want %s", status, StatusQueued)
	}

	if _, err := ParseStatusFromString("nonsense"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestParseCategoryFromString(t *testing.T) {
	t.Parallel()

	category, err := ParseCategoryFromString("password_reset")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if category != CategoryPasswordReset {
		t.Fatalf("category = %s, want %s", category, CategoryPasswordReset)
	}

	if _, err := ParseCategoryFromString("pigeon"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestMessageDeliverable(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		message     Message
		deliverable bool
	}{
		{name: "queued", message: Message{Status: StatusQueued}, deliverable: true},
		{name: "failed with budget", message: Message{Status: StatusFailed, RetryCount: 2, MaxAttempts: 3}, deliverable: true},
		{name: "failed exhausted", message: Message{Status: StatusFailed, RetryCount: 3, MaxAttempts: 3}, deliverable: false},
		{name: "failed default budget", message: Message{Status: StatusFailed, RetryCount: 2}, deliverable: true},
		{name: "sending", message: Message{Status: StatusSending}, deliverable: false},
		{name: "sent", message: Message{Status: StatusSent}, deliverable: false},
		{name: "bounced", message: Message{Status: StatusBounced}, deliverable: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := tc.message.Deliverable(); got != tc.deliverable {
				t.Fatalf("Deliverable() = %v, want %v", got, tc.deliverable)
			}
		})
	}
}

func TestEffectiveMaxAttempts(t *testing.T) {
	t.Parallel()

	m := Message{}
	if got := m.EffectiveMaxAttempts(); got != DefaultMaxAttempts {
		t.Fatalf("EffectiveMaxAttempts() = %d, want %d", got, DefaultMaxAttempts)
	}

	m.MaxAttempts = 5
	if got := m.EffectiveMaxAttempts(); got != 5 {
		t.Fatalf("EffectiveMaxAttempts() = %d, want 5", got)
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	valid := Message{
		Recipient: "member@example.com",
		Subject:   "Your booking is confirmed",
		HTMLBody:  "<p>See you soon.</p>",
		Category:  CategoryTransactional,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testCases := []struct {
		name   string
		mutate func(m *Message)
	}{
		{name: "missing recipient", mutate: func(m *Message) { m.Recipient = "" }},
		{name: "recipient without at sign", mutate: func(m *Message) { m.Recipient = "not-an-address" }},
		{name: "missing subject", mutate: func(m *Message) { m.Subject = "  " }},
		{name: "missing body", mutate: func(m *Message) { m.HTMLBody = ""; m.TextBody = "" }},
		{name: "invalid category", mutate: func(m *Message) { m.Category = "PIGEON" }},
		{name: "attachment without filename", mutate: func(m *Message) {
			m.Attachments = []Attachment{{Content: []byte("x")}}
		}},
		{name: "attachment without content or path", mutate: func(m *Message) {
			m.Attachments = []Attachment{{Filename: "invoice.pdf"}}
		}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m := valid
			tc.mutate(&m)
			if err := m.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
		})
	}
}
