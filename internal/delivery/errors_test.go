package delivery

import (
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{name: "chat not found", err: tele.NewError(400, "Bad Request: chat not found"), want: ReasonUnreachable},
		{name: "blocked", err: tele.NewError(403, "Forbidden: bot was blocked by the user"), want: ReasonForbidden},
		{name: "kicked", err: tele.NewError(403, "Forbidden: bot was kicked from the supergroup chat"), want: ReasonForbidden},
		{name: "unauthorized", err: tele.NewError(401, "Unauthorized"), want: ReasonForbidden},
		{name: "too long", err: tele.NewError(400, "Bad Request: message is too long"), want: ReasonRejected},
		{name: "empty", err: tele.NewError(400, "Bad Request: message text is empty"), want: ReasonRejected},
		{name: "server error", err: tele.NewError(502, "Bad Gateway"), want: ReasonTransport},
		{name: "flood", err: tele.FloodError{RetryAfter: 3}, want: ReasonTransport},
		{name: "plain error", err: errors.New("dial tcp: connection refused"), want: ReasonTransport},
		{name: "wrapped api error", err: fmt.Errorf("send: %w", tele.NewError(403, "Forbidden")), want: ReasonForbidden},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			de := classify(tt.err)
			if de == nil {
				t.Fatal("classify returned nil for non-nil error")
			}
			if de.Reason != tt.want {
				t.Fatalf("Reason = %s, want %s", de.Reason, tt.want)
			}
			if ReasonOf(de) != tt.want {
				t.Fatalf("ReasonOf = %s, want %s", ReasonOf(de), tt.want)
			}
			if !errors.Is(de, tt.err) && de.Err == nil {
				t.Fatal("classified error lost its cause")
			}
		})
	}
}

func TestParseDestination(t *testing.T) {
	t.Parallel()
	if _, err := parseDestination("-1001234567890"); err != nil {
		t.Fatalf("valid destination rejected: %v", err)
	}
	_, err := parseDestination("not-a-chat")
	if err == nil {
		t.Fatal("expected error for malformed destination")
	}
	if ReasonOf(err) != ReasonUnreachable {
		t.Fatalf("reason = %s, want unreachable", ReasonOf(err))
	}
}
