package apperr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesWrappedErrors(t *testing.T) {
	base := NotFound("voice", "agent", "999")
	wrapped := fmt.Errorf("lookup: %w", base)

	if !Is(wrapped, KindNotFound) {
		t.Fatal("expected wrapped error to match KindNotFound")
	}
	if Is(wrapped, KindUpstream) {
		t.Fatal("did not expect KindUpstream match")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("plain errors have no kind")
	}
}

func TestUpstreamKeepsProviderDetails(t *testing.T) {
	cause := errors.New("boom")
	err := Upstream("dial", "21211", 400, "Invalid 'To' Phone Number", cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be unwrapped")
	}
	msg := err.Error()
	if !strings.Contains(msg, "21211") || !strings.Contains(msg, "Invalid 'To' Phone Number") {
		t.Fatalf("unexpected message: %s", msg)
	}
}
