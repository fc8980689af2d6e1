package llm

import (
	"errors"
	"net"
	"testing"

	"github.com/linnemanlabs/beacon/internal/incident"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	base := errors.New("api error")
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection reset by peer")}

	tests := []struct {
		name      string
		status    int
		err       error
		transient bool
	}{
		{"rate limited", 429, base, true},
		{"overloaded", 529, base, true},
		{"bad gateway", 502, base, true},
		{"request timeout", 408, base, true},
		{"bad request", 400, base, false},
		{"unauthorized", 401, base, false},
		{"connection reset", 0, netErr, true},
		{"plain error", 0, base, false},
	}
	for _, tt := range tests {
		got := Classify(tt.status, tt.err)
		if incident.IsTransient(got) != tt.transient {
			t.Errorf("%s: transient = %v, want %v", tt.name, !tt.transient, tt.transient)
		}
		if !errors.Is(got, tt.err) {
			t.Errorf("%s: classified error lost its cause", tt.name)
		}
	}
	if Classify(500, nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}
