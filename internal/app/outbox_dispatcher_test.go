package app

import "testing"

func TestRetryDelaySeconds_BacksOffExponentially(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 2, want: 4},
		{attempt: 5, want: 32},
		{attempt: 8, want: 256},
		{attempt: 12, want: 256},
	}

	for _, tt := range tests {
		got := retryDelaySeconds(tt.attempt)
		if got != tt.want {
			t.Fatalf("retryDelaySeconds(%d) = %d, want %d", tt.attempt, got, tt.want)
		}
	}
}

func TestNewOutboxDispatcher_AppliesDefaults(t *testing.T) {
	dispatcher := NewOutboxDispatcher(nil, "amqp://localhost:5672")

	if dispatcher.batchSize != defaultBatchSize {
		t.Fatalf("expected batch size %d, got %d", defaultBatchSize, dispatcher.batchSize)
	}
	if dispatcher.pollInterval != defaultPollInterval {
		t.Fatalf("expected poll interval %s, got %s", defaultPollInterval, dispatcher.pollInterval)
	}
	if dispatcher.staleProcessingTime != defaultStaleProcessing {
		t.Fatalf("expected stale processing window %s, got %s", defaultStaleProcessing, dispatcher.staleProcessingTime)
	}
}
