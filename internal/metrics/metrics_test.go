package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	ObserveJob("test_outcome")
	ObserveRecord("test_outcome")
	ObserveRetry("TransientFetchError")
	ObserveDeadLetter("ValidationError")
	ObserveStage("fetch", 20*time.Millisecond)

	if val := testutil.ToFloat64(jobsTotal.WithLabelValues("test_outcome")); val != 1 {
		t.Errorf("expected jobsTotal to be 1, got %f", val)
	}
	if val := testutil.ToFloat64(deadLettersTotal.WithLabelValues("ValidationError")); val != 1 {
		t.Errorf("expected deadLettersTotal to be 1, got %f", val)
	}
	if val := testutil.CollectAndCount(stageDurationSeconds); val != 1 {
		t.Errorf("expected one stage series, got %d", val)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers) - before; got != 1 {
		t.Errorf("expected gauge delta 1, got %f", got)
	}
}

func FuzzSanitizeHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
