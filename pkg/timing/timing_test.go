package timing_test

import (
	"testing"
	"time"

	"github.com/relayhq/mitmproxy/pkg/timing"
)

func TestTimerCapturesPhases(t *testing.T) {
	timer := timing.NewTimer()

	timer.StartDNS()
	time.Sleep(time.Millisecond)
	timer.EndDNS()

	timer.StartTCP()
	time.Sleep(time.Millisecond)
	timer.EndTCP()

	timer.StartTLS()
	time.Sleep(time.Millisecond)
	timer.EndTLS()

	timer.StartTTFB()
	time.Sleep(time.Millisecond)
	timer.EndTTFB()

	m := timer.Metrics()
	if m.DNSLookup <= 0 {
		t.Fatalf("expected positive DNSLookup, got %v", m.DNSLookup)
	}
	if m.TCPConnect <= 0 {
		t.Fatalf("expected positive TCPConnect, got %v", m.TCPConnect)
	}
	if m.TLSHandshake <= 0 {
		t.Fatalf("expected positive TLSHandshake, got %v", m.TLSHandshake)
	}
	if m.TTFB <= 0 {
		t.Fatalf("expected positive TTFB, got %v", m.TTFB)
	}
	if m.TotalTime < m.DNSLookup {
		t.Fatalf("expected TotalTime >= DNSLookup")
	}
}

func TestTimerSkippedPhasesAreZero(t *testing.T) {
	timer := timing.NewTimer()
	m := timer.Metrics()

	if m.DNSLookup != 0 || m.TCPConnect != 0 || m.TLSHandshake != 0 || m.TTFB != 0 {
		t.Fatalf("expected all phases zero, got %+v", m)
	}
}

func TestConnectionTime(t *testing.T) {
	m := timing.Metrics{
		DNSLookup:    10 * time.Millisecond,
		TCPConnect:   20 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		TTFB:         40 * time.Millisecond,
	}
	if got, want := m.ConnectionTime(), 60*time.Millisecond; got != want {
		t.Fatalf("ConnectionTime() = %v, want %v", got, want)
	}
}
