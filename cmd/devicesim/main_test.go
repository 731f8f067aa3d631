package main

import (
	"context"
	"testing"
	"time"
)

func TestParseFlags_Defaults(t *testing.T) {
	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.listen != ":5683" {
		t.Errorf("listen = %q, want %q", opts.listen, ":5683")
	}
	if opts.tick != time.Second {
		t.Errorf("tick = %v, want 1s", opts.tick)
	}
}

func TestParseFlags_Overrides(t *testing.T) {
	opts, err := parseFlags([]string{"-listen", "127.0.0.1:0", "-temperature", "30", "-led", "-latency", "50ms"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if opts.listen != "127.0.0.1:0" || opts.temperature != 30 || !opts.ledOn || opts.latency != 50*time.Millisecond {
		t.Errorf("parseFlags() = %+v", opts)
	}
}

func TestParseFlags_RejectsBadTick(t *testing.T) {
	if _, err := parseFlags([]string{"-tick", "0s"}); err == nil {
		t.Error("parseFlags() expected error for zero tick")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"-listen", "127.0.0.1:0", "-log-level", "error"})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run() did not return after cancel")
	}
}
