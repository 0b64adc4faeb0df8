//go:build unix

package job

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/dshills/jobcontinue/job/store"
)

func TestNotifySignals(t *testing.T) {
	ctx := context.Background()
	flag, stop := NotifySignals(ctx, syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !flag.Interrupted() {
		if time.Now().After(deadline) {
			t.Fatal("signal did not set the flag")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	stop()
}

func TestNotifySignals_InterruptsRun(t *testing.T) {
	ctx := context.Background()
	flag, stop := NotifySignals(ctx, syscall.SIGUSR1)
	defer stop()

	def := countingDefinition(t, 5, func(_ context.Context, v int, _ struct{}) error {
		if v == 2 {
			if err := syscall.Kill(syscall.Getpid(), syscall.SIGUSR1); err != nil {
				return err
			}
			deadline := time.Now().Add(2 * time.Second)
			for !flag.Interrupted() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
		}
		return nil
	})
	engine := mustEngine(t, def, store.NewMemStore())

	res := engine.Run(ctx, "sig", struct{}{}, flag)
	if res.Status != Interrupted {
		t.Fatalf("expected Interrupted, got %v (%v)", res.Status, res.Err)
	}
	if c := cursorOf(t, res.Token.Cursor); c != 2 {
		t.Errorf("cursor = %d, want 2", c)
	}
}
