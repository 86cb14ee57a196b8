package branchlock

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLockSerializesSameBranch(t *testing.T) {
	l := New()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "models/acme/bert", "main")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			maxSeen = max(maxSeen, inside)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Fatalf("idle locks not dropped: %d", len(l.locks))
	}
}

func TestLockDifferentBranchesIndependent(t *testing.T) {
	l := New()
	ctx := context.Background()
	unlockMain, err := l.Lock(ctx, "r", "main")
	if err != nil {
		t.Fatalf("Lock main: %v", err)
	}
	defer unlockMain()

	unlockDev, err := l.Lock(ctx, "r", "dev")
	if err != nil {
		t.Fatalf("Lock dev: %v", err)
	}
	unlockDev()
}

func TestLockHonoursContext(t *testing.T) {
	l := New()
	unlock, err := l.Lock(context.Background(), "r", "main")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "r", "main"); err == nil {
		t.Fatalf("expected context error while branch is held")
	}
	unlock()
	unlock() // second call is a no-op
	if _, err := l.Lock(context.Background(), "r", "main"); err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
}
