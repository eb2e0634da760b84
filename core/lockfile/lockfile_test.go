package lockfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/complykit/casereview/core/errors"
)

func TestAcquireReleaseRemovesLockFile(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Options{})

	lock, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, LockFileName)); statErr != nil {
		t.Fatalf("expected lock file: %v", statErr)
	}
	lock.Release()
	if _, statErr := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("expected lock file removed, stat err: %v", statErr)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Options{})

	lock, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lock.Release()
	lock.Release()

	again, err := manager.Acquire(dir, "op-2")
	if err != nil {
		t.Fatalf("reacquire after double release: %v", err)
	}
	again.Release()
}

func TestSecondOwnerTimesOut(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Options{Timeout: 150 * time.Millisecond, Retry: 20 * time.Millisecond})

	first, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer first.Release()

	other := NewManager(Options{Timeout: 150 * time.Millisecond, Retry: 20 * time.Millisecond})
	_, err = other.Acquire(dir, "op-2")
	if err == nil {
		t.Fatal("expected lock timeout")
	}
	if errors.CategoryOf(err) != errors.CategoryStateContention {
		t.Fatalf("unexpected category: %s", errors.CategoryOf(err))
	}
	if errors.CodeOf(err) != "lock_timeout" {
		t.Fatalf("unexpected code: %s", errors.CodeOf(err))
	}
	if !errors.RetryableOf(err) {
		t.Fatal("expected retryable")
	}
}

func TestFailFastReturnsBusy(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Options{})

	first, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer first.Release()

	other := NewManager(Options{FailFast: true})
	started := time.Now()
	_, err = other.Acquire(dir, "op-2")
	if err == nil {
		t.Fatal("expected busy")
	}
	if errors.CodeOf(err) != "busy" {
		t.Fatalf("unexpected code: %s", errors.CodeOf(err))
	}
	if time.Since(started) > time.Second {
		t.Fatal("fail-fast acquire blocked")
	}
}

func TestReentrantAcquireBySameOwner(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(Options{})

	outer, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("outer acquire: %v", err)
	}
	inner, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("nested acquire by same owner: %v", err)
	}

	inner.Release()
	if _, statErr := os.Stat(filepath.Join(dir, LockFileName)); statErr != nil {
		t.Fatalf("lock file must survive inner release: %v", statErr)
	}
	outer.Release()
	if _, statErr := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(statErr) {
		t.Fatalf("lock file must be gone after outer release, stat err: %v", statErr)
	}
}

func TestStaleLockIsRecovered(t *testing.T) {
	dir := t.TempDir()
	stale := lockMetadata{
		SchemaID:      lockSchemaID,
		SchemaVersion: lockSchemaVersion,
		PID:           999999,
		Owner:         "op-dead",
		CreatedAt:     time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}
	encoded, err := json.Marshal(stale)
	if err != nil {
		t.Fatalf("marshal stale metadata: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LockFileName), encoded, 0o600); err != nil {
		t.Fatalf("write stale lock: %v", err)
	}

	manager := NewManager(Options{StaleAfter: time.Minute})
	lock, err := manager.Acquire(dir, "op-1")
	if err != nil {
		t.Fatalf("expected stale lock recovery, got: %v", err)
	}
	lock.Release()
}

func TestDifferentUnitsDoNotContend(t *testing.T) {
	manager := NewManager(Options{})
	dirA := t.TempDir()
	dirB := t.TempDir()

	lockA, err := manager.Acquire(dirA, "op-1")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer lockA.Release()

	lockB, err := manager.Acquire(dirB, "op-2")
	if err != nil {
		t.Fatalf("acquire b must not contend: %v", err)
	}
	lockB.Release()
}

func TestLockSerializesConcurrentHolders(t *testing.T) {
	dir := t.TempDir()

	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			manager := NewManager(Options{Timeout: 5 * time.Second, Retry: 5 * time.Millisecond})
			lock, err := manager.Acquire(dir, "op-"+string(rune('a'+worker)))
			if err != nil {
				t.Errorf("worker %d acquire: %v", worker, err)
				return
			}
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			lock.Release()
		}(worker)
	}
	wg.Wait()

	if maxActive != 1 {
		t.Fatalf("expected serialized holders, saw %d concurrent", maxActive)
	}
}
