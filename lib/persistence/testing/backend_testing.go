package testing

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/ValentinKolb/dGrid/lib/persistence"
)

// BackendFactory creates a new, empty backend instance
type BackendFactory func(t *testing.T) persistence.Backend

// ReopenFactory opens the same durable medium every time it is called
type ReopenFactory func() persistence.Backend

// RunBackendTests runs the conformance suite every persistence backend has to pass
func RunBackendTests(t *testing.T, name string, factory BackendFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Store&Load", func(t *testing.T) {
			testStoreLoad(t, factory(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory(t))
		})

		t.Run("Contains", func(t *testing.T) {
			testContains(t, factory(t))
		})

		t.Run("Scan", func(t *testing.T) {
			testScan(t, factory(t))
		})

		t.Run("ScanStop", func(t *testing.T) {
			testScanStop(t, factory(t))
		})

		t.Run("Batch", func(t *testing.T) {
			testBatch(t, factory(t))
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory(t))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, factory(t))
		})
	})
}

// RunDurabilityTests checks that data written before Close is visible after reopening
func RunDurabilityTests(t *testing.T, name string, open ReopenFactory) {
	t.Run(name+"/Reopen", func(t *testing.T) {
		b := open()
		for i := 0; i < 50; i++ {
			mustStore(t, b, fmt.Sprintf("key-%03d", i), []byte(fmt.Sprintf("value-%d", i)))
		}
		mustStore(t, b, "key-007", []byte("overwritten"))
		if err := b.Delete("key-010"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		b = open()
		defer b.Close()
		if got := scanAll(t, b); len(got) != 49 {
			t.Errorf("Expected 49 keys after reopen, got %d", len(got))
		}
		data, ok, err := b.Load("key-007")
		if err != nil || !ok || string(data) != "overwritten" {
			t.Errorf("Expected overwritten value after reopen, got %q (found=%v, err=%v)", data, ok, err)
		}
		if ok, _ := b.Contains("key-010"); ok {
			t.Errorf("Deleted key must stay deleted after reopen")
		}
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func mustStore(t *testing.T, b persistence.Backend, key string, data []byte) {
	t.Helper()
	if err := b.Store(key, data); err != nil {
		t.Fatalf("Store(%q) failed: %v", key, err)
	}
}

func scanAll(t *testing.T, b persistence.Backend) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	if err := b.Scan(func(key string, data []byte) error {
		out[key] = append([]byte(nil), data...)
		return nil
	}); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testStoreLoad(t *testing.T, b persistence.Backend) {
	defer b.Close()

	mustStore(t, b, "test-key", []byte("value1"))
	data, ok, err := b.Load("test-key")
	if err != nil || !ok {
		t.Fatalf("Expected key to exist after Store (err=%v)", err)
	}
	if !bytes.Equal(data, []byte("value1")) {
		t.Errorf("Expected value1, got %s", data)
	}

	mustStore(t, b, "test-key", []byte("value2"))
	data, _, _ = b.Load("test-key")
	if !bytes.Equal(data, []byte("value2")) {
		t.Errorf("Expected value2 after overwrite, got %s", data)
	}

	data[0] = 'X'
	again, _, _ := b.Load("test-key")
	if bytes.Equal(data, again) {
		t.Errorf("Load should return a copy, not a reference to the stored value")
	}

	if _, ok, err := b.Load("nonexistent-key"); ok || err != nil {
		t.Errorf("Expected nonexistent key to be absent without error, got found=%v err=%v", ok, err)
	}
}

func testDelete(t *testing.T, b persistence.Backend) {
	defer b.Close()

	mustStore(t, b, "test-key", []byte("value"))
	if err := b.Delete("test-key"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok, _ := b.Load("test-key"); ok {
		t.Errorf("Expected key to be gone after Delete")
	}
	if err := b.Delete("nonexistent-key"); err != nil {
		t.Errorf("Deleting a missing key must not fail: %v", err)
	}
}

func testContains(t *testing.T, b persistence.Backend) {
	defer b.Close()

	if ok, err := b.Contains("test-key"); ok || err != nil {
		t.Errorf("Expected Contains=false on empty backend, got %v (err=%v)", ok, err)
	}
	mustStore(t, b, "test-key", []byte("value"))
	if ok, err := b.Contains("test-key"); !ok || err != nil {
		t.Errorf("Expected Contains=true after Store, got %v (err=%v)", ok, err)
	}
}

func testScan(t *testing.T, b persistence.Backend) {
	defer b.Close()

	want := make(map[string]string)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%03d", i)
		want[key] = fmt.Sprintf("value-%d", i)
		mustStore(t, b, key, []byte(want[key]))
	}
	_ = b.Delete("key-050")
	delete(want, "key-050")

	got := scanAll(t, b)
	if len(got) != len(want) {
		t.Fatalf("Expected %d keys from Scan, got %d", len(want), len(got))
	}
	for key, value := range want {
		if string(got[key]) != value {
			t.Errorf("Scan returned %q for %s, expected %q", got[key], key, value)
		}
	}
}

func testScanStop(t *testing.T, b persistence.Backend) {
	defer b.Close()

	for i := 0; i < 10; i++ {
		mustStore(t, b, fmt.Sprintf("key-%d", i), []byte("v"))
	}
	seen := 0
	err := b.Scan(func(string, []byte) error {
		seen++
		if seen == 3 {
			return persistence.ErrStopScan
		}
		return nil
	})
	if err != nil {
		t.Errorf("ErrStopScan must end the scan without error, got %v", err)
	}
	if seen != 3 {
		t.Errorf("Expected scan to stop after 3 keys, saw %d", seen)
	}

	boom := fmt.Errorf("boom")
	if err := b.Scan(func(string, []byte) error { return boom }); err == nil {
		t.Errorf("Callback errors must be returned by Scan")
	}
}

func testBatch(t *testing.T, b persistence.Backend) {
	defer b.Close()

	bw, ok := b.(persistence.BatchWriter)
	if !ok {
		t.Skip()
	}
	mustStore(t, b, "gone", []byte("x"))
	err := bw.StoreBatch([]persistence.BatchOp{
		{Key: "a", Data: []byte("1")},
		{Key: "b", Data: []byte("2")},
		{Key: "gone"},
		{Key: "a", Data: []byte("3")},
	})
	if err != nil {
		t.Fatalf("StoreBatch failed: %v", err)
	}

	got := scanAll(t, b)
	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if fmt.Sprint(keys) != "[a b]" {
		t.Errorf("Expected keys [a b] after batch, got %v", keys)
	}
	if string(got["a"]) != "3" {
		t.Errorf("Later batch ops must win, got %q", got["a"])
	}
}

func testEdgeCases(t *testing.T, b persistence.Backend) {
	defer b.Close()

	mustStore(t, b, "", []byte("empty key"))
	if data, ok, _ := b.Load(""); !ok || string(data) != "empty key" {
		t.Errorf("Empty key must be storable, got %q (found=%v)", data, ok)
	}

	large := bytes.Repeat([]byte("x"), 1<<20)
	mustStore(t, b, "large", large)
	if data, _, _ := b.Load("large"); !bytes.Equal(data, large) {
		t.Errorf("Large value corrupted, got %d bytes", len(data))
	}

	binary := []byte{0, 1, 2, 0xff, 0, 0xfe}
	mustStore(t, b, "bin\x00key", binary)
	if data, _, _ := b.Load("bin\x00key"); !bytes.Equal(data, binary) {
		t.Errorf("Binary data corrupted: %v", data)
	}
}

func testConcurrent(t *testing.T, b persistence.Backend) {
	defer b.Close()

	const workers, perWorker = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if err := b.Store(key, []byte(key)); err != nil {
					t.Errorf("concurrent Store failed: %v", err)
					return
				}
				if _, _, err := b.Load(key); err != nil {
					t.Errorf("concurrent Load failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := scanAll(t, b); len(got) != workers*perWorker {
		t.Errorf("Expected %d keys, got %d", workers*perWorker, len(got))
	}
}
