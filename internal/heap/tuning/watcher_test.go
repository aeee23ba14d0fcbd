package tuning

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTuningFile(t *testing.T, path string, m mutableSnapshot) {
	t.Helper()

	payload, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestWatchFileLoadsInitialContentsSynchronously(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")

	writeTuningFile(t, path, mutableSnapshot{UseRescanMap: false, SafepointSpinBeforeYield: 7})

	live := NewLive(Default())

	w, err := WatchFile(path, live)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	got := live.Snapshot()
	if got.UseRescanMap || got.SafepointSpinBeforeYield != 7 {
		t.Fatalf("WatchFile did not load the file's initial contents synchronously: %+v", got)
	}
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.json")

	writeTuningFile(t, path, mutableSnapshot{SafepointSpinBeforeYield: 1})

	live := NewLive(Default())

	w, err := WatchFile(path, live)
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	writeTuningFile(t, path, mutableSnapshot{SafepointSpinBeforeYield: 99})

	deadline := time.Now().Add(2 * time.Second)

	for time.Now().Before(deadline) {
		if live.Snapshot().SafepointSpinBeforeYield == 99 {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("tuning file rewrite was not picked up by the watcher within the deadline")
}
