package herrors

import (
	"strings"
	"testing"
)

func TestNewCapturesCategoryAndMessage(t *testing.T) {
	err := New(CategoryMemory, "SOME_CODE", "something went wrong", map[string]interface{}{"n": 3})

	if err.Category != CategoryMemory || err.Code != "SOME_CODE" {
		t.Fatalf("got category=%v code=%v", err.Category, err.Code)
	}

	msg := err.Error()
	if !strings.Contains(msg, "MEMORY") || !strings.Contains(msg, "SOME_CODE") || !strings.Contains(msg, "something went wrong") {
		t.Fatalf("Error() = %q, missing expected fields", msg)
	}

	if !strings.Contains(msg, "TestNewCapturesCategoryAndMessage") {
		t.Fatalf("Error() = %q, should name its caller", msg)
	}
}

func TestOutOfHeapAndOutOfRegions(t *testing.T) {
	heapErr := OutOfHeap("gen0", 4)
	if heapErr.Category != CategoryMemory || heapErr.Code != "OUT_OF_HEAP" {
		t.Fatalf("OutOfHeap category/code = %v/%v", heapErr.Category, heapErr.Code)
	}

	regionErr := OutOfRegions(2)
	if regionErr.Category != CategoryRegion || regionErr.Code != "OUT_OF_REGIONS" {
		t.Fatalf("OutOfRegions category/code = %v/%v", regionErr.Category, regionErr.Code)
	}
}

func TestVersionMismatch(t *testing.T) {
	err := VersionMismatch("2.0.0", "^1.0.0")

	if err.Category != CategoryVersion {
		t.Fatalf("VersionMismatch category = %v, want CategoryVersion", err.Category)
	}

	if !strings.Contains(err.Error(), "2.0.0") || !strings.Contains(err.Error(), "^1.0.0") {
		t.Fatalf("Error() = %q, should mention both the version and the constraint", err.Error())
	}
}

func TestFatalPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Fatal should panic")
		}

		err, ok := r.(*HeapError)
		if !ok {
			t.Fatalf("panic value = %T, want *HeapError", r)
		}

		if err.Category != CategoryInvariant || err.Code != "DOUBLE_FREE" {
			t.Fatalf("panic value category/code = %v/%v", err.Category, err.Code)
		}
	}()

	Fatal(CategoryInvariant, "DOUBLE_FREE", "region freed twice", map[string]interface{}{"region": 7})
}
