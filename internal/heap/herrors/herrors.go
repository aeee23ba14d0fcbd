// Package herrors provides the standardized error taxonomy shared by every
// heap-manager package: recoverable allocation failures on one side,
// fatal invariant violations on the other.
package herrors

import (
	"fmt"
	"log"
	"runtime"
)

// Category classifies a HeapError for diagnostics and metrics.
type Category string

const (
	CategoryMemory    Category = "MEMORY"
	CategoryRegion    Category = "REGION"
	CategoryInvariant Category = "INVARIANT"
	CategorySafepoint Category = "SAFEPOINT"
	CategoryVersion   Category = "VERSION"
)

// HeapError is a consistently formatted, contextual error.
type HeapError struct {
	Category Category
	Code     string
	Message  string
	Context  map[string]interface{}
	Caller   string
}

func (e *HeapError) Error() string {
	return fmt.Sprintf("[%s:%s] %s (caller: %s)", e.Category, e.Code, e.Message, e.Caller)
}

// New creates a HeapError, capturing the immediate caller for diagnostics.
func New(category Category, code, message string, context map[string]interface{}) *HeapError {
	pc, _, _, ok := runtime.Caller(1)
	caller := "unknown"

	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}

	return &HeapError{
		Category: category,
		Code:     code,
		Message:  message,
		Context:  context,
		Caller:   caller,
	}
}

// OutOfHeap reports that no account had enough reserve to satisfy a request.
func OutOfHeap(owner string, requested int) *HeapError {
	return New(CategoryMemory, "OUT_OF_HEAP",
		fmt.Sprintf("account %q has insufficient reserve for %d region(s)", owner, requested),
		map[string]interface{}{"owner": owner, "requested": requested})
}

// OutOfRegions reports that the region allocator could not satisfy a
// contiguous run request.
func OutOfRegions(n int) *HeapError {
	return New(CategoryRegion, "OUT_OF_REGIONS",
		fmt.Sprintf("no contiguous run of %d free region(s) available", n),
		map[string]interface{}{"count": n})
}

// VersionMismatch reports that a region-table header's encoded version does
// not satisfy this module's supported constraint.
func VersionMismatch(got, constraint string) *HeapError {
	return New(CategoryVersion, "VERSION_MISMATCH",
		fmt.Sprintf("region table version %q does not satisfy %q", got, constraint),
		map[string]interface{}{"version": got, "constraint": constraint})
}

// Fatal logs an invariant violation and aborts the running goroutine tree
// via panic. Invariant violations are never recoverable: double-free,
// commit of an already-committed region, a grey mark surviving past the
// forward finger after drain, an unbalanced freeze/thaw, and similar bugs
// are process-fatal per spec.
func Fatal(category Category, code, message string, context map[string]interface{}) {
	err := New(category, code, message, context)
	err.Caller = callerOf(2)
	log.Printf("FATAL %s", err.Error())
	panic(err)
}

func callerOf(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "unknown"
	}

	if fn := runtime.FuncForPC(pc); fn != nil {
		return fn.Name()
	}

	return "unknown"
}
