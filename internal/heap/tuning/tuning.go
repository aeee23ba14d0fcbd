// Package tuning holds the heap manager's configuration knobs: the
// functional-options struct fixed at CreateHeap, and a file watcher that
// hot-reloads the subset of knobs that are safe to change after the heap
// is already running (spec.md §6 "Configuration options").
package tuning

import (
	"encoding/json"
	"os"
	"sync"
)

// OverflowStrategy mirrors markbitmap.OverflowStrategy without importing
// it, so tuning has no dependency on the collector package.
type OverflowStrategy int

const (
	LinearRescan OverflowStrategy = iota
	RescanMapStrategy
)

// Options collects every knob recognized at init (spec.md §6). Only
// UseRescanMap, UseDeepMarkStackFlush, UseCASBasedThreadFreezing,
// SafepointSpinBeforeYield and MinReclaimableBytes can be changed later
// through LoadFile or Watcher; every other field keeps the value it had
// when the heap was created.
type Options struct {
	RegionSizeInBytes  uintptr
	NumRegions         int
	WordsCoveredPerBit uintptr
	MaxHeapBytes       uintptr

	UseRescanMap           bool
	UseDeepMarkStackFlush  bool
	UseCASBasedThreadFreezing bool
	SafepointSpinBeforeYield  int

	MarkStackCapacity    int
	RegionBytesPerRescan uintptr
	MinReclaimableBytes  uintptr
	TLABMinChunkSize     uintptr
	TLABDebugTagWord     uintptr
	LinallocHeadroom     uintptr
	DebugTagEnabled      bool
}

// Option mutates an Options value, following the teacher allocator
// package's functional-options convention.
type Option func(*Options)

// Default returns the baseline configuration: the CAS freezing mechanism,
// a rescan-map overflow strategy, and conservative spin/capacity defaults.
func Default() *Options {
	return &Options{
		RegionSizeInBytes:         1 << 20,
		NumRegions:                256,
		WordsCoveredPerBit:        1,
		MaxHeapBytes:              256 << 20,
		UseRescanMap:              true,
		UseDeepMarkStackFlush:     false,
		UseCASBasedThreadFreezing: true,
		SafepointSpinBeforeYield:  1000,
		MarkStackCapacity:         4096,
		RegionBytesPerRescan:      1 << 16,
		MinReclaimableBytes:       0,
		TLABMinChunkSize:          256,
		TLABDebugTagWord:          0x7A4C4142, // "zLAB"
		LinallocHeadroom:          0,
		DebugTagEnabled:           false,
	}
}

// New builds an Options value from Default plus the given overrides.
func New(opts ...Option) *Options {
	o := Default()
	for _, opt := range opts {
		opt(o)
	}

	return o
}

func WithRegionGeometry(regionSizeInBytes uintptr, numRegions int, wordsCoveredPerBit uintptr) Option {
	return func(o *Options) {
		o.RegionSizeInBytes = regionSizeInBytes
		o.NumRegions = numRegions
		o.WordsCoveredPerBit = wordsCoveredPerBit
	}
}

func WithMaxHeapBytes(n uintptr) Option {
	return func(o *Options) { o.MaxHeapBytes = n }
}

func WithRescanMap(enabled bool) Option {
	return func(o *Options) { o.UseRescanMap = enabled }
}

func WithDeepMarkStackFlush(enabled bool) Option {
	return func(o *Options) { o.UseDeepMarkStackFlush = enabled }
}

func WithCASBasedThreadFreezing(enabled bool) Option {
	return func(o *Options) { o.UseCASBasedThreadFreezing = enabled }
}

func WithSafepointSpinBeforeYield(n int) Option {
	return func(o *Options) { o.SafepointSpinBeforeYield = n }
}

func WithMarkStackCapacity(n int) Option {
	return func(o *Options) { o.MarkStackCapacity = n }
}

func WithMinReclaimableBytes(n uintptr) Option {
	return func(o *Options) { o.MinReclaimableBytes = n }
}

func WithTLABMinChunkSize(n uintptr) Option {
	return func(o *Options) { o.TLABMinChunkSize = n }
}

func WithDebugTag(enabled bool) Option {
	return func(o *Options) { o.DebugTagEnabled = enabled }
}

// mutableSnapshot is the subset of fields a Watcher may hot-reload; it is
// what gets marshaled to and from the tuning file.
type mutableSnapshot struct {
	UseRescanMap              bool    `json:"useRescanMap"`
	UseDeepMarkStackFlush     bool    `json:"useDeepMarkStackFlush"`
	UseCASBasedThreadFreezing bool    `json:"useCASBasedThreadFreezing"`
	SafepointSpinBeforeYield  int     `json:"safepointSpinBeforeYield"`
	MinReclaimableBytes       uintptr `json:"minReclaimableBytes"`
}

// Live wraps an *Options so its mutable fields can be read and updated
// concurrently while the heap runs.
type Live struct {
	mu  sync.RWMutex
	opt *Options
}

// NewLive wraps opt for concurrent hot-reload access.
func NewLive(opt *Options) *Live {
	return &Live{opt: opt}
}

// Snapshot returns a copy of the current options.
func (l *Live) Snapshot() Options {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return *l.opt
}

func (l *Live) applyMutable(m mutableSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.opt.UseRescanMap = m.UseRescanMap
	l.opt.UseDeepMarkStackFlush = m.UseDeepMarkStackFlush
	l.opt.UseCASBasedThreadFreezing = m.UseCASBasedThreadFreezing
	l.opt.SafepointSpinBeforeYield = m.SafepointSpinBeforeYield
	l.opt.MinReclaimableBytes = m.MinReclaimableBytes
}

// LoadFile reads a JSON tuning file and applies its mutable fields to live.
func LoadFile(path string, live *Live) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var m mutableSnapshot
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	live.applyMutable(m)

	return nil
}
