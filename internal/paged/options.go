package paged

import (
	"fmt"
	"math"
	"strings"
)

// DefaultMaskValue is added to scores at positions past a sequence's
// length. It is finite so that a block's max stays finite.
var DefaultMaskValue = float32(-0.7 * math.MaxFloat32)

// MegacoreMode selects how the grid is split across compute cores.
type MegacoreMode string

const (
	MegacoreNone   MegacoreMode = ""
	MegacoreBatch  MegacoreMode = "batch"
	MegacoreKVHead MegacoreMode = "kv_head"
)

// ParseMegacoreMode accepts "", "none", "batch" and "kv_head". A rejected
// name is a *ConfigError but is not counted as a launch rejection.
func ParseMegacoreMode(s string) (MegacoreMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return MegacoreNone, nil
	case "batch":
		return MegacoreBatch, nil
	case "kv_head", "kvhead", "kv-head":
		return MegacoreKVHead, nil
	}
	return "", &ConfigError{Field: "megacore", Msg: fmt.Sprintf("mode must be one of [kv_head, batch, none], got %q", s)}
}

func (m MegacoreMode) String() string {
	if m == MegacoreNone {
		return "none"
	}
	return string(m)
}

// Cores is the number of independent workers the mode runs.
func (m MegacoreMode) Cores() int {
	if m == MegacoreNone {
		return 1
	}
	return 2
}

// Partition returns the batch/head stride owned by core.
func (m MegacoreMode) Partition(core int) Partition {
	p := Partition{Core: core, BatchStep: 1, HeadStep: 1}
	switch m {
	case MegacoreBatch:
		p.BatchStart, p.BatchStep = core, m.Cores()
	case MegacoreKVHead:
		p.HeadStart, p.HeadStep = core, m.Cores()
	}
	return p
}

// Partition is the disjoint slice of the (batch, kv_head) space one core
// walks: batches BatchStart, BatchStart+BatchStep, ... and likewise heads.
type Partition struct {
	Core       int
	BatchStart int
	BatchStep  int
	HeadStart  int
	HeadStep   int
}

// EventKind labels a CopyPipeline trace event.
type EventKind int

const (
	EventStart EventKind = iota
	EventWait
	EventRelease
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventWait:
		return "wait"
	case EventRelease:
		return "release"
	}
	return "unknown"
}

// Event is one slot transition observed on a core's pipeline.
type Event struct {
	Kind  EventKind
	Slot  int
	Coord Coord
}

// Tracer receives pipeline events. With megacore enabled it is called
// from both workers concurrently.
type Tracer func(core int, ev Event)

// Options are the launch parameters of one attention call.
type Options struct {
	PagesPerComputeBlock int
	Megacore             MegacoreMode
	// MaskValue of zero selects DefaultMaskValue.
	MaskValue float32
	// InlineSeqDim walks each core's cells by advance alone; otherwise the
	// full (batch, head, block) grid is enumerated and exhausted blocks
	// are skipped.
	InlineSeqDim bool
	// ChainCells keeps the double-buffer slot across cells so the last
	// block of a cell prefetches block 0 of the next one.
	ChainCells bool
	Tracer     Tracer
}

func (o Options) maskValue() float32 {
	if o.MaskValue == 0 {
		return DefaultMaskValue
	}
	return o.MaskValue
}
