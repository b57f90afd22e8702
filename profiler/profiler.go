// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package profiler implements the profiler facade: the object that
// owns the call-trace store, the thread and context registries, and
// the engine registry, and exposes the command surface
// (Execute/Start/Stop/Dump) plus the RecordSample entry point every
// engine reports through. Nothing here lives in package-level state:
// callers may construct more than one *Profiler value, each an
// independent session with its own store and registries, so two
// sessions never see each other's samples.
package profiler

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/google/uuid"

	"asprofgo/internal/aerr"
	"asprofgo/internal/calltrace"
	"asprofgo/internal/command"
	"asprofgo/internal/context"
	"asprofgo/internal/engine"
	"asprofgo/internal/engine/alloc"
	"asprofgo/internal/engine/cpu"
	"asprofgo/internal/engine/instrumented"
	"asprofgo/internal/engine/lock"
	"asprofgo/internal/engine/nativemem"
	procsnapshoteng "asprofgo/internal/engine/procsnapshot"
	"asprofgo/internal/engine/wall"
	"asprofgo/internal/event"
	"asprofgo/internal/flamegraph"
	"asprofgo/internal/frame"
	"asprofgo/internal/jfr"
	"asprofgo/internal/log"
	"asprofgo/internal/metrics"
	"asprofgo/internal/pprofutils"
	"asprofgo/internal/stream"
	"asprofgo/internal/symbols"
	"asprofgo/internal/thread"
	"asprofgo/internal/unwind"
)

// maxBufferedEvents bounds the in-memory event log a single session
// keeps between dumps: past this point, new events are dropped and
// counted rather than growing without limit.
const maxBufferedEvents = 1 << 20

// Profiler is one profiling session: one call-trace store, one thread
// and context registry, one engine registry, and the event log engines
// append to via RecordSample.
type Profiler struct {
	mu      sync.Mutex
	opts    options
	runID   [16]byte
	startAt int64

	store    *calltrace.Store
	threads  *thread.Registry
	ctxStore *context.Store
	registry *engine.Registry

	running bool
	events  []event.Event
	dropped uint64

	// unwindMode/unwindDepth hold the cstack=/jstackdepth= settings the
	// last Start applied; RecordSample reads them on every capture, so
	// they are atomics rather than mu-guarded fields.
	unwindMode  atomic.Int32
	unwindDepth atomic.Int32

	logFile       *os.File
	restoreLogger func()
}

// New constructs a stopped Profiler with every concrete engine
// registered (but not started), applying opt in order.
func New(opt ...Option) *Profiler {
	o := defaultOptions()
	for _, fn := range opt {
		fn(&o)
	}

	p := &Profiler{
		opts:     o,
		store:    calltrace.New(o.storeInitialCapacity, o.arenaChunkSize),
		threads:  thread.NewRegistry(),
		ctxStore: context.New(),
		registry: engine.NewRegistry(),
	}
	p.registry.Register(cpu.New())
	p.registry.Register(wall.New())
	p.registry.Register(alloc.New(false))
	p.registry.Register(alloc.New(true))
	p.registry.Register(lock.New())
	p.registry.Register(nativemem.New())
	p.registry.Register(instrumented.New())
	p.registry.Register(procsnapshoteng.New())
	p.unwindDepth.Store(int32(command.DefaultJStackDepth))
	return p
}

// Now returns nanoseconds since this Profiler's Unix epoch reference,
// satisfying engine.Recorder. Every engine this facade starts stamps
// events from this single clock, keeping per-thread sample order
// consistent.
func (p *Profiler) Now() int64 { return time.Now().UnixNano() }

// RecordSample is the single entry point from any engine: apply context
// filtering for the event kinds that support it, run the unwinder with
// the configured mode and depth, intern the trace, append the tagged
// Event, and return the assigned trace id.
//
// An empty trace on a stack-carrying event kind requests a synchronous
// self-walk: the facade captures the calling goroutine's stack via
// unwind.WalkVM, bounded by the jstackdepth= setting (stackless kinds —
// process snapshots, profiling windows — keep their empty trace). Engines that harvest stacks the Go runtime
// already walked on their behalf (the CPU engine's SIGPROF samples, the
// heap/mutex/block profile tables, the goroutine dump) pass those
// pre-walked traces in instead; the configured mode and depth still
// apply to them — cstack=no strips native frames, and every trace is
// truncated to the depth bound before interning.
func (p *Profiler) RecordSample(kind event.Kind, threadID int, trace frame.CallTrace, counter uint64, payload event.Payload) uint32 {
	if ctxKind, filterable := contextEventKind(kind); filterable {
		if !p.ctxStore.Filter(threadID, ctxKind) {
			return 0
		}
	}

	depth := int(p.unwindDepth.Load())
	if depth <= 0 {
		depth = command.DefaultJStackDepth
	}
	if len(trace.Frames) == 0 && kindHasStack(kind) {
		trace = unwind.WalkVM(1, depth)
	}
	if command.CStack(p.unwindMode.Load()) == command.CStackNone {
		trace = dropNativeFrames(trace)
	}
	trace = trace.Truncate(depth)

	id := p.store.Put(trace.Frames, counter)

	ev := event.Event{
		Kind:      kind,
		StartTick: p.Now(),
		ThreadID:  threadID,
		TraceID:   id,
		Samples:   1,
		Counter:   counter,
		Payload:   payload,
	}

	p.mu.Lock()
	if len(p.events) >= maxBufferedEvents {
		p.dropped++
		p.mu.Unlock()
		metrics.IncSampleDropped()
		return id
	}
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return id
}

// kindHasStack reports whether events of this kind carry a call trace.
// Profiling-window and process-snapshot events are per-process, not
// per-stack, so their empty trace stays empty instead of requesting a
// self-walk.
func kindHasStack(kind event.Kind) bool {
	switch kind {
	case event.KindProfilingWindow, event.KindProcessSnapshot:
		return false
	}
	return true
}

// dropNativeFrames removes cgo/C++/kernel frames from trace, the
// cstack=no behavior: managed frames only. The input is left untouched;
// a filtered copy is returned only when a native frame is present.
func dropNativeFrames(trace frame.CallTrace) frame.CallTrace {
	isNative := func(k frame.Kind) bool {
		return k == frame.KindNative || k == frame.KindCPP || k == frame.KindKernel
	}
	any := false
	for _, fr := range trace.Frames {
		if isNative(fr.Kind) {
			any = true
			break
		}
	}
	if !any {
		return trace
	}
	kept := make([]frame.Frame, 0, len(trace.Frames))
	for _, fr := range trace.Frames {
		if isNative(fr.Kind) {
			continue
		}
		kept = append(kept, fr)
	}
	return frame.CallTrace{Frames: kept}
}

func contextEventKind(kind event.Kind) (context.EventKind, bool) {
	switch kind {
	case event.KindExecutionSample:
		return context.EventCPU, true
	case event.KindWallClockSample:
		return context.EventWall, true
	default:
		return 0, false
	}
}

// ThreadStart registers tid with the thread registry, the Go-native
// counterpart of async-profiler's thread-start hook: there the JVM
// calls it when a new OS thread attaches; Go exposes no matching
// callback, so instrumented call sites (or a goroutine that knows
// it's about to become CPU-hot) call it explicitly.
func (p *Profiler) ThreadStart(tid int) *thread.ProfiledThread {
	return p.threads.ForTid(tid)
}

// ThreadEnd releases tid's bookkeeping, the counterpart to ThreadStart.
func (p *Profiler) ThreadEnd(tid int) {
	p.threads.Release(tid)
	p.ctxStore.Clear(tid)
}

// ClassLoad registers name in the shared symbol table ahead of any
// sample that will reference it by id, the Go-native counterpart of
// async-profiler's class-load hook (there is no separate class-loading
// event in Go; the nearest analogue is a type name becoming known to
// the allocation/lock engines for the first time).
func (p *Profiler) ClassLoad(name string) uint64 {
	return symbols.Intern(name)
}

// CompiledMethodLoad registers name the same way ClassLoad does. Go has
// no separate compilation event (functions are compiled ahead of time,
// not JITed), so this hook exists only for API parity with the
// original's compiled-method hook; callers that want a symbol registered
// before first use can call it directly instead of waiting for the
// unwinder to do so lazily.
func (p *Profiler) CompiledMethodLoad(name string) uint64 {
	return symbols.Intern(name)
}

// Execute parses commandText as a comma-separated token list and
// dispatches to Start/Stop/Dump/Status,
// writing a one-line human-readable result to w the way the original
// CLI's synchronous commands do and the C ABI's asprof_execute callback
// expects. `list` reports the registered engine types rather than
// touching any engine.
func (p *Profiler) Execute(commandText string, w io.Writer) error {
	args, err := command.Parse(commandText)
	if err != nil {
		return err
	}

	switch args.Action {
	case command.ActionStart:
		if err := p.Start(args); err != nil {
			return err
		}
		fmt.Fprintln(w, "profiling started")
	case command.ActionStop:
		if errs := p.Stop(); len(errs) > 0 {
			return errs[0]
		}
		fmt.Fprintln(w, "profiling stopped")
	case command.ActionDump:
		if err := p.Dump(args); err != nil {
			return err
		}
		fmt.Fprintf(w, "dumped to %s\n", expandFilePattern(args.File, os.Getpid()))
	case command.ActionStatus:
		st := p.Status()
		fmt.Fprintf(w, "running=%v engines=%v events=%d dropped=%d\n", st.Running, st.RunningEngine, st.EventCount, st.DroppedEvents)
	case command.ActionList:
		for _, t := range allEngineTypes {
			fmt.Fprintln(w, t.String())
		}
	default:
		return aerr.Configf("profiler.Execute", "unsupported action %v", args.Action)
	}
	return nil
}

var allEngineTypes = []engine.Type{
	engine.TypeCPU,
	engine.TypeWall,
	engine.TypeAlloc,
	engine.TypeLiveObject,
	engine.TypeLock,
	engine.TypeNativeMem,
	engine.TypeInstrumented,
	engine.TypeProcSnapshot,
}

// Start determines which engines args selects and starts each via the
// registry, leaving already-running engines untouched: one engine's
// install failure never takes down another.
func (p *Profiler) Start(args command.Args) error {
	p.mu.Lock()
	if !p.running {
		id, err := uuid.NewRandom()
		if err != nil {
			p.mu.Unlock()
			return aerr.Feasibilityf("profiler.Start", "generate run id: %v", err)
		}
		copy(p.runID[:], id[:])
		p.startAt = p.Now()
		p.running = true
	}
	logLevel := args.LogLevel
	p.mu.Unlock()

	p.unwindMode.Store(int32(args.CStack))
	if args.JStackDepth > 0 {
		p.unwindDepth.Store(int32(args.JStackDepth))
	}

	log.SetLevel(logLevel)
	if args.LogPath != "" {
		if err := p.redirectLog(args.LogPath); err != nil {
			return err
		}
	}

	var firstErr error
	for _, t := range selectedEngines(args) {
		if err := p.registry.Start(t, args, p); err != nil {
			log.Error("profiler: failed to start %s engine: %v", t, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// selectedEngines maps the event=/nativemem=/proc=/live tokens onto
// the set of engine.Type values Start should attempt,
// mirroring the original CLI's "event= picks the primary engine; a
// handful of toggles are independent of it."
func selectedEngines(args command.Args) []engine.Type {
	var types []engine.Type

	switch args.Event {
	case "wall":
		types = append(types, engine.TypeWall)
	case "alloc":
		types = append(types, engine.TypeAlloc)
	case "lock":
		types = append(types, engine.TypeLock)
	case "instrument":
		types = append(types, engine.TypeInstrumented)
	case "":
		types = append(types, engine.TypeCPU)
	default:
		// cpu, itimer, a hardware-counter name, or a breakpoint symbol:
		// all retarget onto the CPU (timer) engine in this module.
		types = append(types, engine.TypeCPU)
	}

	if args.Live {
		types = append(types, engine.TypeLiveObject)
	}
	if args.NativeMemSet {
		types = append(types, engine.TypeNativeMem)
	}
	if args.ProcSet {
		types = append(types, engine.TypeProcSnapshot)
	}
	return types
}

// redirectLog points the package logger at path (the log=<path> token),
// replacing any earlier redirect. The previous logger is restored, and
// the file closed, by Stop.
func (p *Profiler) redirectLog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return aerr.Configf("profiler.Start", "open log=%s: %v", path, err)
	}
	p.mu.Lock()
	if p.restoreLogger != nil {
		p.restoreLogger()
		p.logFile.Close()
	}
	p.logFile = f
	p.restoreLogger = log.UseLogger(log.NewWriterLogger(f))
	p.mu.Unlock()
	return nil
}

// Stop stops every running engine, clearing the "enabled" flag each
// engine's Stop checks before it reverses its own hooks; an in-flight
// sample that already observed the flag is allowed to complete.
func (p *Profiler) Stop() []error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	errs := p.registry.StopAll()
	for _, err := range errs {
		log.Error("profiler: engine stop error: %v", err)
	}
	log.Flush()

	p.mu.Lock()
	if p.restoreLogger != nil {
		p.restoreLogger()
		p.logFile.Close()
		p.restoreLogger = nil
		p.logFile = nil
	}
	p.mu.Unlock()
	return errs
}

// Running reports whether this Profiler has at least one started
// engine.
func (p *Profiler) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status is the `status` command's payload: the facade state a caller
// would want to render.
type Status struct {
	Running       bool
	RunningEngine []engine.Type
	EventCount    int
	DroppedEvents uint64
	Metrics       metrics.Snapshot
}

// Status reports the facade's current state for the `status` command.
func (p *Profiler) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Running:       p.running,
		RunningEngine: p.registry.RunningTypes(),
		EventCount:    len(p.events),
		DroppedEvents: p.dropped,
		Metrics:       metrics.Snap(),
	}
}

// Dump harvests every event buffered since the last Dump (or since
// Start, for the first one) and renders it, with the traces it
// references, to args.File in the format args.Format (or the format
// implied by the file extension). It does not stop any engine;
// Execute("dump") calls this directly. Like calltrace.Store's own
// CollectTraces, a Dump's harvest is one-shot: an event or trace
// reported in one Dump is not reported again by the next.
func (p *Profiler) Dump(args command.Args) error {
	p.mu.Lock()
	events := p.events
	p.events = nil
	runID := p.runID
	startAt := p.startAt
	p.mu.Unlock()

	// CollectTraces resets each slot's sample counter on read, so it
	// must be called exactly once per harvested event batch — matching
	// events being drained from p.events above in the same lockstep —
	// or some traces referenced by this batch would be missed (already
	// reset by an earlier, unrelated harvest) while others referenced
	// by the next batch would be reported early.
	all := p.store.CollectTraces()
	traceIDs := map[uint32]bool{}
	for _, e := range events {
		traceIDs[e.TraceID] = true
	}
	traces := map[uint32]*frame.CallTrace{}
	for id := range traceIDs {
		if t, ok := all[id]; ok {
			traces[id] = t
		}
	}

	events = filterEvents(events, traces, args.Include, args.Exclude)

	path := expandFilePattern(args.File, os.Getpid())
	format := outputFormat(path, args.Format)

	f, err := os.Create(path)
	if err != nil {
		return aerr.Outputf("profiler.Dump", "create %s: %v", path, err)
	}
	defer f.Close()

	if err := writeFormat(f, format, runID, startAt, events, traces, args.Threads); err != nil {
		metrics.IncOutputError()
		return aerr.Outputf("profiler.Dump", "write %s: %v", format, err)
	}
	return nil
}

func outputFormat(path, explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, ext := range []string{".pb.gz", ".pprof", ".jfr", ".html", ".collapsed"} {
		if len(path) >= len(ext) && path[len(path)-len(ext):] == ext {
			return ext[1:]
		}
	}
	return "collapsed"
}

// expandFilePattern substitutes the `%p` (pid) filename token; `%t`
// (start time) and `%n` (sequence number) only mean something under a
// `loop=`-driven dump cadence, which this facade leaves to the caller
// (command.Args.Loop is parsed, but driving the loop belongs to a
// front end).
func expandFilePattern(path string, pid int) string {
	if path == "" {
		path = "asprofgo-%p.collapsed"
	}
	out := make([]byte, 0, len(path))
	for i := 0; i < len(path); i++ {
		if path[i] == '%' && i+1 < len(path) && path[i+1] == 'p' {
			out = append(out, []byte(fmt.Sprintf("%d", pid))...)
			i++
			continue
		}
		out = append(out, path[i])
	}
	return string(out)
}

// writeFormat dispatches to the per-format encoder, building a
// *profile.Profile lazily only for the formats that need one.
func writeFormat(f *os.File, format string, runID [16]byte, startAt int64, events []event.Event, traces map[uint32]*frame.CallTrace, threads bool) error {
	switch format {
	case "jfr":
		jw := jfr.Writer{Resolve: symbols.Lookup}
		return jw.WriteChunk(f, runID, startAt, traces, events)
	case "html":
		prof := buildProfile(events, traces, threads)
		root := buildFlameTree(prof)
		return writeHTML(f, root)
	case "pprof", "pb.gz":
		prof := buildProfile(events, traces, threads)
		return prof.Write(f)
	case "stream":
		return writeStream(f, events, traces)
	default:
		prof := buildProfile(events, traces, threads)
		return writeCollapsed(f, prof)
	}
}

// writeStream renders events in the FIFO wire format, one framed
// root-to-leaf frame list per event; f is typically a named pipe an
// out-of-process collector reads. The in-memory store stays
// authoritative; streaming is just another writer behind
// `format=stream`.
func writeStream(f *os.File, events []event.Event, traces map[uint32]*frame.CallTrace) error {
	sw := stream.NewWriter(f)
	for _, e := range events {
		t, ok := traces[e.TraceID]
		if !ok {
			continue
		}
		names := make([]string, 0, len(t.Frames))
		for i := len(t.Frames) - 1; i >= 0; i-- {
			names = append(names, symbols.Name(t.Frames[i].Method))
		}
		if err := sw.Write(names); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// filterEvents applies the include=/exclude= frame-filter
// globs: an event survives when at least one of its frame names matches
// an include pattern (or no include patterns were given) and none
// matches an exclude pattern. Events whose trace was already harvested
// by an earlier dump pass through unfiltered; they carry no frames to
// match against.
func filterEvents(events []event.Event, traces map[uint32]*frame.CallTrace, include, exclude []string) []event.Event {
	if len(include) == 0 && len(exclude) == 0 {
		return events
	}
	out := events[:0]
	for _, e := range events {
		t, ok := traces[e.TraceID]
		if !ok {
			out = append(out, e)
			continue
		}
		if traceMatches(t, include, exclude) {
			out = append(out, e)
		}
	}
	return out
}

func traceMatches(t *frame.CallTrace, include, exclude []string) bool {
	included := len(include) == 0
	for _, fr := range t.Frames {
		name := symbols.Name(fr.Method)
		for _, pat := range exclude {
			if matchGlob(pat, name) {
				return false
			}
		}
		if !included {
			for _, pat := range include {
				if matchGlob(pat, name) {
					included = true
					break
				}
			}
		}
	}
	return included
}

// matchGlob matches name against a pattern where '*' matches any run of
// characters, the same minimal wildcard grammar async-profiler's frame
// filter accepts (no character classes, no '?').
func matchGlob(pattern, name string) bool {
	pi, ni := 0, 0
	star, nStar := -1, 0
	for ni < len(name) {
		switch {
		case pi < len(pattern) && pattern[pi] == '*':
			star, nStar = pi, ni
			pi++
		case pi < len(pattern) && pattern[pi] == name[ni]:
			pi++
			ni++
		case star >= 0:
			nStar++
			ni = nStar
			pi = star + 1
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// buildProfile assembles a *profile.Profile from the buffered events
// and their resolved traces: one "samples"/"count" plus "value"/"units"
// value pair per sample row, frames resolved via internal/symbols.
// When threads is set (the `threads` command toggle), each sample gets
// a synthetic "[tid=N]" root frame so per-thread stacks stay separate
// in the rendered output instead of merging.
func buildProfile(events []event.Event, traces map[uint32]*frame.CallTrace, threads bool) *profile.Profile {
	prof := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "samples", Unit: "count"},
			{Type: "value", Unit: "units"},
		},
		PeriodType: &profile.ValueType{Type: "samples", Unit: "count"},
	}

	locs := map[uint64]*profile.Location{}
	var nextID uint64

	getLocation := func(name string) *profile.Location {
		key := symbols.HashName(name)
		if loc, ok := locs[key]; ok {
			return loc
		}
		nextID++
		fn := &profile.Function{ID: nextID, Name: name}
		loc := &profile.Location{ID: nextID, Address: key, Line: []profile.Line{{Function: fn}}}
		locs[key] = loc
		prof.Function = append(prof.Function, fn)
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, e := range events {
		t, ok := traces[e.TraceID]
		var names []string
		if ok {
			for _, fr := range t.Frames {
				names = append(names, symbols.Name(fr.Method))
			}
		} else {
			names = []string{"?"}
		}
		if threads {
			names = append(names, fmt.Sprintf("[tid=%d]", e.ThreadID))
		}

		// Frames are captured leaf-first (runtime.Callers order), which
		// is already the profile.Sample.Location convention, so no
		// reordering happens here.
		sampleLocs := make([]*profile.Location, len(names))
		for i, name := range names {
			sampleLocs[i] = getLocation(name)
		}

		samples := e.Samples
		if samples == 0 {
			samples = 1
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: sampleLocs,
			Value:    []int64{int64(samples), int64(e.Counter)},
		})
	}

	return prof
}

// buildFlameTree adapts buildProfile's output into the tree
// internal/flamegraph.WriteHTML expects, weighting each leaf by the
// "value" column (index 1) rather than raw sample counts so an
// allocation or lock-wait dump's flame graph is proportional to bytes
// or nanoseconds, not occurrence count.
func buildFlameTree(prof *profile.Profile) *flamegraph.Node {
	return flamegraph.BuildTree(prof, 1)
}

func writeHTML(w io.Writer, root *flamegraph.Node) error {
	return flamegraph.WriteHTML(w, root, "asprofgo", "units")
}

// writeCollapsed renders prof as a folded-stack text listing, the
// `.collapsed` output format. pprofutils.Protobuf (despite its name)
// is this module's
// collapsed-stack renderer, not a wire-protobuf encoder — see its own
// doc comment; true protobuf output goes through profile.Profile.Write
// directly in writeFormat's "pprof"/"pb.gz" case.
func writeCollapsed(w io.Writer, prof *profile.Profile) error {
	return pprofutils.Protobuf{SampleTypes: false}.Convert(prof, w)
}
