// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package procsnapshot adapts internal/procsnapshot.Reader to the
// engine.Engine interface, so the profiler facade's Registry can
// start/stop process-resource sampling the same way it does every
// other engine (see internal/procsnapshot's package doc for the
// underlying /proc parsing it wraps).
package procsnapshot

import (
	"sync"
	"time"

	"asprofgo/internal/command"
	"asprofgo/internal/engine"
	"asprofgo/internal/event"
	"asprofgo/internal/frame"
	"asprofgo/internal/log"
	procsnap "asprofgo/internal/procsnapshot"
)

// DefaultInterval matches async-profiler's processSampler default tick
// of 1 second.
const DefaultInterval = time.Second

// Engine periodically samples the current process's resource usage and
// reports one KindProcessSnapshot Event per tick.
type Engine struct {
	mu      sync.Mutex
	reader  *procsnap.Reader
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New creates a stopped process-snapshot engine.
func New() *Engine { return &Engine{reader: procsnap.NewSelf()} }

func (*Engine) Type() engine.Type { return engine.TypeProcSnapshot }
func (*Engine) Title() string     { return "Process snapshot" }
func (*Engine) Units() string     { return "snapshots" }

// Check verifies a single sample can be taken (i.e. /proc is readable).
func (e *Engine) Check(command.Args) error {
	_, err := e.reader.Sample()
	return err
}

// Start begins periodic sampling at args.Proc (default DefaultInterval).
func (e *Engine) Start(args command.Args, rec engine.Recorder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return nil
	}

	interval := args.Proc
	if interval <= 0 {
		interval = DefaultInterval
	}

	e.stopCh = make(chan struct{})
	e.running = true

	e.wg.Add(1)
	go e.loop(interval, rec)
	return nil
}

func (e *Engine) loop(interval time.Duration, rec engine.Recorder) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sampleOnce(rec)
		}
	}
}

func (e *Engine) sampleOnce(rec engine.Recorder) {
	snap, err := e.reader.Sample()
	if err != nil {
		log.Warn("procsnapshot: sample failed: %v", err)
		return
	}
	rec.RecordSample(event.KindProcessSnapshot, 0, frame.CallTrace{}, 0, event.Payload{
		CPUPercent: snap.CPUPercent,
		RSSBytes:   snap.RSSBytes,
		VMSizeByte: snap.VMSizeByte,
		NumThreads: snap.NumThreads,
		NumFDs:     snap.NumFDs,
	})
}

// Stop halts periodic sampling.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stopCh := e.stopCh
	e.mu.Unlock()

	close(stopCh)
	e.wg.Wait()
	return nil
}
