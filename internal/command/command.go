// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2026 The asprofgo Authors.

// Package command parses the comma-separated command surface
// (`start`, `stop`, `dump`, `status`, `list`, plus the `key=value` token
// set) into an Args record the profiler facade consumes, and assigns
// the process exit codes (0 success, 100 bad arguments, 200 command
// failure).
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"asprofgo/internal/aerr"
	"asprofgo/internal/log"
)

// Action is the verb token of a command.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
	ActionDump
	ActionStatus
	ActionList
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionDump:
		return "dump"
	case ActionStatus:
		return "status"
	case ActionList:
		return "list"
	default:
		return "none"
	}
}

// CStack selects the native unwind mode, mirroring cstack=.
type CStack int

const (
	CStackDefault CStack = iota
	CStackFP
	CStackDWARF
	CStackLBR
	CStackVM
	CStackNone
)

func parseCStack(s string) (CStack, error) {
	switch s {
	case "fp":
		return CStackFP, nil
	case "dwarf":
		return CStackDWARF, nil
	case "lbr":
		return CStackLBR, nil
	case "vm":
		return CStackVM, nil
	case "no":
		return CStackNone, nil
	default:
		return CStackDefault, fmt.Errorf("unknown cstack mode %q", s)
	}
}

// Args is the parsed form of a command's token list, handed to the
// profiler facade's Start/Dump/etc.
type Args struct {
	Action Action

	Event        string
	Interval     time.Duration
	Alloc        uint64
	Lock         time.Duration
	Wall         time.Duration
	NativeMemSet bool
	NativeMem    uint64
	ProcSet      bool
	Proc         time.Duration

	CStack      CStack
	JStackDepth int
	Threads     bool
	Sched       bool
	Live        bool
	NoBatch     bool

	File   string
	Format string
	Loop   time.Duration

	Include []string
	Exclude []string

	Begin string
	End   string

	LogLevel log.Level
	LogPath  string

	Server string
}

// DefaultJStackDepth matches async-profiler's default Java stack depth.
const DefaultJStackDepth = 2048

// Parse splits text on commas and assigns each token to the returned
// Args, starting from sane defaults. Unrecognized tokens, malformed
// durations/sizes, or a malformed cstack value produce an
// *aerr.Error{Category: Configuration}; an empty command text (no
// tokens at all) is also a configuration error, mirroring the original
// CLI's "at least an action is required."
func Parse(text string) (Args, error) {
	args := Args{CStack: CStackDefault, JStackDepth: DefaultJStackDepth, LogLevel: log.LevelInfo}

	tokens := splitTokens(text)
	if len(tokens) == 0 {
		return args, aerr.Configf("Parse", "empty command")
	}

	for _, tok := range tokens {
		if tok == "" {
			continue
		}
		key, value, hasValue := strings.Cut(tok, "=")
		if err := assign(&args, key, value, hasValue); err != nil {
			return args, aerr.New(aerr.Configuration, "Parse", err)
		}
	}
	return args, nil
}

func splitTokens(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Split(text, ",")
}

func assign(a *Args, key, value string, hasValue bool) error {
	switch key {
	case "start":
		a.Action = ActionStart
	case "stop":
		a.Action = ActionStop
	case "dump":
		a.Action = ActionDump
	case "status":
		a.Action = ActionStatus
	case "list":
		a.Action = ActionList
	case "event":
		a.Event = value
	case "interval":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("interval=%s: %w", value, err)
		}
		a.Interval = d
	case "alloc":
		if !hasValue {
			a.Alloc = 1
			return nil
		}
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("alloc=%s: %w", value, err)
		}
		a.Alloc = n
	case "lock":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("lock=%s: %w", value, err)
		}
		a.Lock = d
	case "wall":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("wall=%s: %w", value, err)
		}
		a.Wall = d
	case "nativemem":
		a.NativeMemSet = true
		if !hasValue {
			return nil
		}
		n, err := parseSize(value)
		if err != nil {
			return fmt.Errorf("nativemem=%s: %w", value, err)
		}
		a.NativeMem = n
	case "proc":
		a.ProcSet = true
		if !hasValue {
			return nil
		}
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("proc=%s: %w", value, err)
		}
		a.Proc = d
	case "cstack":
		cs, err := parseCStack(value)
		if err != nil {
			return err
		}
		a.CStack = cs
	case "jstackdepth":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("jstackdepth=%s: %w", value, err)
		}
		a.JStackDepth = n
	case "threads":
		a.Threads = true
	case "sched":
		a.Sched = true
	case "live":
		a.Live = true
	case "nobatch":
		a.NoBatch = true
	case "file":
		a.File = value
	case "format":
		a.Format = value
	case "loop":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("loop=%s: %w", value, err)
		}
		a.Loop = d
	case "include":
		a.Include = append(a.Include, value)
	case "exclude":
		a.Exclude = append(a.Exclude, value)
	case "begin":
		a.Begin = value
	case "end":
		a.End = value
	case "loglevel":
		a.LogLevel = log.ParseLevel(value)
	case "log":
		a.LogPath = value
	case "server":
		a.Server = value
	default:
		return fmt.Errorf("unrecognized token %q", key)
	}
	return nil
}

// parseDuration accepts a bare integer (seconds, matching the original
// CLI's bare-number convention) or a Go duration string like "500ms".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// parseSize accepts a bare byte count or a k/m/g-suffixed size, matching
// the original CLI's alloc=/nativemem= size grammar.
func parseSize(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	mult := uint64(1)
	suffix := s[len(s)-1]
	switch suffix {
	case 'k', 'K':
		mult = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

// ExitCode maps the result of executing a command to a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ae *aerr.Error
	if errors.As(err, &ae) && ae.Category == aerr.Configuration {
		return 100
	}
	return 200
}
