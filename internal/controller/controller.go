// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller runs a tuning session: it starts the program under
// trace, stops it at main, resolves the instrumentation hooks and reruns main
// until the tuner is satisfied.
package controller // import "github.com/cuzmem/fossa/internal/controller"

import (
	"context"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	log "github.com/sirupsen/logrus"

	"github.com/cuzmem/fossa/inject"
	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf"
	"github.com/cuzmem/fossa/metrics"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/rtld"
	"github.com/cuzmem/fossa/tracer"
	"github.com/cuzmem/fossa/x86helpers"
)

// State is the progress of a session.
type State int

const (
	StateInit State = iota
	// StateBoundaryFound is entered once the return of main is known.
	StateBoundaryFound
	StateTuning
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateBoundaryFound:
		return "boundary found"
	case StateTuning:
		return "tuning"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Hooks holds the tracee addresses of the instrumentation entry points.
type Hooks struct {
	Start      libpf.Address
	End        libpf.Address
	SetProject libpf.Address
	SetPlan    libpf.Address
	SetTuner   libpf.Address
	CheckPlan  libpf.Address
}

// HookNames lists the exported hook functions in Hooks field order.
var HookNames = []libpf.SymbolName{
	"cuzmem_start",
	"cuzmem_end",
	"cuzmem_set_project",
	"cuzmem_set_plan",
	"cuzmem_set_tuner",
	"cuzmem_check_plan",
}

func (h *Hooks) slots() []*libpf.Address {
	return []*libpf.Address{&h.Start, &h.End, &h.SetProject, &h.SetPlan, &h.SetTuner, &h.CheckPlan}
}

// Session is the state of one traced program run.
type Session struct {
	ID     uuid.UUID
	Arch   x86helpers.Arch
	Tracee process.Tracee
	// Main is the runtime address of main.
	Main  libpf.Address
	Hooks Hooks
	// Boundary is the return instruction of main and its breakpoint.
	Boundary   tracer.Result
	State      State
	Iterations int

	injector *inject.Injector
	log      *log.Entry
}

// Controller is an instance that runs one tuning session.
type Controller struct {
	config   *Config
	spawn    Spawner
	readAuxv AuxvReader
	session  *Session
}

// New creates a new controller
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{
		config:   cfg,
		spawn:    spawnNative,
		readAuxv: process.ReadAuxv,
	}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Session returns the most recent session, or nil before Run.
func (c *Controller) Session() *Session {
	return c.session
}

func spawnNative(arch x86helpers.Arch, argv, env []string) (process.Tracee, error) {
	native, ok := x86helpers.Native()
	if !ok || (arch.Is64Bit() && !native.Is64Bit()) {
		return nil, fmt.Errorf("%w: cannot trace %v programs on this host", process.ErrSpawn, arch)
	}
	pt, err := process.Spawn(argv, env)
	if err != nil {
		return nil, err
	}
	return pt, nil
}

// PlanKey names the allocation plan of a program invocation. The directory
// of the program is left out so the same program tuned from another location
// finds its plan.
func PlanKey(program string, args []string) string {
	h := sha256.New()
	h.Write([]byte(filepath.Base(program)))
	for _, arg := range args {
		h.Write([]byte(arg))
		h.Write([]byte{' '})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Run executes the session. It returns once the program was detached or a
// step failed. Cancelling ctx ends the session after the current iteration.
func (c *Controller) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg := c.config
	s := &Session{ID: uuid.New(), State: StateInit}
	s.log = log.WithField("session", s.ID.String())
	c.session = s
	metrics.Reset()

	path, mainSym, hdr, err := c.locateMain()
	if err != nil {
		return stageError(StageLocate, err)
	}
	if s.Arch, err = x86helpers.ForMachine(hdr.Machine); err != nil {
		return stageError(StageLocate, fmt.Errorf("%s: %w", path, err))
	}

	argv := append([]string{path}, cfg.Args...)
	if s.Tracee, err = c.spawn(s.Arch, argv, cfg.Env); err != nil {
		return stageError(StageSpawn, err)
	}
	s.log = s.log.WithField("pid", s.Tracee.PID())
	s.injector = &inject.Injector{
		Tracee:        s.Tracee,
		Arch:          s.Arch,
		VerifyRestore: cfg.VerifyRestore,
	}
	s.log.Infof("Started %s (%v)", path, s.Arch)

	if cfg.AdjustOOM {
		if err := process.SetOOMScoreAdj(s.Tracee.PID(), cfg.OOMScoreAdj); err != nil {
			s.log.Warnf("Failed to adjust oom_score_adj: %v", err)
		}
	}

	auxv, err := c.readAuxv(s.Tracee.PID(), s.Arch.WordSize)
	if err != nil {
		if hdr.Type == elf.ET_DYN {
			return stageError(StageSpawn, fmt.Errorf("read auxiliary vector: %w", err))
		}
		s.log.Warnf("Failed to read auxiliary vector: %v", err)
	}
	s.Main = mainSym.Address
	if hdr.Type == elf.ET_DYN {
		if auxv.Entry() == 0 {
			return stageError(StageSpawn, errors.New("no AT_ENTRY for position independent executable"))
		}
		s.Main += auxv.Entry() - libpf.Address(hdr.Entry)
	}

	if err := c.stopAtMain(s); err != nil {
		return stageError(StageBoundary, err)
	}
	if err := c.resolveHooks(s, auxv); err != nil {
		return stageError(StageResolve, err)
	}
	mode, err := c.preamble(s)
	if err != nil {
		return stageError(StagePreamble, err)
	}

	err = c.tune(ctx, s, mode)
	canceled := err != nil && errors.Is(err, ctx.Err())
	if err != nil && !canceled {
		return stageError(StageTune, err)
	}
	if err := c.finish(s); err != nil {
		return stageError(StageDetach, err)
	}
	s.log.Infof("Detached after %d iterations: %v", s.Iterations, metrics.Snapshot())
	if canceled {
		return err
	}
	return nil
}

func (c *Controller) locateMain() (string, libpf.SymbolLocation, pfelf.FileHeader, error) {
	cfg := c.config
	path := cfg.Program
	if !strings.Contains(path, "/") {
		found, err := exec.LookPath(path)
		if err != nil {
			return "", libpf.SymbolLocation{}, pfelf.FileHeader{}, err
		}
		path = found
	}
	hdr, err := pfelf.ReadHeader(path)
	if err != nil {
		return "", libpf.SymbolLocation{}, pfelf.FileHeader{}, err
	}
	types := []elf.SectionType{elf.SHT_DYNSYM}
	if cfg.SymtabFallback {
		types = append(types, elf.SHT_SYMTAB)
	}
	loc, err := pfelf.LocateSymbolIn(path, "main", types...)
	if err != nil {
		return "", libpf.SymbolLocation{}, pfelf.FileHeader{}, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("Found main in %s at 0x%x", path, uintptr(loc.Address))
	return path, loc, hdr, nil
}

// stopAtMain runs the freshly spawned program up to the first instruction of main.
func (c *Controller) stopAtMain(s *Session) error {
	bp, err := process.SetBreakpoint(s.Tracee, s.Arch, s.Main)
	if err != nil {
		return err
	}
	metrics.Add(metrics.IDBreakpoints, 1)
	if err := s.Tracee.Continue(); err != nil {
		return err
	}
	if err := process.RemoveBreakpoint(s.Tracee, s.Arch, bp); err != nil {
		return err
	}
	s.log.Debugf("Stopped at main 0x%x", uintptr(s.Main))
	return nil
}

func (c *Controller) resolveHooks(s *Session, auxv process.Auxv) error {
	r := &rtld.Resolver{Reader: s.Tracee, Arch: s.Arch, Auxv: auxv}
	slots := s.Hooks.slots()

	var missing []string
	for i, name := range HookNames {
		addr, err := r.Resolve(name, c.config.Library)
		switch {
		case errors.Is(err, rtld.ErrLibraryNotFound):
			return fmt.Errorf("%w: %s is not loaded (missing from LD_PRELOAD?): %w",
				ErrMissingInstrumentation, c.config.Library, err)
		case errors.Is(err, rtld.ErrSymbolNotFound):
			missing = append(missing, string(name))
		case err != nil:
			return err
		default:
			*slots[i] = addr
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w in %s: %s", ErrMissingInstrumentation,
			c.config.Library, strings.Join(missing, ", "))
	}
	return nil
}

// preamble hands the project, plan and tuner to the library and returns the
// mode for the start hook.
func (c *Controller) preamble(s *Session) (uint32, error) {
	cfg := c.config
	plan := cfg.Plan
	if plan == "" {
		plan = PlanKey(cfg.Program, cfg.Args)
	}
	s.log.Infof("Project %s, plan %s", cfg.Project, plan)

	stubs := []inject.Stub{
		inject.BuildString(s.Arch, s.Hooks.SetProject, cfg.Project),
		inject.BuildString(s.Arch, s.Hooks.SetPlan, plan),
		inject.BuildInt(s.Arch, s.Hooks.SetTuner, int32(cfg.Tuner)),
	}
	for _, stub := range stubs {
		if _, _, err := s.injector.Execute(s.Main, stub); err != nil {
			return 0, err
		}
	}

	mode := cfg.ModeValue()
	if cfg.CheckPlan {
		stub := inject.BuildStrings(s.Arch, s.Hooks.CheckPlan, cfg.Project, plan)
		found, _, err := s.injector.Execute(s.Main, stub)
		if err != nil {
			return 0, err
		}
		if found != 0 && mode != 0 && !cfg.Retune {
			s.log.Infof("Plan %s exists, running it without tuning", plan)
			mode = 0
		}
	}
	return mode, nil
}

// tune runs main once per iteration, bracketed by the start and end hooks,
// until the end hook returns zero.
func (c *Controller) tune(ctx context.Context, s *Session, mode uint32) error {
	start := inject.BuildStart(s.Arch, s.Hooks.Start, mode)
	end := inject.BuildEnd(s.Arch, s.Hooks.End)

	for n := 0; ; n++ {
		s.State = StateTuning
		s.log.Infof("Tuning iteration %d", n)
		metrics.Add(metrics.IDTuningIteration, metrics.MetricValue(n))
		if _, _, err := s.injector.Execute(s.Main, start); err != nil {
			return fmt.Errorf("iteration %d: %w", n, err)
		}
		if err := c.runMain(s, n); err != nil {
			return fmt.Errorf("iteration %d: %w", n, err)
		}
		more, _, err := s.injector.Execute(s.Main, end)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", n, err)
		}
		s.Iterations = n + 1
		metrics.Add(metrics.IDTuningIterations, 1)

		if more == 0 {
			s.log.Infof("Tuner finished after %d iterations", s.Iterations)
			return nil
		}
		if limit := c.config.MaxIterations; limit > 0 && s.Iterations >= limit {
			s.log.Warnf("Tuner not finished after %d iterations, giving up", s.Iterations)
			return nil
		}
		if err := ctx.Err(); err != nil {
			s.log.Warnf("Stopping after %d iterations: %v", s.Iterations, err)
			return err
		}
		if err := process.SetPC(s.Tracee, s.Main); err != nil {
			return err
		}
	}
}

// runMain runs main up to its return. The first run traces main to find the
// return instruction; later runs continue to the breakpoint left there.
func (c *Controller) runMain(s *Session, n int) error {
	if n == 0 {
		res, err := tracer.RunToReturn(s.Tracee, s.Arch)
		if err != nil {
			return err
		}
		s.Boundary = res
		s.State = StateBoundaryFound
		s.log.Infof("Main returns at 0x%x (%d steps, %d calls stepped over)",
			uintptr(res.Return), res.Steps, res.StepOvers)
		return nil
	}

	if err := s.Tracee.Continue(); err != nil {
		return err
	}
	pc, err := process.PC(s.Tracee)
	if err != nil {
		return err
	}
	if want := s.Boundary.Return + libpf.Address(s.Arch.TrapLen); pc != want {
		return fmt.Errorf("%w: stopped at 0x%x, main returns at 0x%x",
			process.ErrBreakpointMismatch, uintptr(pc), uintptr(s.Boundary.Return))
	}
	return nil
}

// finish removes the boundary breakpoint and lets the program return from main.
func (c *Controller) finish(s *Session) error {
	if s.State != StateInit {
		trapped := s.Boundary.Return + libpf.Address(s.Arch.TrapLen)
		if err := process.SetPC(s.Tracee, trapped); err != nil {
			return err
		}
		if err := process.RemoveBreakpoint(s.Tracee, s.Arch, s.Boundary.Breakpoint); err != nil {
			return err
		}
	}
	s.State = StateDone
	return s.Tracee.Detach()
}
