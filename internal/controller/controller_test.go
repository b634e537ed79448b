// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"crypto/sha256"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuzmem/fossa/libpf"
	"github.com/cuzmem/fossa/libpf/pfelf"
	"github.com/cuzmem/fossa/process"
	"github.com/cuzmem/fossa/rtld"
	"github.com/cuzmem/fossa/testsupport"
	"github.com/cuzmem/fossa/x86helpers"
)

const (
	stackBase = 0x7ff000
	stackTop  = 0x800000

	mainOff   = 0x1000
	helperOff = 0x1100
	entryOff  = 0x1800
	// Offset of the return instruction in mainCode.
	mainRetOff = 7
)

var hookSymbols = []testsupport.ELFSymbol{
	{Name: "cuzmem_start", Value: 0x1100, Size: 32, Type: elf.STT_FUNC},
	{Name: "cuzmem_end", Value: 0x1140, Size: 32, Type: elf.STT_FUNC},
	{Name: "cuzmem_set_project", Value: 0x1180, Size: 32, Type: elf.STT_FUNC},
	{Name: "cuzmem_set_plan", Value: 0x11c0, Size: 32, Type: elf.STT_FUNC},
	{Name: "cuzmem_set_tuner", Value: 0x1200, Size: 32, Type: elf.STT_FUNC},
	{Name: "cuzmem_check_plan", Value: 0x1240, Size: 32, Type: elf.STT_FUNC},
}

func call(from, to uint64) []byte {
	code := []byte{0xe8, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(code[1:], uint32(to-(from+5)))
	return code
}

// fakeLibrary records the calls the program makes into the instrumentation hooks.
type fakeLibrary struct {
	projects   []string
	plans      []string
	tuners     []uint64
	modes      []uint64
	checkPlans [][2]string
	ends       int

	// finishAfter makes the end hook return zero on its n-th call.
	finishAfter int
	planExists  bool
	onStart     func()
	onEnd       func()
}

func (l *fakeLibrary) install(emu *testsupport.Emulator, base uint64, syms []testsupport.ELFSymbol) {
	hooks := map[string]testsupport.Hook{
		"cuzmem_start": func(e *testsupport.Emulator) uint64 {
			l.modes = append(l.modes, e.Arg(0))
			if l.onStart != nil {
				l.onStart()
			}
			return 0
		},
		"cuzmem_end": func(*testsupport.Emulator) uint64 {
			l.ends++
			if l.onEnd != nil {
				l.onEnd()
			}
			if l.finishAfter > 0 && l.ends >= l.finishAfter {
				return 0
			}
			return 1
		},
		"cuzmem_set_project": func(e *testsupport.Emulator) uint64 {
			l.projects = append(l.projects, e.StringArg(0))
			return 0
		},
		"cuzmem_set_plan": func(e *testsupport.Emulator) uint64 {
			l.plans = append(l.plans, e.StringArg(0))
			return 0
		},
		"cuzmem_set_tuner": func(e *testsupport.Emulator) uint64 {
			l.tuners = append(l.tuners, e.Arg(0))
			return 0
		},
		"cuzmem_check_plan": func(e *testsupport.Emulator) uint64 {
			l.checkPlans = append(l.checkPlans, [2]string{e.StringArg(0), e.StringArg(1)})
			if l.planExists {
				return 1
			}
			return 0
		},
	}
	for _, sym := range syms {
		if hook, ok := hooks[sym.Name]; ok {
			emu.Hooks[libpf.Address(base+sym.Value)] = hook
		}
	}
}

type fixture struct {
	arch   x86helpers.Arch
	emu    *testsupport.Emulator
	lib    *fakeLibrary
	config *Config
	base   uint64
	opts   []Option
}

func (f *fixture) main() uint64 {
	return f.base + mainOff
}

type fixtureSpec struct {
	pie         bool
	noLibrary   bool
	hookSymbols []testsupport.ELFSymbol
}

// newFixture writes an executable whose entry point calls main once and
// prepares an emulated process image for it with the instrumentation
// library in its link map.
func newFixture(t *testing.T, arch x86helpers.Arch, fs fixtureSpec) *fixture {
	t.Helper()
	f := &fixture{
		arch: arch,
		emu:  testsupport.NewEmulator(arch),
		lib:  &fakeLibrary{finishAfter: 3},
		base: uint64(arch.TextBase),
	}
	syms := fs.hookSymbols
	if syms == nil {
		syms = hookSymbols
	}

	elfType := elf.ET_EXEC
	mainValue := f.base + mainOff
	imageSpec := testsupport.ImageSpec{Arch: arch}
	if fs.pie {
		f.base = 0x56555000
		if arch.Is64Bit() {
			f.base = 0x555555554000
		}
		imageSpec.PIEBase = f.base
		elfType = elf.ET_DYN
		mainValue = mainOff
	}

	libBase := uint64(0xb7000000)
	if arch.Is64Bit() {
		libBase = 0x7f0000000000
	}
	imageSpec.Modules = []testsupport.ImageLibrary{
		{Path: ""},
		{Path: "/lib/libc.so.6", Base: libBase,
			Symbols: []testsupport.ELFSymbol{{Name: "malloc", Value: 0x2000, Type: elf.STT_FUNC}}},
	}
	if !fs.noLibrary {
		imageSpec.Modules = append(imageSpec.Modules, testsupport.ImageLibrary{
			Path: "/usr/lib/libcuzmem.so.1", Base: libBase + 0x100000, Symbols: syms,
		})
		f.lib.install(f.emu, libBase+0x100000, syms)
	}
	img := testsupport.BuildImage(f.emu.Memory, imageSpec)

	// main: push bp; call helper; pop bp; ret
	mainCode := append([]byte{0x55}, call(f.base+mainOff+1, f.base+helperOff)...)
	mainCode = append(mainCode, 0x5d, 0xc3)
	f.emu.Load(f.base+mainOff, mainCode)
	f.emu.Load(f.base+helperOff, []byte{0xc3})
	f.emu.Load(f.base+entryOff, call(f.base+entryOff, f.base+mainOff))
	f.emu.ExitAddr = libpf.Address(f.base + entryOff + 5)
	f.emu.Map(stackBase, stackTop-stackBase)

	dir := t.TempDir()
	path, err := testsupport.WriteELF(dir, "prog", testsupport.ELFSpec{
		Class:      arch.Class,
		Type:       elfType,
		Machine:    arch.Machine,
		Entry:      mainValue - mainOff + entryOff,
		DynSymbols: []testsupport.ELFSymbol{{Name: "main", Value: mainValue, Size: 8, Type: elf.STT_FUNC}},
	})
	require.NoError(t, err)

	f.config = &Config{
		Program:       path,
		Args:          []string{"-n", "64"},
		Library:       DefaultLibrary,
		Mode:          ModeTune,
		Project:       DefaultProject,
		Tuner:         2,
		VerifyRestore: true,
	}
	auxv := process.Auxv{process.AtEntry: f.base + entryOff}
	if fs.pie {
		auxv[process.AtPhdr] = img.Phdr
		auxv[process.AtPhnum] = uint64(img.Phnum)
	}
	f.opts = []Option{
		WithSpawner(func(a x86helpers.Arch, argv, _ []string) (process.Tracee, error) {
			assert.Equal(t, arch, a)
			assert.Equal(t, append([]string{path}, f.config.Args...), argv)
			f.emu.Regs.SetSP(stackTop - 0x100)
			f.emu.Regs.SetPC(f.base + entryOff)
			return f.emu, nil
		}),
		WithAuxvReader(func(libpf.PID, int) (process.Auxv, error) {
			return auxv, nil
		}),
	}
	return f
}

func (f *fixture) run(ctx context.Context) (*Session, error) {
	c := New(f.config, f.opts...)
	err := c.Run(ctx)
	return c.Session(), err
}

// assertCleanExit checks that main returned normally after the tracee was
// released, with its code and stack as the program left them.
func (f *fixture) assertCleanExit(t *testing.T) {
	t.Helper()
	assert.True(t, f.emu.Detached)
	assert.True(t, f.emu.Exited)
	require.NoError(t, f.emu.FreeRunErr)
	assert.Equal(t, uint64(stackTop-0x100), f.emu.Regs.SP())
	assert.Equal(t, byte(0xc3), f.emu.Bytes(f.main()+mainRetOff, 1)[0])
	assert.Equal(t, byte(0x55), f.emu.Bytes(f.main(), 1)[0])
}

func TestRunTuningSession(t *testing.T) {
	for _, arch := range []x86helpers.Arch{x86helpers.X86, x86helpers.AMD64} {
		for _, pie := range []bool{false, true} {
			name := arch.Name
			if pie {
				name += "/pie"
			}
			t.Run(name, func(t *testing.T) {
				f := newFixture(t, arch, fixtureSpec{pie: pie})
				s, err := f.run(context.Background())
				require.NoError(t, err)

				assert.Equal(t, StateDone, s.State)
				assert.Equal(t, 3, s.Iterations)
				assert.Equal(t, libpf.Address(f.main()), s.Main)
				assert.Equal(t, libpf.Address(f.main()+mainRetOff), s.Boundary.Return)
				assert.Equal(t, 2, s.Boundary.Steps)
				assert.Equal(t, 1, s.Boundary.StepOvers)

				lib := f.lib
				assert.Equal(t, []string{DefaultProject}, lib.projects)
				assert.Equal(t, []string{PlanKey(f.config.Program, f.config.Args)}, lib.plans)
				assert.Equal(t, []uint64{2}, lib.tuners)
				assert.Equal(t, []uint64{1, 1, 1}, lib.modes)
				assert.Equal(t, 3, lib.ends)
				assert.Empty(t, lib.checkPlans)

				f.assertCleanExit(t)
			})
		}
	}
}

func TestRunMainAt0x401000(t *testing.T) {
	f := newFixture(t, x86helpers.AMD64, fixtureSpec{})
	require.Equal(t, uint64(0x401000), f.main())
	s, err := f.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Iterations)
	assert.Equal(t, libpf.Address(0x401007), s.Boundary.Return)
	f.assertCleanExit(t)
}

func TestRunCheckPlan(t *testing.T) {
	tests := map[string]struct {
		mode       string
		planExists bool
		retune     bool
		wantMode   uint64
	}{
		"no plan":          {mode: ModeTune, wantMode: 1},
		"plan exists":      {mode: ModeTune, planExists: true, wantMode: 0},
		"retune":           {mode: ModeTune, planExists: true, retune: true, wantMode: 1},
		"run without plan": {mode: ModeRun, wantMode: 0},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, x86helpers.AMD64, fixtureSpec{})
			f.lib.finishAfter = 1
			f.lib.planExists = tc.planExists
			f.config.Mode = tc.mode
			f.config.CheckPlan = true
			f.config.Retune = tc.retune
			f.config.Plan = "my-plan"

			s, err := f.run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, s.Iterations)
			assert.Equal(t, []uint64{tc.wantMode}, f.lib.modes)
			assert.Equal(t, [][2]string{{DefaultProject, "my-plan"}}, f.lib.checkPlans)
			assert.Equal(t, []string{"my-plan"}, f.lib.plans)
			f.assertCleanExit(t)
		})
	}
}

func TestRunStates(t *testing.T) {
	for _, iterations := range []int{1, 3} {
		t.Run(fmt.Sprintf("%d iterations", iterations), func(t *testing.T) {
			f := newFixture(t, x86helpers.AMD64, fixtureSpec{})
			f.lib.finishAfter = iterations
			c := New(f.config, f.opts...)

			var atStart, atEnd []State
			f.lib.onStart = func() { atStart = append(atStart, c.Session().State) }
			f.lib.onEnd = func() { atEnd = append(atEnd, c.Session().State) }

			require.NoError(t, c.Run(context.Background()))
			wantStart := make([]State, iterations)
			wantEnd := make([]State, iterations)
			for i := range iterations {
				wantStart[i], wantEnd[i] = StateTuning, StateTuning
			}
			wantEnd[0] = StateBoundaryFound
			assert.Equal(t, wantStart, atStart)
			assert.Equal(t, wantEnd, atEnd)
			assert.Equal(t, StateDone, c.Session().State)
			f.assertCleanExit(t)
		})
	}
}

func TestRunMaxIterations(t *testing.T) {
	f := newFixture(t, x86helpers.X86, fixtureSpec{})
	f.lib.finishAfter = 0
	f.config.MaxIterations = 4

	s, err := f.run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, s.Iterations)
	assert.Equal(t, 4, f.lib.ends)
	f.assertCleanExit(t)
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t, x86helpers.AMD64, fixtureSpec{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.lib.finishAfter = 0
	f.lib.onEnd = cancel

	s, err := f.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, s.Iterations)
	assert.Equal(t, StateDone, s.State)
	f.assertCleanExit(t)
}

func TestRunMissingInstrumentation(t *testing.T) {
	t.Run("hooks", func(t *testing.T) {
		f := newFixture(t, x86helpers.AMD64, fixtureSpec{hookSymbols: hookSymbols[:4]})
		_, err := f.run(context.Background())
		require.ErrorIs(t, err, ErrMissingInstrumentation)
		assert.ErrorContains(t, err, "cuzmem_set_tuner, cuzmem_check_plan")

		var stageErr *StageError
		require.ErrorAs(t, err, &stageErr)
		assert.Equal(t, StageResolve, stageErr.Stage)
		assert.False(t, f.emu.Detached)
	})
	t.Run("library", func(t *testing.T) {
		f := newFixture(t, x86helpers.X86, fixtureSpec{noLibrary: true})
		_, err := f.run(context.Background())
		require.ErrorIs(t, err, ErrMissingInstrumentation)
		assert.ErrorIs(t, err, rtld.ErrLibraryNotFound)
	})
}

func TestRunLocateMain(t *testing.T) {
	dir := t.TempDir()
	path, err := testsupport.WriteELF(dir, "stripped", testsupport.ELFSpec{
		Class:   elf.ELFCLASS64,
		Type:    elf.ET_EXEC,
		Machine: elf.EM_X86_64,
		Symbols: []testsupport.ELFSymbol{{Name: "main", Value: 0x401000, Type: elf.STT_FUNC}},
	})
	require.NoError(t, err)

	spawned := false
	spawner := WithSpawner(func(x86helpers.Arch, []string, []string) (process.Tracee, error) {
		spawned = true
		return nil, errors.New("not spawning in tests")
	})

	cfg := &Config{Program: path, Library: DefaultLibrary, Mode: ModeTune, Project: DefaultProject}
	err = New(cfg, spawner).Run(context.Background())
	require.ErrorIs(t, err, pfelf.ErrSymbolNotFound)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageLocate, stageErr.Stage)
	assert.False(t, spawned)

	cfg.SymtabFallback = true
	err = New(cfg, spawner).Run(context.Background())
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageSpawn, stageErr.Stage)
	assert.True(t, spawned)
}

func TestPlanKey(t *testing.T) {
	sum := sha256.Sum256([]byte("proga b "))
	assert.Equal(t, hex.EncodeToString(sum[:]), PlanKey("/opt/bin/prog", []string{"a", "b"}))
	assert.Equal(t, PlanKey("prog", []string{"a", "b"}), PlanKey("./prog", []string{"a", "b"}))
	assert.NotEqual(t, PlanKey("prog", []string{"a", "b"}), PlanKey("prog", []string{"ab"}))
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{Program: "prog", Library: DefaultLibrary, Mode: ModeTune,
			Project: DefaultProject}
	}
	tests := map[string]struct {
		modify  func(*Config)
		wantErr bool
	}{
		"valid":              {modify: func(*Config) {}},
		"run mode":           {modify: func(c *Config) { c.Mode = ModeRun }},
		"no program":         {modify: func(c *Config) { c.Program = "" }, wantErr: true},
		"bad mode":           {modify: func(c *Config) { c.Mode = "fast" }, wantErr: true},
		"no library":         {modify: func(c *Config) { c.Library = "" }, wantErr: true},
		"no project":         {modify: func(c *Config) { c.Project = "" }, wantErr: true},
		"negative limit":     {modify: func(c *Config) { c.MaxIterations = -1 }, wantErr: true},
		"oom out of range":   {modify: func(c *Config) { c.AdjustOOM, c.OOMScoreAdj = true, 1001 }, wantErr: true},
		"oom unset ignored":  {modify: func(c *Config) { c.OOMScoreAdj = 5000 }},
		"oom lowest allowed": {modify: func(c *Config) { c.AdjustOOM, c.OOMScoreAdj = true, -1000 }},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, errInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorWithExitCode(t *testing.T) {
	err := NewErrorWithExitCode(&StageError{Stage: StageSpawn, Err: process.ErrSpawn}, 1)
	assert.Equal(t, 1, err.Code())
	assert.ErrorIs(t, err, process.ErrSpawn)
	assert.EqualError(t, err, "spawn: failed to spawn tracee")
}
