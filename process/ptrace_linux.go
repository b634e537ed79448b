//go:build linux && (amd64 || 386)

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process // import "github.com/cuzmem/fossa/process"

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cuzmem/fossa/libpf"
)

// Ptrace is a Tracee controlled through the unix ptrace API.
type Ptrace struct {
	pid libpf.PID
	cmd *exec.Cmd
}

var _ Tracee = &Ptrace{}

// Spawn starts argv[0] with the given arguments and environment under trace
// and returns once the child has stopped after exec. The calling goroutine is
// locked to its OS thread until Detach, as the kernel requires every ptrace
// request to come from the tracing thread.
// WARNING: All usage of the returned Ptrace must happen from this goroutine.
func Spawn(argv, env []string) (*Ptrace, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrSpawn)
	}

	runtime.LockOSThread()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}
	if err := cmd.Start(); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	pt := &Ptrace{pid: libpf.PID(cmd.Process.Pid), cmd: cmd}
	status, err := pt.wait()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("%w: unexpected status 0x%x after exec", ErrSpawn, status)
	}
	log.Debugf("Spawned %s as PID %d", argv[0], pt.pid)
	return pt, nil
}

// Attach stops the running process pid and traces it. The same thread
// locking rules as for Spawn apply.
func Attach(pid libpf.PID) (*Ptrace, error) {
	runtime.LockOSThread()

	// Per ptrace API, this will send a SIGSTOP to the process and suspend it.
	// The stop happens asynchronously and needs to be waited for.
	if err := unix.PtraceAttach(int(pid)); err != nil {
		runtime.UnlockOSThread()
		return nil, &TraceError{Op: "attach", Err: err}
	}
	pt := &Ptrace{pid: pid}
	if _, err := pt.wait(); err != nil {
		_ = unix.PtraceDetach(int(pid))
		runtime.UnlockOSThread()
		return nil, err
	}
	return pt, nil
}

func (pt *Ptrace) PID() libpf.PID {
	return pt.pid
}

// ReadAt reads tracee memory word by word. The peek interface reports errors
// out of band, so a word of all ones is returned as data.
func (pt *Ptrace) ReadAt(p []byte, off int64) (int, error) {
	n, err := unix.PtracePeekText(int(pt.pid), uintptr(off), p)
	if err != nil {
		return n, &TraceError{Op: "peek", Addr: libpf.Address(off), Err: err}
	}
	return n, nil
}

// WriteAt writes tracee memory. A trailing partial word is merged with the
// current memory contents.
func (pt *Ptrace) WriteAt(p []byte, off int64) (int, error) {
	n, err := unix.PtracePokeText(int(pt.pid), uintptr(off), p)
	if err != nil {
		return n, &TraceError{Op: "poke", Addr: libpf.Address(off), Err: err}
	}
	return n, nil
}

func (pt *Ptrace) Registers() (Regs, error) {
	var regs Regs
	if err := unix.PtraceGetRegs(int(pt.pid), &regs.PtraceRegs); err != nil {
		return Regs{}, &TraceError{Op: "getregs", Err: err}
	}
	return regs, nil
}

func (pt *Ptrace) SetRegisters(regs Regs) error {
	if err := unix.PtraceSetRegs(int(pt.pid), &regs.PtraceRegs); err != nil {
		return &TraceError{Op: "setregs", Err: err}
	}
	return nil
}

func (pt *Ptrace) Continue() error {
	return pt.resume("cont", unix.PtraceCont)
}

// SingleStep executes one instruction. A signal that stops the tracee first is
// delivered with the next step request, so a pending signal never lets the
// tracee run freely.
func (pt *Ptrace) SingleStep() error {
	return pt.resume("singlestep", ptraceSingleStep)
}

// ptraceSingleStep is PTRACE_SINGLESTEP with a signal to deliver, which
// unix.PtraceSingleStep cannot pass.
func ptraceSingleStep(pid, sig int) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SINGLESTEP,
		uintptr(pid), 0, uintptr(sig), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// resume restarts the tracee and waits for the next SIGTRAP. Other stop
// signals belong to the tracee and are delivered to it before waiting again.
func (pt *Ptrace) resume(op string, restart func(pid, sig int) error) error {
	sig := 0
	for {
		if err := restart(int(pt.pid), sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// Killed while stopped: the restart fails, the exit is still waitable.
				if status, werr := pt.wait(); werr == nil {
					if gone := terminated(status); gone != nil {
						return gone
					}
				}
			}
			return &TraceError{Op: op, Err: err}
		}
		status, err := pt.wait()
		if err != nil {
			return err
		}
		if gone := terminated(status); gone != nil {
			return gone
		}
		switch {
		case status.Stopped():
			if status.StopSignal() == unix.SIGTRAP {
				return nil
			}
			sig = int(status.StopSignal())
			log.Debugf("Forwarding %v to PID %d", status.StopSignal(), pt.pid)
		default:
			return &TraceError{Op: "wait", Err: fmt.Errorf("unexpected status 0x%x", status)}
		}
	}
}

// terminated maps an exit or fatal signal to its error, or returns nil while
// the tracee lives.
func terminated(status unix.WaitStatus) error {
	switch {
	case status.Exited():
		return fmt.Errorf("%w: exit status %d", ErrTraceeExited, status.ExitStatus())
	case status.Signaled():
		if status.Signal() == unix.SIGKILL {
			return fmt.Errorf("%w: %s", ErrTraceeKilled, OOMHint())
		}
		return fmt.Errorf("%w: terminated by %v", ErrTraceeExited, status.Signal())
	}
	return nil
}

func (pt *Ptrace) wait() (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		_, err := unix.Wait4(int(pt.pid), &status, 0, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, &TraceError{Op: "wait", Err: err}
		}
		return status, nil
	}
}

func (pt *Ptrace) Detach() error {
	err := unix.PtraceDetach(int(pt.pid))
	runtime.UnlockOSThread()
	if err != nil {
		return &TraceError{Op: "detach", Err: err}
	}
	return nil
}
