package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/R3E-Network/req2run-engine/internal/enginerrors"
	"github.com/R3E-Network/req2run-engine/internal/model"
)

// gracePeriod is how long a sandboxed process gets to exit cleanly after
// SIGTERM before it is SIGKILLed.
const gracePeriod = 5 * time.Second

// capSamplePeriod is how often Exec polls sampled RSS/CPU and captured
// output size against the Handle's resource caps while a command runs.
const capSamplePeriod = 100 * time.Millisecond

// cpuCapSlack tolerates brief bursts above the declared CPU core budget
// before classifying a run as over cap; a single-core-budgeted process
// can legitimately spike the scheduler's accounting for a sample or two.
const cpuCapSlack = 1.2

// riskyBinaryClasses maps argv[0] basenames with no legitimate use during
// evaluation to the SyscallClass they exist to invoke. This is a coarse,
// name-based stand-in for true kernel-level syscall interception (seccomp
// or ptrace), which LocalProcessProvider cannot install without a
// privileged pre-exec helper; see DESIGN.md.
var riskyBinaryClasses = map[string]SyscallClass{
	"strace":   SyscallClassPtrace,
	"ltrace":   SyscallClassPtrace,
	"gdb":      SyscallClassPtrace,
	"mount":    SyscallClassMount,
	"umount":   SyscallClassMount,
	"insmod":   SyscallClassModuleLoad,
	"modprobe": SyscallClassModuleLoad,
	"rmmod":    SyscallClassModuleLoad,
	"reboot":   SyscallClassReboot,
	"shutdown": SyscallClassReboot,
	"halt":     SyscallClassReboot,
	"keyctl":   SyscallClassKeyring,
	"unshare":  SyscallClassUserNamespace,
	"nsenter":  SyscallClassUserNamespace,
}

// Handle represents one provisioned sandbox for the lifetime of a Job: a
// dedicated working directory, an egress/syscall Policy, an HTTP(S)
// forward proxy enforcing that Policy's egress allow-list, and the
// resource caps to enforce on every command it runs.
type Handle struct {
	JobID   string
	RootDir string
	Policy  *Policy
	Caps    model.ResourceCaps

	egress *egressProxy

	mu        sync.Mutex
	torndown  bool
}

// ExecResult carries the outcome of one command run inside a Handle.
type ExecResult struct {
	ExitCode         int
	Crashed          bool // killed by a signal rather than exiting normally
	TimedOut         bool
	ResourceExceeded bool
	ResourceReason   string // "output_flood", "memory_cap", or "cpu_cap"
	Stdout           []byte
	Stderr           []byte
	Duration         time.Duration
	PeakRSSBytes     uint64
	CPUSeconds       float64
}

// Provider provisions and tears down sandboxes. LocalProcessProvider is the
// only implementation; container/cluster-pod variants are named in
// configuration (internal/config.SandboxVariant) but are out of scope here.
type Provider interface {
	Provision(ctx context.Context, job *model.Job) (*Handle, error)
	Teardown(ctx context.Context, h *Handle) error
}

// LocalProcessProvider runs submissions as plain OS processes, each in its
// own process group so the whole tree can be killed together, under a
// dedicated temporary working directory per Job.
type LocalProcessProvider struct {
	BaseDir string // parent directory for per-job sandboxes; defaults to os.TempDir()
}

// NewLocalProcessProvider creates a Provider rooted at baseDir (created if
// absent). An empty baseDir uses os.TempDir().
func NewLocalProcessProvider(baseDir string) *LocalProcessProvider {
	if baseDir == "" {
		baseDir = os.TempDir()
	}
	return &LocalProcessProvider{BaseDir: baseDir}
}

// Provision creates the job's working directory and policy, copying in the
// submission's sources.
func (p *LocalProcessProvider) Provision(ctx context.Context, job *model.Job) (*Handle, error) {
	root := filepath.Join(p.BaseDir, "req2run-"+job.ID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, enginerrors.InfraFault("create sandbox working directory", err)
	}

	if err := copyTree(job.Submission.RootPath, root); err != nil {
		_ = os.RemoveAll(root)
		return nil, enginerrors.InfraFault("stage submission into sandbox", err)
	}

	policy := NewPolicy(job.Spec.AllowedEgress)
	egress, err := newEgressProxy(policy)
	if err != nil {
		_ = os.RemoveAll(root)
		return nil, enginerrors.InfraFault("start sandbox egress proxy", err)
	}

	return &Handle{
		JobID:   job.ID,
		RootDir: root,
		Policy:  policy,
		Caps:    job.Spec.ResourceCaps,
		egress:  egress,
	}, nil
}

// Teardown closes the sandbox's egress proxy and removes its working
// directory. Safe to call more than once.
func (p *LocalProcessProvider) Teardown(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.torndown {
		return nil
	}
	h.torndown = true
	if h.egress != nil {
		_ = h.egress.Close()
	}
	if h.RootDir == "" {
		return nil
	}
	if err := os.RemoveAll(h.RootDir); err != nil {
		return enginerrors.InfraFault("remove sandbox working directory", err)
	}
	return nil
}

// Exec runs one command inside the handle's working directory, enforcing
// timeout via context, sampling peak RSS and CPU-seconds while it runs,
// terminating early with ResourceExceeded if either exceeds the Handle's
// declared caps or captured output exceeds the flood cap, and escalating
// SIGTERM to SIGKILL after gracePeriod whenever it has to step in. A
// command whose argv[0] is a known syscall-policy-violating binary is
// refused outright and recorded as a policy violation without ever being
// started.
func (h *Handle) Exec(ctx context.Context, name string, args []string, env []string, timeout time.Duration, outputCapBytes int64) (*ExecResult, error) {
	if class, risky := riskyBinaryClasses[filepath.Base(name)]; risky {
		if err := h.Policy.CheckSyscallClass(class); err != nil {
			// Policy.CheckSyscallClass already recorded the violation;
			// RunStage diffs Policy.Violations() before/after Exec and
			// reclassifies this stage as CrashedInSandbox/policy_violation.
			return &ExecResult{ExitCode: -1, Crashed: true}, nil
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(name, args...)
	cmd.Dir = h.RootDir
	cmd.Env = append(append([]string(nil), env...), h.proxyEnv()...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if outputCapBytes <= 0 {
		outputCapBytes = 128 << 20
	}
	stdout := newBufferWriter(outputCapBytes)
	stderr := newBufferWriter(outputCapBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, enginerrors.InfraFault("start sandboxed process", err)
	}

	sampler := newResourceSampler(cmd.Process.Pid)
	sampleDone := sampler.Start(50 * time.Millisecond)

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	capViolation := make(chan string, 1)
	monitorDone := make(chan struct{})
	go h.monitorCaps(start, sampler, stdout, stderr, outputCapBytes, capViolation, monitorDone)

	var result ExecResult
	select {
	case err := <-waitErr:
		close(monitorDone)
		result.Duration = time.Since(start)
		result.ExitCode, result.Crashed = exitInfo(err)
		if stdout.Exceeded() || stderr.Exceeded() {
			result.ResourceExceeded = true
			result.ResourceReason = "output_flood"
		}
	case <-execCtx.Done():
		close(monitorDone)
		result.TimedOut = true
		terminateProcessGroup(cmd.Process.Pid, gracePeriod, waitErr)
		result.Duration = time.Since(start)
		result.ExitCode = -1
	case reason := <-capViolation:
		result.ResourceExceeded = true
		result.ResourceReason = reason
		terminateProcessGroup(cmd.Process.Pid, gracePeriod, waitErr)
		result.Duration = time.Since(start)
		result.ExitCode = -1
	}

	close(sampleDone)
	result.PeakRSSBytes, result.CPUSeconds = sampler.Peak()
	result.Stdout = stdout.Bytes()
	result.Stderr = stderr.Bytes()
	return &result, nil
}

// proxyEnv points standard HTTP client libraries at this Handle's egress
// proxy, uppercase and lowercase both since conventions differ across
// runtimes.
func (h *Handle) proxyEnv() []string {
	if h.egress == nil {
		return nil
	}
	addr := "http://" + h.egress.Addr()
	return []string{
		"HTTP_PROXY=" + addr, "http_proxy=" + addr,
		"HTTPS_PROXY=" + addr, "https_proxy=" + addr,
		"ALL_PROXY=" + addr, "all_proxy=" + addr,
		"NO_PROXY=127.0.0.1,localhost", "no_proxy=127.0.0.1,localhost",
	}
}

// monitorCaps polls sampled RSS/CPU and captured output size against the
// Handle's resource caps, sending the violated cap's name on violation
// chan exactly once. It exits when monitorDone is closed.
func (h *Handle) monitorCaps(start time.Time, sampler *resourceSampler, stdout, stderr *bufferWriter, outputCapBytes int64, violation chan<- string, monitorDone <-chan struct{}) {
	ticker := time.NewTicker(capSamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-monitorDone:
			return
		case <-ticker.C:
			if stdout.Exceeded() || stderr.Exceeded() {
				violation <- "output_flood"
				return
			}
			peakRSS, peakCPU := sampler.Peak()
			if h.Caps.MemoryMiB > 0 && peakRSS > uint64(h.Caps.MemoryMiB)<<20 {
				violation <- "memory_cap"
				return
			}
			if h.Caps.CPUCores > 0 {
				elapsed := time.Since(start).Seconds()
				if elapsed > 1 && peakCPU > h.Caps.CPUCores*elapsed*cpuCapSlack {
					violation <- "cpu_cap"
					return
				}
			}
		}
	}
}

func exitInfo(err error) (code int, crashed bool) {
	if err == nil {
		return 0, false
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return -1, true
			}
			return status.ExitStatus(), false
		}
		return exitErr.ExitCode(), false
	}
	return -1, true
}

// terminateProcessGroup sends SIGTERM to the process group, waits up to
// grace for a clean exit, then SIGKILLs.
func terminateProcessGroup(pid int, grace time.Duration, waitErr <-chan error) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-waitErr:
		return
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-waitErr
	}
}

// resourceSampler polls a running process's RSS and cumulative CPU time,
// tracking the observed peak, using gopsutil.
type resourceSampler struct {
	pid     int32
	mu      sync.Mutex
	peakRSS uint64
	peakCPU float64
}

func newResourceSampler(pid int) *resourceSampler {
	return &resourceSampler{pid: int32(pid)}
}

func (s *resourceSampler) Start(interval time.Duration) chan struct{} {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.sampleOnce()
			}
		}
	}()
	return done
}

func (s *resourceSampler) sampleOnce() {
	proc, err := process.NewProcess(s.pid)
	if err != nil {
		return
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		s.mu.Lock()
		if mem.RSS > s.peakRSS {
			s.peakRSS = mem.RSS
		}
		s.mu.Unlock()
	}
	if times, err := proc.Times(); err == nil && times != nil {
		cpu := times.User + times.System
		s.mu.Lock()
		if cpu > s.peakCPU {
			s.peakCPU = cpu
		}
		s.mu.Unlock()
	}
}

func (s *resourceSampler) Peak() (uint64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakRSS, s.peakCPU
}

// bufferWriter is a growable buffer capped at capBytes: once total written
// bytes cross the cap it stops appending to data (so a flooding process
// can't exhaust engine memory) but keeps counting total so Exceeded can
// still report the breach. It is written to by cmd's internal copier
// goroutine and polled by Exec's cap monitor goroutine concurrently, hence
// the mutex.
type bufferWriter struct {
	mu       sync.Mutex
	data     []byte
	total    int64
	capBytes int64
}

func newBufferWriter(capBytes int64) *bufferWriter {
	return &bufferWriter{capBytes: capBytes}
}

func (b *bufferWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total += int64(len(p))
	if int64(len(b.data)) < b.capBytes {
		remaining := b.capBytes - int64(len(b.data))
		if remaining > int64(len(p)) {
			remaining = int64(len(p))
		}
		b.data = append(b.data, p[:remaining]...)
	}
	return len(p), nil
}

func (b *bufferWriter) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Exceeded reports whether total bytes ever written crossed capBytes,
// the 128MiB-default output flood cap (spec.md §4.2).
func (b *bufferWriter) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total > b.capBytes
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
