package mocks

import (
	"context"
	"sync"

	"github.com/relaycast/relaycast/pkg/recorder"
)

// MockProcess implements recorder.Process with test-controlled readiness
// and exit.
type MockProcess struct {
	ready chan struct{}
	done  chan error

	mu        sync.Mutex
	stopped   bool
	readyOnce sync.Once
	exitOnce  sync.Once
}

func NewMockProcess() *MockProcess {
	return &MockProcess{
		ready: make(chan struct{}),
		done:  make(chan error, 1),
	}
}

func (p *MockProcess) Ready() <-chan struct{} { return p.ready }
func (p *MockProcess) Done() <-chan error     { return p.done }

// Stop records the stop and reports a nil exit, as a process terminated by
// the bridge would.
func (p *MockProcess) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.Exit(nil)
}

// SignalReady marks the process as listening on its input port.
func (p *MockProcess) SignalReady() {
	p.readyOnce.Do(func() { close(p.ready) })
}

// Exit delivers the exit error. Later calls are no-ops.
func (p *MockProcess) Exit(err error) {
	p.exitOnce.Do(func() { p.done <- err })
}

// Stopped reports whether Stop was called.
func (p *MockProcess) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// MockLauncher implements recorder.Launcher. By default every Start
// succeeds with a process that is immediately ready; StartFunc overrides.
type MockLauncher struct {
	mu sync.Mutex

	StartFunc func(job recorder.Job) (recorder.Process, error)

	// AutoReady controls whether default processes signal readiness on
	// start. Defaults to true in NewMockLauncher.
	AutoReady bool

	Jobs      []recorder.Job
	Processes []*MockProcess
}

func NewMockLauncher() *MockLauncher {
	return &MockLauncher{AutoReady: true}
}

func (l *MockLauncher) Start(ctx context.Context, job recorder.Job) (recorder.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Jobs = append(l.Jobs, job)
	if l.StartFunc != nil {
		return l.StartFunc(job)
	}
	p := NewMockProcess()
	if l.AutoReady {
		p.SignalReady()
	}
	l.Processes = append(l.Processes, p)
	return p, nil
}

// GetJobs returns a copy of the jobs started.
func (l *MockLauncher) GetJobs() []recorder.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]recorder.Job{}, l.Jobs...)
}

// LastProcess returns the most recent default process, or nil.
func (l *MockLauncher) LastProcess() *MockProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Processes) == 0 {
		return nil
	}
	return l.Processes[len(l.Processes)-1]
}
