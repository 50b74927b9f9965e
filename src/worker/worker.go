// Package worker dispatches a single request to a contained child process
// (spec §4.11). Each call to Dispatcher.Resolve starts a short-lived worker
// binary, hands it exactly one serialized request over a stdin/stdout pipe
// pair using the same wire protocol src/remote uses for TCP, and reports a
// timeout or unexpected process death as a transient resolve failure rather
// than a fatal one.
package worker

import (
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/process"
	"github.com/open-cradle/cradle/src/remote"
)

var log = logging.MustGetLogger("worker")

// Dispatcher implements resolve.ContainmentDispatcher (spec §4.11): it
// spawns one child process per request, rather than a long-lived pool,
// matching the containment contract's description of a worker that loads
// a DLL and resolves exactly one request before exiting.
type Dispatcher struct {
	config   *core.Configuration
	executor *process.Executor

	mu     sync.Mutex
	active map[*exec.Cmd]*stderrLogger
}

// NewDispatcher builds a Dispatcher that spawns the worker binary found
// under config.DeployDir, running it through executor.
func NewDispatcher(config *core.Configuration, executor *process.Executor) *Dispatcher {
	return &Dispatcher{
		config:   config,
		executor: executor,
		active:   map[*exec.Cmd]*stderrLogger{},
	}
}

// Resolve satisfies resolve.ContainmentDispatcher. req must carry
// containment_data; the caller (resolve.Resolver.selectExecutor) already
// confirmed this.
func (d *Dispatcher) Resolve(ctx core.Context, req core.Request, encode func(core.Request) ([]byte, error)) (core.Value, error) {
	cd, ok := req.Containment()
	if !ok {
		return core.Value{}, core.NewError(core.ErrLogic, "worker.Dispatcher.Resolve called with no containment_data on %s", req.UUID())
	}
	binary, err := d.workerBinary()
	if err != nil {
		return core.Value{}, err
	}

	cmd := d.executor.ExecCommand(binary, "--contained-worker",
		"--library-dir", cd.DLLDirectory, "--library-name", cd.DLLName)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return core.Value{}, core.WrapError(core.ErrContainmentFailure, err, "opening stdin to contained worker for %s", cd.UUID)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return core.Value{}, core.WrapError(core.ErrContainmentFailure, err, "opening stdout from contained worker for %s", cd.UUID)
	}
	stderr := &stderrLogger{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return core.Value{}, core.WrapError(core.ErrContainmentFailure, err, "starting contained worker %s for %s", binary, cd.UUID)
	}
	d.track(cmd, stderr)
	defer d.untrack(cmd)

	died := make(chan error, 1)
	go func() { died <- cmd.Wait() }()

	conn := &pipeConn{writer: stdin, reader: stdout}
	client, err := remote.NewClientConn(conn)
	if err != nil {
		d.executor.KillProcess(cmd)
		return core.Value{}, core.WrapError(core.ErrContainmentFailure, err, "handshaking with contained worker for %s", cd.UUID)
	}
	defer client.Close()

	enc, err := encode(req)
	if err != nil {
		d.executor.KillProcess(cmd)
		return core.Value{}, err
	}

	type outcome struct {
		result core.SerializedResult
		err    error
	}
	resolved := make(chan outcome, 1)
	go func() {
		result, err := client.ResolveSync(ctx, enc)
		resolved <- outcome{result, err}
	}()

	var stdCtxDone <-chan struct{}
	if ctx != nil && ctx.StdContext() != nil {
		stdCtxDone = ctx.StdContext().Done()
	}

	select {
	case o := <-resolved:
		if o.err != nil {
			return core.Value{}, o.err
		}
		return core.DecodeValue(o.result.ValueBytes)
	case werr := <-died:
		return core.Value{}, core.NewError(core.ErrContainmentFailure,
			"contained worker for %s died before responding: %v\n%s", cd.UUID, werr, string(stderr.History))
	case <-stdCtxDone:
		d.executor.KillProcess(cmd)
		return core.Value{}, core.NewError(core.ErrContainmentFailure,
			"contained worker for %s timed out: %s", cd.UUID, ctx.StdContext().Err())
	}
}

// workerBinary locates the contained-worker binary under the deploy
// directory configured at startup (spec §6's DEPLOY_DIR key).
func (d *Dispatcher) workerBinary() (string, error) {
	if d.config.DeployDir == "" {
		return "", core.NewError(core.ErrContainmentFailure, "no deploy-dir configured, can't locate a contained worker binary")
	}
	return filepath.Join(d.config.DeployDir, "cradle"), nil
}

func (d *Dispatcher) track(cmd *exec.Cmd, stderr *stderrLogger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[cmd] = stderr
}

func (d *Dispatcher) untrack(cmd *exec.Cmd) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, cmd)
}

// StopAll kills any contained workers still running. Called on shutdown
// so a cancelled top-level resolve doesn't leave orphan child processes.
func (d *Dispatcher) StopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for cmd, stderr := range d.active {
		stderr.Suppress = true
		d.executor.KillProcess(cmd)
	}
	d.active = map[*exec.Cmd]*stderrLogger{}
}

// pipeConn combines a child process's separate stdin/stdout pipes into
// the single io.ReadWriteCloser remote.NewClientConn expects. Close
// closes both ends; an explicit method at this depth resolves the
// embedding ambiguity the two otherwise-anonymous fields would create.
type pipeConn struct {
	writer interface {
		Write([]byte) (int, error)
		Close() error
	}
	reader interface {
		Read([]byte) (int, error)
		Close() error
	}
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.reader.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.writer.Write(b) }

func (p *pipeConn) Close() error {
	err := p.writer.Close()
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}

// stderrLogger buffers and logs a contained worker's stderr line by line,
// keeping the full history around to surface in a death-before-response
// error.
type stderrLogger struct {
	buffer   []byte
	History  []byte
	Suppress bool
}

func (l *stderrLogger) Write(msg []byte) (int, error) {
	l.buffer = append(l.buffer, msg...)
	if len(l.buffer) > 0 && l.buffer[len(l.buffer)-1] == '\n' {
		if !l.Suppress {
			if line := strings.TrimSpace(string(l.buffer)); strings.HasPrefix(line, "WARNING") {
				log.Warning("warning from contained worker: %s", line)
			} else {
				log.Error("error from contained worker: %s", strings.TrimSpace(string(l.buffer)))
			}
		}
		l.History = append(l.History, l.buffer...)
		l.buffer = nil
	}
	return len(msg), nil
}
