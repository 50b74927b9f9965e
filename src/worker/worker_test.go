package worker

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/process"
)

type closeTrackingPipe struct {
	io.Reader
	io.Writer
	closed bool
}

func (p *closeTrackingPipe) Close() error {
	p.closed = true
	return nil
}

func TestPipeConnReadWriteClose(t *testing.T) {
	wr, ww := io.Pipe()
	rr, _ := io.Pipe()
	writer := &closeTrackingPipe{Writer: ww}
	reader := &closeTrackingPipe{Reader: rr}
	conn := &pipeConn{writer: writer, reader: reader}

	go func() {
		conn.Write([]byte("hello"))
		ww.Close()
	}()
	buf := make([]byte, 5)
	n, err := io.ReadFull(wr, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	require.NoError(t, conn.Close())
	assert.True(t, writer.closed)
	assert.True(t, reader.closed)
	_ = wr
}

func TestStderrLoggerAccumulatesHistory(t *testing.T) {
	l := &stderrLogger{}
	l.Write([]byte("WARNING: low disk space\n"))
	l.Write([]byte("boom\n"))
	assert.Contains(t, string(l.History), "WARNING: low disk space")
	assert.Contains(t, string(l.History), "boom")
}

func TestStderrLoggerSuppressStillRecordsHistory(t *testing.T) {
	l := &stderrLogger{Suppress: true}
	l.Write([]byte("quiet failure\n"))
	assert.Contains(t, string(l.History), "quiet failure")
}

func TestDispatcherWorkerBinaryRequiresDeployDir(t *testing.T) {
	cfg := core.DefaultConfiguration()
	cfg.DeployDir = ""
	d := NewDispatcher(cfg, process.New())
	_, err := d.workerBinary()
	assert.Error(t, err)
}

func TestDispatcherWorkerBinaryJoinsDeployDir(t *testing.T) {
	cfg := core.DefaultConfiguration()
	cfg.DeployDir = "/opt/cradle/deploy"
	d := NewDispatcher(cfg, process.New())
	bin, err := d.workerBinary()
	require.NoError(t, err)
	assert.Equal(t, "/opt/cradle/deploy/cradle", bin)
}

func TestDispatcherResolveRequiresContainmentData(t *testing.T) {
	cfg := core.DefaultConfiguration()
	cfg.DeployDir = "/opt/cradle/deploy"
	d := NewDispatcher(cfg, process.New())

	req := core.NewFunction("worker.test.noop", core.Properties{}, nil,
		func(ctx core.Context, vals []core.Value) (core.Value, error) { return core.Int(0), nil })

	_, err := d.Resolve(nil, req, func(core.Request) ([]byte, error) { return nil, nil })
	require.Error(t, err)
	cerr, ok := err.(*core.Error)
	require.True(t, ok)
	assert.Equal(t, core.ErrLogic, cerr.Kind)
}
