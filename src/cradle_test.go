package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-cradle/cradle/src/core"
)

func TestStdioConnReadWrite(t *testing.T) {
	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	conn := &stdioConn{in: inR, out: outW}

	go func() {
		inW.Write([]byte("ping"))
		inW.Close()
	}()

	buf := make([]byte, 4)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	n, err = conn.Write([]byte("pong"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	outW.Close()
	got, err := io.ReadAll(outR)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))

	require.NoError(t, conn.Close())
}

func TestNewResourcesWiresBothCacheTiers(t *testing.T) {
	config := core.DefaultConfiguration()
	config.DiskCache.Directory = t.TempDir()
	config.DiskCache.StartEmpty = true

	resources, catalog, err := newResources(config)
	require.NoError(t, err)
	defer catalog.Close()
	defer resources.Shutdown()

	assert.NotNil(t, resources.MemoryCache)
	assert.NotNil(t, resources.DiskCache)
	assert.NotNil(t, resources.Registry)

	_, ok := catalog.Lookup("does.not.exist")
	assert.False(t, ok)
}
