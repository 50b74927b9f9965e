// Command cradle is a thin process entrypoint: it wires core.Resources,
// the seri-registry, and the resolver/remote packages together for local
// smoke-testing and for running the out-of-process worker modes spec
// §4.9 and §4.11 describe. It deliberately carries no request-facing
// surface of its own (no CLI/WebSocket façade) — that's an explicit
// non-goal; everything it does is construct components and hand off to
// a net.Listener or a pipe.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/jessevdk/go-flags"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/cache"
	"github.com/open-cradle/cradle/src/cache/disk"
	"github.com/open-cradle/cradle/src/cli"
	"github.com/open-cradle/cradle/src/core"
	"github.com/open-cradle/cradle/src/metrics"
	"github.com/open-cradle/cradle/src/process"
	"github.com/open-cradle/cradle/src/remote"
	"github.com/open-cradle/cradle/src/resolve"
	"github.com/open-cradle/cradle/src/seri"
	"github.com/open-cradle/cradle/src/worker"
)

var log = logging.MustGetLogger("cradle")

var opts struct {
	RepoRoot string `short:"r" long:"repo_root" description:"Directory to search for a .cradleconfig file" default:"."`

	Verbosity cli.Verbosity `short:"v" long:"verbosity" description:"Verbosity of output (error, warning, notice, info, debug)" default:"warning"`

	Serve struct {
		Addr string `long:"addr" description:"Address to serve the remote proxy protocol on" default:"localhost:7771"`
	} `command:"serve" description:"Runs an out-of-process remote proxy server"`

	ContainedWorker struct {
		LibraryDir  string `long:"library-dir" description:"Directory containing the contained worker's shared library" required:"true"`
		LibraryName string `long:"library-name" description:"Name of the contained worker's shared library" required:"true"`
	} `command:"contained-worker" description:"Runs one request as a contained worker over stdin/stdout (spawned internally by src/worker)"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	args, err := parser.Parse()
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cli.InitLogging(opts.Verbosity)

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warning("failed to set GOMAXPROCS: %s", err)
	}

	config, err := core.ReadConfigFiles(opts.RepoRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "cradle takes no positional arguments, got %v\n", args)
		os.Exit(1)
	}

	switch {
	case parser.Active == nil:
		runSmokeTest(config)
	case parser.Active.Name == "contained-worker":
		runContainedWorker(config)
	case parser.Active.Name == "serve":
		runServer(config)
	}
}

// newResources builds a Resources instance with both cache tiers and a
// fresh seri-catalog wired in, exactly as every mode below needs.
func newResources(config *core.Configuration) (*core.Resources, *seri.Catalog, error) {
	memCache := cache.NewMemoryCache(config.MemoryCache.UnusedSizeLimit)
	diskCache, err := disk.New(disk.Config{
		Directory:  config.DiskCache.Directory,
		SizeLimit:  config.DiskCache.SizeLimit,
		StartEmpty: config.DiskCache.StartEmpty,
	})
	if err != nil {
		return nil, nil, err
	}
	backing := seri.NewBacking()
	catalog := seri.NewCatalog(backing)
	resources := core.NewResources(config, memCache, diskCache, catalog)
	return resources, catalog, nil
}

// runContainedWorker implements the short-lived child process side of
// spec §4.11: worker.Dispatcher execs this binary with these two flags
// and talks the remote wire protocol to it over stdin/stdout, so this
// resolves at most one request before the caller closes its end.
func runContainedWorker(config *core.Configuration) {
	resources, catalog, err := newResources(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer catalog.Close()
	defer resources.Shutdown()

	// TODO(cradle): load opts.ContainedWorker.LibraryDir/LibraryName's
	// plugin into catalog once the shared-library loader lands; until
	// then a contained worker can only resolve uuids already linked in.

	resolver := resolve.New()
	server := remote.NewServer(resources, resolver, catalog)
	conn := &stdioConn{in: os.Stdin, out: os.Stdout}
	server.ServeConn(conn)
}

// runServer runs the out-of-process half of spec §4.9 on a TCP listener.
func runServer(config *core.Configuration) {
	resources, catalog, err := newResources(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer catalog.Close()
	defer resources.Shutdown()

	executor := process.New()
	dispatcher := worker.NewDispatcher(config, executor)
	resolver := resolve.New()
	resolver.SetContainmentDispatcher(dispatcher.Resolve)
	resolver.SetMetrics(metrics.New())

	ln, err := net.Listen("tcp", opts.Serve.Addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ln.Close()
	cli.AtExit(func() {
		dispatcher.StopAll()
		ln.Close()
	})

	server := remote.NewServer(resources, resolver, catalog)
	if err := server.Serve(ln); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSmokeTest builds a loopback-backed resolver and resolves nothing in
// particular: it exists so `cradle --repo_root=...` with no command can
// be run to confirm configuration and both cache tiers come up cleanly.
func runSmokeTest(config *core.Configuration) {
	resources, catalog, err := newResources(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer catalog.Close()
	defer resources.Shutdown()

	executor := process.New()
	dispatcher := worker.NewDispatcher(config, executor)
	resolver := resolve.New()
	resolver.SetContainmentDispatcher(dispatcher.Resolve)
	resolver.SetMetrics(metrics.New())

	loopback := remote.NewLoopback(resources, resolver, catalog)
	resources.SetProxy(loopback)
	defer loopback.Close()

	fmt.Fprintf(os.Stdout, "cradle ready: %s\n", config)
}

// stdioConn adapts the process's own stdin/stdout into the
// io.ReadWriteCloser the remote protocol's Server.ServeConn expects,
// the same pipeConn idiom src/worker uses on the dialing side.
type stdioConn struct {
	in  *os.File
	out *os.File
}

func (c *stdioConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error) { return c.out.Write(b) }
func (c *stdioConn) Close() error {
	err := c.in.Close()
	if werr := c.out.Close(); err == nil {
		err = werr
	}
	return err
}
