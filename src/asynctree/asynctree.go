// Package asynctree implements the async context tree (spec §4.8): a
// per-root tree of nodes mirroring a request's argument structure, each
// tracking a status (CREATED, SUBS_RUNNING, FINISHED, CANCELLED, ERROR)
// that a client can poll without blocking, plus one cooperative
// cancellation token shared by every node in the tree.
//
// Grounded on original_source/src/cradle/thinknode/async_context.cpp for
// the root/non-root node split and the is_req flag distinguishing a
// sub-request child from a pre-finished literal argument (spec §4.9's
// SubContext), realized with core.Pool (the teacher's worker-pool
// primitive) standing in for the source's thread-pool scheduler and
// stdlib context.Context for the cancellation signal instead of a
// hand-rolled token.
package asynctree

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/op/go-logging.v1"

	"github.com/open-cradle/cradle/src/core"
)

var log = logging.MustGetLogger("asynctree")

// Node is one entry of an async context tree (spec §4.8). The zero
// value is not usable; nodes are created via Tree.
type Node struct {
	id    core.AsyncID
	title string
	isReq bool

	parent *Node

	mu         sync.Mutex
	children   []*Node
	status     core.AsyncStatus
	errMessage string
	done       core.BroadcastChan[struct{}]
}

func (n *Node) ID() core.AsyncID { return n.id }
func (n *Node) Title() string    { return n.title }

// Status returns the node's current status. Safe for concurrent polling
// (spec §4.9's get_async_status).
func (n *Node) Status() core.AsyncStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// ErrorMessage returns the message recorded when the node reached ERROR.
// If this node never recorded one of its own but one or more children
// did (several sub-requests of the same function failing concurrently),
// it falls back to their combined message, so a caller polling just the
// parent still sees what actually went wrong.
func (n *Node) ErrorMessage() string {
	n.mu.Lock()
	msg := n.errMessage
	n.mu.Unlock()
	if msg != "" {
		return msg
	}
	if err := n.ChildErrors(); err != nil {
		return err.Error()
	}
	return ""
}

// ChildErrors aggregates the error messages of every child that reached
// ERROR into one multierror, for the "siblings unwind then report" case
// where several sub-requests of one function fail before the function
// itself gets a chance to record its own message.
func (n *Node) ChildErrors() error {
	n.mu.Lock()
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	var result *multierror.Error
	for _, c := range children {
		if c.Status() == core.AsyncError {
			result = multierror.Append(result, errors.New(c.ErrorMessage()))
		}
	}
	return result.ErrorOrNil()
}

// SubContexts enumerates this node's children (spec §4.9's
// get_sub_contexts), valid once the node has reached SUBS_RUNNING or
// later.
func (n *Node) SubContexts() []core.SubContext {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]core.SubContext, len(n.children))
	for i, c := range n.children {
		out[i] = core.SubContext{ID: c.id, IsReq: c.isReq}
	}
	return out
}

// Wait blocks until the node reaches a terminal status.
func (n *Node) Wait() core.AsyncStatus {
	n.done.Wait()
	return n.Status()
}

func isTerminal(s core.AsyncStatus) bool {
	return s == core.AsyncFinished || s == core.AsyncCancelled || s == core.AsyncError
}

// setStatus enforces the monotonic-FINISHED invariant (spec §8): once a
// node reaches a terminal status it never leaves it, so a late
// cancellation signal racing a just-finished result can't clobber the
// finished outcome.
func (n *Node) setStatus(s core.AsyncStatus) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if isTerminal(n.status) {
		return false
	}
	n.status = s
	if isTerminal(s) {
		n.done.Complete(struct{}{})
	}
	return true
}

func (n *Node) setError(msg string) {
	n.mu.Lock()
	n.errMessage = msg
	n.mu.Unlock()
	n.setStatus(core.AsyncError)
}

// MarkSubsRunning, MarkFinished, MarkCancelled and MarkError drive a
// node's status from outside the package, for a caller that creates a
// root node directly via Tree.NewRoot instead of going through
// Scheduler.Dispatch (e.g. package remote's submit_async, spec §4.9).
func (n *Node) MarkSubsRunning() bool { return n.setStatus(core.AsyncSubsRunning) }
func (n *Node) MarkFinished() bool    { return n.setStatus(core.AsyncFinished) }
func (n *Node) MarkCancelled() bool   { return n.setStatus(core.AsyncCancelled) }
func (n *Node) MarkError(msg string)  { n.setError(msg) }

// Tree owns every node rooted at one top-level submission, plus the
// single cancellation signal shared by all of them (spec §4.8 "a
// cancellation token shared per root").
type Tree struct {
	mu     sync.Mutex
	nodes  map[core.AsyncID]*Node
	nextID uint64
	root   *Node

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTree starts a fresh tree whose cancellation derives from parent,
// so cancelling an ancestor (e.g. the process shutting down) cancels
// every node this tree ever creates.
func NewTree(parent context.Context) *Tree {
	ctx, cancel := context.WithCancel(parent)
	return &Tree{nodes: map[core.AsyncID]*Node{}, ctx: ctx, cancel: cancel}
}

// Context returns the tree's cancellation-carrying context.
func (t *Tree) Context() context.Context { return t.ctx }

// Cancel requests cancellation of every node in the tree
// (spec §4.9's request_cancellation). Cooperative: in-flight work
// observes it the next time it blocks on the tree's context or checks
// Tree.Cancelled.
func (t *Tree) Cancel() { t.cancel() }

// Cancelled reports whether Cancel has been called.
func (t *Tree) Cancelled() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// Root returns the tree's root node, or nil before the first node is
// created.
func (t *Tree) Root() *Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.root
}

// Get looks up a node by id (spec §4.9's per-id operations).
func (t *Tree) Get(id core.AsyncID) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

// NewRoot creates this tree's root node directly, for a caller that
// needs to bind a context to the root before resolution starts (e.g.
// package remote's submit_async, spec §4.9) rather than letting the
// first Scheduler.Dispatch call create it implicitly.
func (t *Tree) NewRoot(title string) (*Node, error) {
	t.mu.Lock()
	if t.root != nil {
		t.mu.Unlock()
		return nil, core.NewError(core.ErrLogic, "tree %p already has a root", t)
	}
	t.mu.Unlock()
	return t.newNode(nil, title, true), nil
}

func (t *Tree) newNode(parent *Node, title string, isReq bool) *Node {
	t.mu.Lock()
	t.nextID++
	id := core.AsyncID(t.nextID)
	n := &Node{id: id, title: title, isReq: isReq, parent: parent, status: core.AsyncCreated, done: core.NewBroadcastChan[struct{}]()}
	t.nodes[id] = n
	if t.root == nil {
		t.root = n
	}
	t.mu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, n)
		parent.mu.Unlock()
	}
	return n
}

// Scheduler implements resolve.AsyncScheduler (by structural match, not
// import, to avoid resolve depending on asynctree or vice versa): every
// resolution dispatched through it gets a tree node, attached under
// whatever node its calling context already carries, so the tree's
// shape grows to mirror the request's argument structure as resolution
// actually proceeds (spec §4.3's Visit-for-tree-building, realized
// lazily instead of as a separate upfront pass).
type Scheduler struct {
	tree *Tree
	pool core.Pool
}

// NewScheduler builds a Scheduler dispatching onto pool and recording
// nodes in tree.
func NewScheduler(tree *Tree, pool core.Pool) *Scheduler {
	return &Scheduler{tree: tree, pool: pool}
}

type schedulerOutcome struct {
	value core.Value
	err   error
}

// Dispatch is the resolve.AsyncScheduler hook. It creates this request's
// node, binds a derived context to it, and runs compute against that
// context — either handed to an idle pool worker, or run inline if none
// is immediately free ("reschedule if opportune": a saturated pool means
// queuing would only add latency for no concurrency gain, so the
// submitting goroutine just does the work itself).
func (s *Scheduler) Dispatch(ctx core.Context, req core.Request, compute func(core.Context) (core.Value, error)) (core.Value, error) {
	parent, _ := ctx.TreeNode().(*Node)
	node := s.tree.newNode(parent, req.Title(), true)
	childCtx := ctx.WithTreeNode(node)

	node.setStatus(core.AsyncSubsRunning)

	resultCh := make(chan schedulerOutcome, 1)
	task := func() {
		v, err := compute(childCtx)
		resultCh <- schedulerOutcome{v, err}
	}
	select {
	case s.pool <- task:
	default:
		task()
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			if core.IsCancelled(r.err) {
				node.setStatus(core.AsyncCancelled)
			} else {
				node.setError(r.err.Error())
			}
			return core.Value{}, r.err
		}
		node.setStatus(core.AsyncFinished)
		return r.value, nil
	case <-s.tree.ctx.Done():
		node.setStatus(core.AsyncCancelled)
		log.Debug("tree cancelled while resolving %s", req.UUID())
		return core.Value{}, core.KindError(core.ErrAsyncCancelled)
	}
}
