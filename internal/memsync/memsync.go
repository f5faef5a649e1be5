// Package memsync is an in-process stand-in for the sync layer that moves
// group invitation messages between contacts. Every node has an unbounded
// inbox that is processed by a single goroutine, so messages sent from one
// node to another are delivered in the order they were sent.
package memsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	list "github.com/bahlo/generic-list-go"
	"github.com/companyzero/groupinvite/rpc"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownNode is returned when sending to a node that is not part of the
// network.
var ErrUnknownNode = errors.New("unknown node")

// Receiver is the sink of delivered messages. It is implemented by
// *invitation.Manager.
type Receiver interface {
	IncomingMessage(ctx context.Context, raw rpc.Message) (bool, error)
}

// Filter decides whether a message sent from one node to another is
// delivered. Returning false drops the message.
type Filter func(from, to rpc.ContactID, msg rpc.Message) bool

type delivery struct {
	from rpc.ContactID
	msg  rpc.Message
}

// Node is the endpoint of one simulated client. It implements
// invitation.OutboundSender.
type Node struct {
	id  rpc.ContactID
	net *Network

	mtx    sync.Mutex
	queue  *list.List[delivery]
	signal chan struct{}
	recv   Receiver
}

// ID returns the id of the node.
func (n *Node) ID() rpc.ContactID {
	return n.id
}

// SetReceiver sets the receiver of the messages delivered to this node. It
// must be called before the network runs.
func (n *Node) SetReceiver(r Receiver) {
	n.mtx.Lock()
	n.recv = r
	n.mtx.Unlock()
}

// SendMessages queues msgs for delivery to the given node.
func (n *Node) SendMessages(ctx context.Context, to rpc.ContactID, msgs []rpc.Message) error {
	dst, ok := n.net.nodes.Load(to)
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownNode, to)
	}

	var queued []delivery
	for _, m := range msgs {
		if n.net.filter != nil && !n.net.filter(n.id, to, m) {
			n.net.dropped.Inc()
			n.net.log.Debugf("Dropping message %s from %s to %s",
				m.ID.ShortLogID(), n.id.ShortLogID(), to.ShortLogID())
			continue
		}
		queued = append(queued, delivery{from: n.id, msg: m})
		if n.net.duplicate {
			queued = append(queued, delivery{from: n.id, msg: m})
		}
	}
	dst.enqueue(queued)
	return nil
}

func (n *Node) enqueue(ds []delivery) {
	if len(ds) == 0 {
		return
	}
	n.net.pending.Add(int64(len(ds)))
	n.mtx.Lock()
	for _, d := range ds {
		n.queue.PushBack(d)
	}
	n.mtx.Unlock()
	select {
	case n.signal <- struct{}{}:
	default:
	}
}

func (n *Node) run(ctx context.Context) error {
	n.mtx.Lock()
	recv := n.recv
	n.mtx.Unlock()
	if recv == nil {
		return fmt.Errorf("node %s has no receiver", n.id)
	}

	for {
		select {
		case <-n.signal:
		case <-ctx.Done():
			return ctx.Err()
		}

		for {
			n.mtx.Lock()
			e := n.queue.Front()
			if e != nil {
				n.queue.Remove(e)
			}
			n.mtx.Unlock()
			if e == nil {
				break
			}

			d := e.Value
			retain, err := recv.IncomingMessage(ctx, d.msg)
			if err != nil {
				n.net.log.Warnf("Node %s failed to process message %s "+
					"from %s: %v", n.id.ShortLogID(),
					d.msg.ID.ShortLogID(), d.from.ShortLogID(), err)
			} else {
				n.net.log.Tracef("Node %s processed message %s from %s "+
					"(retain %v)", n.id.ShortLogID(),
					d.msg.ID.ShortLogID(), d.from.ShortLogID(), retain)
			}
			n.net.delivered.Inc()
			n.net.pending.Add(-1)
		}
	}
}

// Network is a set of nodes that exchange messages.
type Network struct {
	log       slog.Logger
	filter    Filter
	duplicate bool

	nodes     *xsync.MapOf[rpc.ContactID, *Node]
	pending   *xsync.Counter
	delivered *xsync.Counter
	dropped   *xsync.Counter
}

// Option configures a Network.
type Option func(n *Network)

// WithLogger sets the logger of the network.
func WithLogger(log slog.Logger) Option {
	return func(n *Network) {
		n.log = log
	}
}

// WithFilter sets a filter that may drop messages.
func WithFilter(f Filter) Option {
	return func(n *Network) {
		n.filter = f
	}
}

// WithDuplicates makes the network deliver every message twice.
func WithDuplicates() Option {
	return func(n *Network) {
		n.duplicate = true
	}
}

// New creates an empty network.
func New(opts ...Option) *Network {
	n := &Network{
		log:       slog.Disabled,
		nodes:     xsync.NewMapOf[rpc.ContactID, *Node](),
		pending:   xsync.NewCounter(),
		delivered: xsync.NewCounter(),
		dropped:   xsync.NewCounter(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddNode adds a node with the given id to the network. Adding the same id
// twice returns the existing node.
func (n *Network) AddNode(id rpc.ContactID) *Node {
	node, _ := n.nodes.LoadOrStore(id, &Node{
		id:     id,
		net:    n,
		queue:  list.New[delivery](),
		signal: make(chan struct{}, 1),
	})
	return node
}

// Stats returns the number of delivered and dropped messages.
func (n *Network) Stats() (delivered, dropped int64) {
	return n.delivered.Value(), n.dropped.Value()
}

// WaitIdle blocks until every queued message has been processed.
func (n *Network) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for n.pending.Value() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Run processes the inboxes of all nodes added so far until ctx is done.
func (n *Network) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	n.nodes.Range(func(_ rpc.ContactID, node *Node) bool {
		g.Go(func() error { return node.run(gctx) })
		return true
	})
	return g.Wait()
}
