package ipcpp

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gosuda.org/ipcpp/internal/protocol"
	"gosuda.org/ipcpp/internal/queue"
	"gosuda.org/ipcpp/internal/registry"
	"gosuda.org/ipcpp/internal/shm"
	"gosuda.org/ipcpp/internal/transport"
)

// errInterrupted is returned by listener.wait after interrupt
var errInterrupted = errors.New("ipcpp: wait interrupted")

// A notifier wakes subscribers after a publisher pushed to their queues
type notifier interface {
	// signal tells the subscribers of entries that seq is queued
	signal(entries []*registry.Entry, seq uint64)
	// subscribe returns the listener of a freshly claimed entry
	subscribe(e *registry.Entry) (listener, error)
	// request announces a lifecycle change
	request(r protocol.ObserverRequest)
	close() error
}

// A listener blocks a subscriber until its queue may have data
type listener interface {
	// wait returns nil when the queue may have data, ctx.Err() when ctx is
	// done and errInterrupted after interrupt. Spurious nil returns are
	// allowed.
	wait(ctx context.Context) error
	interrupt()
	close() error
}

func newNotifier(mode NotifierMode, topic string, o Options, l logrus.FieldLogger) notifier {
	switch mode {
	case NotifierPolling:
		return &pollingNotifier{poll: o.PollInterval}
	case NotifierSignal:
		return newSocketNotifier(topic, o, l)
	}
	return &futexNotifier{poll: o.PollInterval}
}

type pollingNotifier struct {
	poll time.Duration
}

func (n *pollingNotifier) signal([]*registry.Entry, uint64) {}
func (n *pollingNotifier) request(protocol.ObserverRequest) {}
func (n *pollingNotifier) close() error                     { return nil }

func (n *pollingNotifier) subscribe(e *registry.Entry) (listener, error) {
	return &pollListener{q: e.Queue(), poll: n.poll, done: make(chan struct{})}, nil
}

type pollListener struct {
	q    *queue.Queue
	poll time.Duration
	once sync.Once
	done chan struct{}
}

func (l *pollListener) wait(ctx context.Context) error {
	if l.q.Len() > 0 {
		return nil
	}
	t := time.NewTimer(l.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return errInterrupted
	case <-t.C:
		return nil
	}
}

func (l *pollListener) interrupt()   { l.once.Do(func() { close(l.done) }) }
func (l *pollListener) close() error { l.interrupt(); return nil }

// futexNotifier bumps the data sequence of each queue; subscribers sleep on
// it with a futex bounded by the poll interval
type futexNotifier struct {
	poll time.Duration
}

func (n *futexNotifier) signal(entries []*registry.Entry, _ uint64) {
	for _, e := range entries {
		e.Queue().Signal()
	}
}

func (n *futexNotifier) request(protocol.ObserverRequest) {}
func (n *futexNotifier) close() error                     { return nil }

func (n *futexNotifier) subscribe(e *registry.Entry) (listener, error) {
	q := e.Queue()
	return &futexListener{q: q, sleep: q.WaitData, poll: n.poll, done: make(chan struct{})}, nil
}

type futexListener struct {
	q     *queue.Queue
	sleep func(observed uint32, timeout time.Duration) error
	poll  time.Duration
	once  sync.Once
	done  chan struct{}
}

func (l *futexListener) wait(ctx context.Context) error {
	observed := l.q.DataSeq()
	if l.q.Len() > 0 {
		return nil
	}
	select {
	case <-l.done:
		return errInterrupted
	default:
	}
	err := l.sleep(observed, l.poll)
	select {
	case <-l.done:
		return errInterrupted
	default:
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (l *futexListener) interrupt() {
	l.once.Do(func() {
		close(l.done)
		l.q.Signal()
	})
}

func (l *futexListener) close() error { l.interrupt(); return nil }

// socketNotifier sends an OpNotify datagram to the socket of every entry it
// delivered to. The first process to open the topic also serves its control
// socket and keeps connections to live subscribers warm.
type socketNotifier struct {
	dir    string
	key    string
	poll   time.Duration
	sender *transport.Sender
	log    logrus.FieldLogger

	control *transport.Endpoint
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newSocketNotifier(topic string, o Options, l logrus.FieldLogger) *socketNotifier {
	n := &socketNotifier{
		dir:    o.SocketDir,
		key:    shm.ShortName(topic),
		poll:   o.PollInterval,
		sender: transport.NewSender(0),
		log:    l,
	}

	control, err := transport.Listen(transport.ControlPath(n.dir, n.key))
	switch {
	case err == nil:
		ctx, cancel := context.WithCancel(context.Background())
		n.control, n.cancel = control, cancel
		n.wg.Add(1)
		go n.serve(ctx)
	case errors.Is(err, transport.ErrInUse):
		if debug {
			l.Debug("control socket served by another process")
		}
	default:
		l.Warnf("serving control socket: %v", err)
	}
	return n
}

func (n *socketNotifier) path(entry uint32) string {
	return transport.SocketPath(n.dir, n.key, entry)
}

func (n *socketNotifier) serve(ctx context.Context) {
	defer n.wg.Done()
	for {
		r, err := n.control.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !transport.IsClosed(err) {
				n.log.Warnf("control socket: %v", err)
			}
			return
		}
		if debug {
			n.log.Debugf("control: %s", r)
		}
		switch r.Op {
		case protocol.OpSubscribe, protocol.OpResumeSubscription:
			if err := n.sender.Connect(n.path(r.Entry)); err != nil && debug {
				n.log.Debugf("connecting entry %d: %v", r.Entry, err)
			}
		case protocol.OpCancelSubscription:
			n.sender.Forget(n.path(r.Entry))
		}
	}
}

func (n *socketNotifier) signal(entries []*registry.Entry, seq uint64) {
	if len(entries) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, e := range entries {
		r := protocol.ObserverRequest{Op: protocol.OpNotify, Entry: e.Index(), ID: e.ID(), Sequence: seq}
		g.Go(func() error {
			return n.sender.Send(n.path(r.Entry), r)
		})
	}
	if err := g.Wait(); err != nil {
		// Subscribers still find the notification on their next wakeup
		n.log.Warnf("notify %d: %v", seq, err)
	}
}

func (n *socketNotifier) request(r protocol.ObserverRequest) {
	if err := n.sender.Send(transport.ControlPath(n.dir, n.key), r); err != nil && debug {
		n.log.Debugf("control request %s: %v", r, err)
	}
}

func (n *socketNotifier) subscribe(e *registry.Entry) (listener, error) {
	ep, err := transport.Bind(n.path(e.Index()))
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &socketListener{
		ep:     ep,
		q:      e.Queue(),
		rescan: 100 * n.poll,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

func (n *socketNotifier) close() error {
	var err error
	if n.control != nil {
		n.cancel()
		err = n.control.Close()
		n.wg.Wait()
	}
	return errors.Join(err, n.sender.Close())
}

type socketListener struct {
	ep     *transport.Endpoint
	q      *queue.Queue
	rescan time.Duration // upper bound on a wait, covers dropped datagrams
	ctx    context.Context
	cancel context.CancelFunc
}

func (l *socketListener) wait(ctx context.Context) error {
	if l.q.Len() > 0 {
		return nil
	}
	if l.ctx.Err() != nil {
		return errInterrupted
	}

	wctx, cancel := context.WithTimeout(ctx, l.rescan)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	_, err := l.ep.Receive(wctx)
	switch {
	case err == nil:
		return nil
	case l.ctx.Err() != nil:
		return errInterrupted
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return nil
	}
	return err
}

func (l *socketListener) interrupt() { l.cancel() }

func (l *socketListener) close() error {
	l.cancel()
	return l.ep.Close()
}
