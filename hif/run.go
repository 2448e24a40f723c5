//go:build linux

package hif

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/romshark/pfe-go/bpool"
	"github.com/romshark/pfe-go/flowkey"
)

// RunConfig configures Forwarder.Run.
type RunConfig struct {
	Socket SocketConfig

	// NewPool returns the UMEM pool for one socket. Run closes every pool
	// it obtained before returning.
	NewPool func() (*bpool.Pool, error)

	// PEs is the number of processing elements hits are counted against.
	// Worker i counts against PE i mod PEs.
	PEs int
}

type worker struct {
	ifaceName string
	queue     uint32
	sock      *Socket
	pool      *bpool.Pool
	batch     uint32
	pe        int

	// Several RX workers may transmit on the same egress socket.
	txLock sync.Mutex
	txAddr []uint64
	txLen  []uint32
}

// Run opens a socket on every RX queue of every interface and forwards
// received frames until ctx is canceled, in which case it returns
// context.Canceled. The first socket error stops all workers and is
// returned. A frame routed to interface X leaves on the socket bound to
// the same queue of X, or on X's lowest queue if X has no such queue.
func (fw *Forwarder) Run(ctx context.Context, ifaces []*Interface, conf RunConfig) error {
	if len(ifaces) == 0 {
		return nil
	}
	if err := conf.Socket.ValidateAndSetDefaults(); err != nil {
		return err
	}
	if conf.PEs <= 0 {
		conf.PEs = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var workers []*worker
	byIface := make(map[string]map[uint32]*worker)
	lowest := make(map[string]*worker)
	defer func() {
		for _, w := range workers {
			if err := w.sock.Close(); err != nil {
				fw.log.Warn("closing socket", "iface", w.ifaceName, "queue", w.queue, "err", err)
			}
			if err := w.pool.Close(); err != nil {
				fw.log.Warn("closing pool", "iface", w.ifaceName, "queue", w.queue, "err", err)
			}
		}
	}()

	for _, iface := range ifaces {
		name, _ := iface.Info()
		queues, err := iface.RXQueueIDs()
		if err != nil {
			return err
		}
		for _, qid := range queues {
			pool, err := conf.NewPool()
			if err != nil {
				return fmt.Errorf("pool for %s:%d: %w", name, qid, err)
			}
			sc := conf.Socket
			sc.QueueID = qid
			sock, err := iface.Open(sc, pool)
			if err != nil {
				_ = pool.Close()
				return fmt.Errorf("opening %s:%d: %w", name, qid, err)
			}
			w := &worker{
				ifaceName: name,
				queue:     qid,
				sock:      sock,
				pool:      pool,
				batch:     sc.BatchSize,
				pe:        len(workers) % conf.PEs,
				txAddr:    make([]uint64, 0, sc.BatchSize),
				txLen:     make([]uint32, 0, sc.BatchSize),
			}
			workers = append(workers, w)
			if byIface[name] == nil {
				byIface[name] = make(map[uint32]*worker)
				lowest[name] = w
			}
			byIface[name][qid] = w
			fw.log.Info("hif socket open",
				"iface", name, "queue", qid, "zerocopy", sock.IsZerocopy())
		}
	}

	target := func(egress string, queue uint32) *worker {
		if w := byIface[egress][queue]; w != nil {
			return w
		}
		return lowest[egress]
	}

	errCh := make(chan error, len(workers))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Go(func() {
			if err := fw.work(ctx, w, target); err != nil {
				errCh <- fmt.Errorf("%s:%d: %w", w.ifaceName, w.queue, err)
			}
		})
	}

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		wg.Wait()
		return context.Canceled
	}
}

func (fw *Forwarder) work(
	ctx context.Context, w *worker, target func(string, uint32) *worker,
) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	parser := flowkey.NewParser()
	rxBuf := make([]Frame, w.batch)
	used := make(map[*worker]struct{})
	defer func() {
		for tgt := range used {
			_ = tgt.flush()
		}
	}()

	for ctx.Err() == nil {
		frames := w.sock.Receive(rxBuf)
		if len(frames) == 0 {
			if err := w.sock.Wait(1); err != nil {
				return err
			}
			continue
		}
		clear(used)

		for _, fr := range frames {
			v, ok := fw.classify(parser, fr.Buf, w.pe)
			if !ok {
				continue
			}
			tgt := target(v.egress, w.queue)
			if tgt == nil {
				fw.noPort.Add(1)
				continue
			}
			sent, err := tgt.transmit(fr.Buf, &v)
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				fw.errs.Add(1)
			case err != nil:
				return err
			case sent:
				fw.forwarded.Add(1)
				used[tgt] = struct{}{}
			default:
				fw.errs.Add(1) // no TX frame available
			}
		}
		w.sock.ReleaseBatch(frames)

		for tgt := range used {
			if err := tgt.flush(); err != nil {
				return err
			}
		}
	}
	return nil
}

// transmit copies src into a TX frame of w, applying header insertions,
// and queues it. Full batches are flushed right away. It reports false if
// w has no free frame.
func (w *worker) transmit(src []byte, v *verdict) (bool, error) {
	w.txLock.Lock()
	defer w.txLock.Unlock()

	f := w.sock.NextFrame()
	if f.Buf == nil {
		return false, nil
	}
	n, err := encap(f.Buf, src, &v.frame, &v.match)
	if err != nil {
		w.pool.Put(f.Buf)
		return false, err
	}
	w.txAddr = append(w.txAddr, f.Addr)
	w.txLen = append(w.txLen, uint32(n))
	if uint32(len(w.txAddr)) >= w.batch {
		return true, w.flushLocked()
	}
	return true, nil
}

func (w *worker) flush() error {
	w.txLock.Lock()
	defer w.txLock.Unlock()
	return w.flushLocked()
}

func (w *worker) flushLocked() error {
	if len(w.txAddr) == 0 {
		return nil
	}
	defer func() {
		w.txAddr = w.txAddr[:0]
		w.txLen = w.txLen[:0]
	}()
	if _, err := w.sock.SubmitBatch(w.txAddr, w.txLen); err != nil {
		return err
	}
	return w.sock.FlushTx()
}
