// Package hif is the host interface of the forwarding engine. It moves
// frames between Linux network interfaces and the routing table over
// AF_XDP sockets whose UMEM is the buffer space of a bpool.Pool.
//
// Ring terminology (kernel ↔ userspace):
//
//   - RX ring: frames delivered by the NIC.
//   - FQ ring: pool buffers handed to the kernel for RX.
//   - TX ring: frames queued for transmission.
//   - CQ ring: transmitted buffers handed back, returned to the pool.
package hif

import "errors"

var (
	ErrPoolTooSmall = errors.New("pool depth must be >= RxSize + TxSize")
	ErrChunkSize    = errors.New("pool buffer size below AF_XDP minimum chunk size")
	ErrRingSize     = errors.New("ring sizes must be powers of two")
	ErrQueueID      = errors.New("queue id exceeds MaxQueues")
)

const (
	DefaultMaxQueues = 64
	DefaultRingSize  = 2048
	DefaultBatchSize = 64
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool

	// MaxQueues sizes the XSKMAP; sockets can bind queues [0, MaxQueues).
	MaxQueues uint32
}

func (c *InterfaceConfig) ValidateAndSetDefaults() error {
	if c.MaxQueues == 0 {
		c.MaxQueues = DefaultMaxQueues
	}
	return nil
}

// SocketConfig configures one AF_XDP socket.
type SocketConfig struct {
	// QueueID identifies the NIC queue to bind to.
	QueueID uint32
	// RxSize sets the number of RX and fill ring descriptors.
	RxSize uint32
	// TxSize sets the number of TX ring descriptors.
	TxSize uint32
	// CqSize sets the number of completion ring entries.
	CqSize uint32
	// BatchSize bounds receive, transmit and completion batches.
	BatchSize uint32
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.CqSize == 0 {
		c.CqSize = DefaultRingSize
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	for _, n := range [...]uint32{c.RxSize, c.TxSize, c.CqSize} {
		if n&(n-1) != 0 {
			return ErrRingSize
		}
	}
	return nil
}
