package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/simons-freedom/X-monitor/internal/observability"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("monitor queue full")
	// ErrPoolStopped is returned by Submit once Run has returned.
	ErrPoolStopped = errors.New("monitor pool stopped")
)

// Processor handles one message. *Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, msg Message) (*Artifact, error)
}

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"` // per message
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:   2,
		QueueSize: 64,
		Timeout:   3 * time.Minute,
	}
}

// Pool runs messages through a Processor on a fixed number of workers.
// Submit never blocks; a full queue rejects the message.
type Pool struct {
	config    PoolConfig
	processor Processor
	metrics   *observability.MonitorMetrics
	queue     chan Message
	stopped   atomic.Bool

	// Stats.
	submitted atomic.Int64
	rejected  atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool. metrics may be nil.
func NewPool(config PoolConfig, processor Processor, metrics *observability.MonitorMetrics) *Pool {
	def := DefaultPoolConfig()
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Pool{
		config:    config,
		processor: processor,
		metrics:   metrics,
		queue:     make(chan Message, config.QueueSize),
	}
}

// Submit enqueues msg for processing.
func (p *Pool) Submit(msg Message) error {
	if p.stopped.Load() {
		return ErrPoolStopped
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case p.queue <- msg:
		p.submitted.Add(1)
		p.updateDepth()
		return nil
	default:
		p.rejected.Add(1)
		log.Warn().Str("author", msg.Author()).Int("queue", cap(p.queue)).Msg("monitor: queue full, message rejected")
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current message. Messages still queued are dropped.
func (p *Pool) Run(ctx context.Context) {
	log.Info().Int("workers", p.config.Workers).Int("queue", p.config.QueueSize).Msg("monitor: pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()

	p.stopped.Store(true)
	for {
		select {
		case <-p.queue:
			p.dropped.Add(1)
		default:
			p.updateDepth()
			log.Info().Int64("dropped", p.dropped.Load()).Msg("monitor: pool stopped")
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-p.queue:
			p.updateDepth()
			p.handle(ctx, id, msg)
		}
	}
}

func (p *Pool) handle(ctx context.Context, id int, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			log.Error().Interface("panic", r).Int("worker", id).Str("author", msg.Author()).Msg("monitor: worker recovered from panic")
		}
	}()

	mctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if _, err := p.processor.Process(mctx, msg); err != nil {
		p.failed.Add(1)
		log.Error().Err(err).Int("worker", id).Str("author", msg.Author()).Msg("monitor: message failed")
		return
	}
	p.processed.Add(1)
}

func (p *Pool) updateDepth() {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(len(p.queue))
	}
}

// Len returns the number of queued messages.
func (p *Pool) Len() int { return len(p.queue) }

// PoolStats is the pool snapshot exposed on /stats.
type PoolStats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Rejected  int64 `json:"rejected"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Dropped   int64 `json:"dropped"`
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.config.Workers,
		QueueSize: p.config.QueueSize,
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Dropped:   p.dropped.Load(),
	}
}
