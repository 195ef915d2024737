package worker

import (
	"context"
	"log"
	"sync"

	"github.com/pulsemail/relay/internal/queue"
)

// Engine owns the background half of the delivery system: the worker pool,
// the reconciler sweep, and the queue recovery sweep. It exists so the
// server and the standalone worker binary share one lifecycle.
type Engine struct {
	pool       *DeliveryPool
	reconciler *Reconciler
	recovery   *queue.RecoveryWorker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewEngine assembles the engine from its already-built parts.
func NewEngine(pool *DeliveryPool, reconciler *Reconciler, recovery *queue.RecoveryWorker) *Engine {
	return &Engine{pool: pool, reconciler: reconciler, recovery: recovery}
}

// Pool exposes the delivery pool for stats endpoints.
func (e *Engine) Pool() *DeliveryPool {
	return e.pool
}

// Start launches every background component.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	log.Println("[Engine] Starting")
	e.pool.Start()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.reconciler.Start(e.ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.recovery.Start(e.ctx)
	}()
}

// Stop shuts the engine down, draining in-flight deliveries first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.pool.Stop()
	e.wg.Wait()
	log.Println("[Engine] Stopped")
}
