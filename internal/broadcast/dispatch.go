package broadcast

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"tgcast/internal/delivery"
	"tgcast/internal/message"
	logx "tgcast/pkg/logx"
)

// Deliverer sends one message to one recipient; *delivery.Client satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, credential, recipient string, msg message.Message) delivery.Result
}

// BatchResult aggregates outcomes. Blocked recipients are also counted in Failed.
// NotAttempted counts recipients skipped because the context ended first.
type BatchResult struct {
	Delivered    int
	Failed       int
	Blocked      int
	BlockedIDs   []string
	NotAttempted int
}

// Interrupted reports whether some recipients were never tried.
func (r BatchResult) Interrupted() bool { return r.NotAttempted > 0 }

func (r *BatchResult) add(o BatchResult) {
	r.Delivered += o.Delivered
	r.Failed += o.Failed
	r.NotAttempted += o.NotAttempted
	r.Blocked += o.Blocked
	r.BlockedIDs = append(r.BlockedIDs, o.BlockedIDs...)
}

type DispatchConfig struct {
	Parallelism int           // default 10
	BatchPause  time.Duration // default 200ms; negative disables the pause
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.Parallelism <= 0 {
		c.Parallelism = 10
	}
	if c.BatchPause == 0 {
		c.BatchPause = 200 * time.Millisecond
	}
	return c
}

type Dispatcher struct {
	client Deliverer
	log    logx.Logger

	mu  sync.Mutex
	cfg DispatchConfig

	sleep func(ctx context.Context, d time.Duration) error
}

func NewDispatcher(client Deliverer, cfg DispatchConfig, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{client: client, log: log, cfg: cfg.withDefaults(), sleep: sleepCtx}
}

func (d *Dispatcher) Apply(cfg DispatchConfig) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

// DispatchBatch delivers to every id concurrently and waits for all of them.
// A panic in one delivery counts that recipient as failed.
func (d *Dispatcher) DispatchBatch(ctx context.Context, credential string, ids []string, msg message.Message) BatchResult {
	results := make([]delivery.Result, len(ids))
	var wg sync.WaitGroup
	wg.Add(len(ids))
	for i, id := range ids {
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in delivery", logx.String("recipient", id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					results[i] = delivery.Result{Err: fmt.Errorf("panic: %v", r)}
				}
			}()
			results[i] = d.client.Deliver(ctx, credential, id, msg)
		}()
	}
	wg.Wait()

	var out BatchResult
	for i, r := range results {
		switch {
		case r.Delivered:
			out.Delivered++
		case r.Blocked:
			out.Failed++
			out.Blocked++
			out.BlockedIDs = append(out.BlockedIDs, ids[i])
		default:
			out.Failed++
		}
	}
	return out
}

// DispatchAll runs ids through DispatchBatch in slices of Parallelism, pausing between slices.
func (d *Dispatcher) DispatchAll(ctx context.Context, credential string, ids []string, msg message.Message) BatchResult {
	d.mu.Lock()
	cfg := d.cfg
	d.mu.Unlock()

	var total BatchResult
	for start := 0; start < len(ids); start += cfg.Parallelism {
		err := ctx.Err()
		if err == nil && start > 0 && cfg.BatchPause > 0 {
			err = d.sleep(ctx, cfg.BatchPause)
		}
		if err != nil {
			total.NotAttempted += len(ids) - start
			d.log.Warn("dispatch interrupted", logx.Int("remaining", len(ids)-start), logx.Err(err))
			break
		}
		end := min(start+cfg.Parallelism, len(ids))
		total.add(d.DispatchBatch(ctx, credential, ids[start:end], msg))
	}
	return total
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
