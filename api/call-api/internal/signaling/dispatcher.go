// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_signaling

import (
	"sync"

	"github.com/rapidaai/memorykeeper/pkg/commons"
)

// dispatcher runs deliveries for one subscription on its own goroutine. push
// never blocks, so writers are never held up by slow handlers.
type dispatcher struct {
	name   string
	logger commons.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newDispatcher(name string, logger commons.Logger) *dispatcher {
	d := &dispatcher{
		name:   name,
		logger: logger,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case <-d.signal:
		}
		for {
			d.mu.Lock()
			if d.stopped || len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			invoke(d.logger, d.name, fn)
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.queue = nil
		d.mu.Unlock()
		close(d.done)
	})
}
