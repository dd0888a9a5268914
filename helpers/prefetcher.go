// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package helpers holds small utilities used across the robustness tools: the data prefetcher,
// learning rate schedules, running averages and image masks.
package helpers

import (
	"io"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DataPrefetcher wraps a train.Dataset and prepares the next batch in a background goroutine while the
// current one is used. If a backend is given, prefetched tensors are also transferred to the device.
//
// Yield and Reset must not be called concurrently.
type DataPrefetcher struct {
	ds      train.Dataset
	backend backends.Backend

	mu        sync.Mutex
	next      chan prefetched
	stop      chan struct{}
	done      chan struct{}
	exhausted bool
}

type prefetched struct {
	spec           any
	inputs, labels []*tensors.Tensor
	err            error
}

var (
	_ train.Dataset      = (*DataPrefetcher)(nil)
	_ train.HasShortName = (*DataPrefetcher)(nil)
)

// NewDataPrefetcher wraps ds. backend may be nil, in which case tensors are left on the host.
func NewDataPrefetcher(ds train.Dataset, backend backends.Backend) *DataPrefetcher {
	return &DataPrefetcher{ds: ds, backend: backend}
}

// Name implements train.Dataset.
func (p *DataPrefetcher) Name() string { return p.ds.Name() }

// ShortName implements train.HasShortName.
func (p *DataPrefetcher) ShortName() string {
	if sn, ok := p.ds.(train.HasShortName); ok {
		return sn.ShortName()
	}
	name := p.ds.Name()
	return name[:min(3, len(name))]
}

// Dataset returns the wrapped dataset.
func (p *DataPrefetcher) Dataset() train.Dataset { return p.ds }

func (p *DataPrefetcher) start() {
	p.next = make(chan prefetched, 1)
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.run(p.next, p.stop, p.done)
}

func (p *DataPrefetcher) run(next chan<- prefetched, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		var item prefetched
		item.spec, item.inputs, item.labels, item.err = p.ds.Yield()
		if item.err == nil && p.backend != nil {
			item.err = p.materialize(item.inputs, item.labels)
		}
		select {
		case next <- item:
		case <-stop:
			finalize(item)
			return
		}
		if item.err != nil {
			return
		}
	}
}

func (p *DataPrefetcher) materialize(tensorLists ...[]*tensors.Tensor) error {
	for _, list := range tensorLists {
		for _, t := range list {
			if err := t.MaterializeOnDevice(p.backend, false, 0); err != nil {
				return errors.WithMessagef(err, "prefetching batch of %q to device", p.ds.Name())
			}
		}
	}
	return nil
}

func finalize(item prefetched) {
	for _, list := range [][]*tensors.Tensor{item.inputs, item.labels} {
		for _, t := range list {
			if t != nil {
				if err := t.FinalizeAll(); err != nil {
					klog.Warningf("failed to free prefetched tensor: %+v", err)
				}
			}
		}
	}
}

// Yield implements train.Dataset. After the wrapped dataset returns an error (including io.EOF), it keeps
// returning io.EOF until Reset is called.
func (p *DataPrefetcher) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exhausted {
		return nil, nil, nil, io.EOF
	}
	if p.next == nil {
		p.start()
	}
	item := <-p.next
	if item.err != nil {
		p.exhausted = true
		p.next = nil
	}
	return item.spec, item.inputs, item.labels, item.err
}

// Reset implements train.Dataset. It discards any prefetched batch and resets the wrapped dataset.
func (p *DataPrefetcher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next != nil {
		close(p.stop)
	drain:
		for {
			select {
			case item := <-p.next:
				finalize(item)
			case <-p.done:
				break drain
			}
		}
		// The goroutine may have delivered one last item before exiting.
		select {
		case item := <-p.next:
			finalize(item)
		default:
		}
		p.next = nil
	}
	p.exhausted = false
	p.ds.Reset()
}
