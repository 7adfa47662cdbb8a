// Package jobs is a fixed pool of worker goroutines for CPU bound work that
// does not touch the device, such as decoding textures.
package jobs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/raylight/engine/core"
)

var (
	ErrNoWorkers           = fmt.Errorf("attempting to create worker pool with less than 1 worker")
	ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
	ErrShutdown            = errors.New("job system is shut down")
)

// Task is one unit of work. OnComplete or OnFailure runs on the worker
// right after Run, then OnDone.
type Task struct {
	Name       string
	Run        func() error
	OnComplete func()
	OnFailure  func(err error)
	OnDone     func()
}

type System struct {
	log        *core.Logger
	numWorkers int
	jobQueue   chan Task
	wg         sync.WaitGroup

	// held for reading while sending so Shutdown never closes the queue
	// under a sender
	mu     sync.RWMutex
	closed bool
}

func New(log *core.Logger, numWorkers int, channelSize int) (*System, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &System{
		log:        log,
		numWorkers: numWorkers,
		jobQueue:   make(chan Task, channelSize),
	}
	js.start()
	return js, nil
}

func (js *System) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.execute(job)
			}
		}()
	}
}

func (js *System) execute(job Task) {
	if job.OnDone != nil {
		defer job.OnDone()
	}
	if err := job.Run(); err != nil {
		js.log.Debug("job %s failed: %s", job.Name, err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete()
	}
}

// Submit queues the task, blocking while the queue is full.
func (js *System) Submit(jt Task) error {
	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		return ErrShutdown
	}
	js.jobQueue <- jt
	return nil
}

// Run submits every fn and waits for all of them. The errors of the failed
// ones are joined in submission order. Run must not be called from a job.
func (js *System) Run(name string, fns ...func() error) error {
	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		err := js.Submit(Task{
			Name:      fmt.Sprintf("%s[%d]", name, i),
			Run:       fn,
			OnFailure: func(err error) { errs[i] = err },
			OnDone:    wg.Done,
		})
		if err != nil {
			wg.Done()
			errs[i] = err
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (js *System) Workers() int {
	return js.numWorkers
}

// Shutdown runs the queued jobs to completion and stops the workers.
func (js *System) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}
