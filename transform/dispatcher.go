package transform

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/Sanzentyo/video-hw/media"
)

// NeedsWork reports whether a (color, resize) request requires the worker
// pool at all. When it is false the scheduler returns the input
// synchronously and no job is enqueued.
func NeedsWork(color media.ColorRequest, resize *media.Dimensions) bool {
	return color.NeedsTransform() || resize != nil
}

// Job is one unit of pixel work. Done is invoked exactly once from a worker
// goroutine with the transformed frame or the CPU path's error; the caller
// uses it to resequence results into submission order.
type Job struct {
	Frame  media.DecodedFrame
	Color  media.ColorRequest
	Resize *media.Dimensions
	Done   func(media.DecodedFrame, error)
}

// Dispatcher owns the transform worker pool. One dispatcher is shared
// across sessions; jobs from different sessions interleave freely because
// each session's scheduler restores submission order as results complete.
type Dispatcher struct {
	log  *slog.Logger
	jobs chan Job
	wg   sync.WaitGroup

	closeOnce sync.Once
}

// NewDispatcher starts workers draining a bounded job queue. workerCount
// and queueCapacity floor at 1.
func NewDispatcher(workerCount, queueCapacity int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if workerCount < 1 {
		workerCount = 1
	}
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	d := &Dispatcher{
		log:  log.With("component", "transform"),
		jobs: make(chan Job, queueCapacity),
	}
	d.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go d.worker()
	}
	return d
}

var (
	sharedOnce sync.Once
	shared     *Dispatcher
)

// Shared returns the process-wide dispatcher, sized to
// max(1, runtime.NumCPU() − 2) workers. runtime.NumCPU counts logical
// CPUs, so hyper-threads count as cores here.
func Shared() *Dispatcher {
	sharedOnce.Do(func() {
		workers := runtime.NumCPU() - 2
		if workers < 1 {
			workers = 1
		}
		shared = NewDispatcher(workers, 64, nil)
	})
	return shared
}

// Submit enqueues a job. A full queue fails with ErrTemporaryBackpressure
// so codec threads are never blocked on pixel math.
func (d *Dispatcher) Submit(j Job) error {
	if j.Done == nil {
		return fmt.Errorf("%w: transform job without completion", media.ErrInvalidInput)
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		return fmt.Errorf("%w: transform queue full", media.ErrTemporaryBackpressure)
	}
}

// Close stops the workers after draining queued jobs. The shared dispatcher
// is never closed.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
	})
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		job.Done(d.run(job))
	}
}

// run applies the color conversion then the resize. The accelerator is
// preferred for conversion; its failure downgrades to the CPU path with a
// debug log only.
func (d *Dispatcher) run(job Job) (media.DecodedFrame, error) {
	frame := job.Frame

	if job.Color.NeedsTransform() && frame.Kind == media.DecodedNV12 {
		converted, err := d.convert(frame, job.Color)
		if err != nil {
			return media.DecodedFrame{}, err
		}
		frame = converted
	}

	if job.Resize != nil {
		resized, err := ResizeNearest(frame, *job.Resize)
		if err != nil {
			return media.DecodedFrame{}, err
		}
		frame = resized
	}

	return frame, nil
}

func (d *Dispatcher) convert(frame media.DecodedFrame, color media.ColorRequest) (media.DecodedFrame, error) {
	if a := accelerator(); a != nil {
		out, err := a.Convert(frame, color)
		if err == nil {
			return out, nil
		}
		d.log.Debug("accelerator failed, using cpu path", "accelerator", a.Name(), "error", err)
	}
	return NV12ToRGB(frame, color)
}
