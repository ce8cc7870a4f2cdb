// Package stream runs a continuous capture session: a capture loop feeds
// a bounded raw-frame queue, an encode stage drains it, and encoded frames
// are broadcast to independent subscribers.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deskpilot/internal/types"

	"go.uber.org/zap"
)

const (
	DefaultFPS                  = 30
	DefaultQueueSize            = 60
	DefaultBroadcastCapacity    = 10
	DefaultMaxConsecutiveErrors = 30

	// latencyWarn is the capture-to-publish delay above which a warning
	// is logged.
	latencyWarn = 200 * time.Millisecond
	// adaptWindow is how often the capture interval is re-evaluated.
	adaptWindow = time.Second
	maxSlowdown = 4
)

// Options tunes a pipeline. Zero fields take the defaults above.
type Options struct {
	FPS                  int
	QueueSize            int
	BroadcastCapacity    int
	MaxConsecutiveErrors int
	Logger               *zap.Logger
}

func (o *Options) setDefaults() {
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.BroadcastCapacity <= 0 {
		o.BroadcastCapacity = DefaultBroadcastCapacity
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// State is the lifecycle of a pipeline.
type State int

const (
	StateRunning State = iota
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Pipeline is a running capture session. It owns its capturer.
type Pipeline struct {
	capturer types.Capturer
	encoder  types.FrameEncoder
	cfg      types.CaptureConfig
	opts     Options
	logger   *zap.Logger

	queue     chan *types.RawFrame
	broadcast *Broadcast
	stats     *counters

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	state State
	err   error
}

// Start starts capturer with cfg and spawns the capture and encode
// stages. It blocks for as long as the capturer takes to start.
func Start(capturer types.Capturer, encoder types.FrameEncoder, cfg types.CaptureConfig, opts Options) (*Pipeline, error) {
	opts.setDefaults()
	if cfg.FPS > 0 {
		opts.FPS = cfg.FPS
	}
	if err := capturer.Start(cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		capturer:  capturer,
		encoder:   encoder,
		cfg:       cfg,
		opts:      opts,
		logger:    opts.Logger,
		queue:     make(chan *types.RawFrame, opts.QueueSize),
		broadcast: NewBroadcast(opts.BroadcastCapacity),
		stats:     newCounters(),
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateRunning,
	}

	p.wg.Add(2)
	go p.captureLoop(ctx)
	go p.encodeLoop(ctx)
	go p.finish()

	p.logger.Info("stream started",
		zap.String("mode", string(cfg.Mode)),
		zap.Int("fps", opts.FPS),
		zap.Int("queue", opts.QueueSize))
	return p, nil
}

// finish releases the capturer and ends subscriptions once both stages
// have exited, whether through Stop or a capture failure.
func (p *Pipeline) finish() {
	p.wg.Wait()
	if err := p.capturer.Stop(); err != nil {
		p.logger.Warn("capturer stop failed", zap.Error(err))
	}

	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateStopped
	}
	err := p.err
	p.mu.Unlock()

	p.broadcast.Close(err)
	close(p.done)
}

// Stop cancels both stages and waits for them. No frame is published
// after Stop returns. Calling Stop again is a no-op.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(p.cancel)
	<-p.done
}

// Done is closed once the pipeline has fully stopped.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err is the failure that ended the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Pipeline) Config() types.CaptureConfig { return p.cfg }

// Subscribe returns an independent receiver of encoded frames.
func (p *Pipeline) Subscribe() *Subscription {
	return p.broadcast.Subscribe()
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	p.state = StateFailed
	p.err = err
	p.mu.Unlock()
	p.cancel()
}

func (p *Pipeline) captureLoop(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.queue)

	target := time.Second / time.Duration(p.opts.FPS)
	interval := target
	p.stats.setInterval(interval)
	timer := time.NewTimer(0)
	defer timer.Stop()

	var (
		seq         uint64
		consecutive int
		overflowed  bool
		windowStart = time.Now()

		// capture failures since the last summary
		windowErrors int
		lastErr      error
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		started := time.Now()

		frame, err := p.capturer.ReadFrame()
		if err == nil && frame.Empty() {
			err = fmt.Errorf("capturer returned an empty frame")
		}
		if err != nil {
			consecutive++
			p.stats.captureErrors.Add(1)
			windowErrors++
			lastErr = err
			p.logger.Debug("capture failed",
				zap.Int("consecutive", consecutive),
				zap.Error(err))
			if consecutive >= p.opts.MaxConsecutiveErrors {
				p.logger.Error("stream failed after consecutive capture errors",
					zap.Int("errors", consecutive),
					zap.Error(err))
				p.fail(fmt.Errorf("capture failed %d times in a row: %w", consecutive, err))
				return
			}
		} else {
			consecutive = 0
			seq++
			frame.Sequence = seq
			p.stats.captured.Add(1)
			if p.enqueue(frame) {
				overflowed = true
			}
		}

		if now := time.Now(); now.Sub(windowStart) >= adaptWindow {
			if windowErrors > 0 {
				p.logger.Warn("capture errors",
					zap.Int("errors", windowErrors),
					zap.Duration("window", now.Sub(windowStart)),
					zap.NamedError("last", lastErr))
				windowErrors, lastErr = 0, nil
			}
			interval = adapt(interval, target, overflowed)
			p.stats.setInterval(interval)
			overflowed = false
			windowStart = now
		}

		wait := interval - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// adapt stretches the capture interval by 25% after a window in which the
// queue overflowed, bounded at maxSlowdown times the target, and shrinks
// it back toward target after a clean window.
func adapt(interval, target time.Duration, overflowed bool) time.Duration {
	if overflowed {
		return min(interval*5/4, target*maxSlowdown)
	}
	return max(interval*4/5, target)
}

// enqueue pushes f, dropping the oldest queued frame when full. It
// reports whether a frame was dropped. Only the capture loop sends.
func (p *Pipeline) enqueue(f *types.RawFrame) bool {
	select {
	case p.queue <- f:
		return false
	default:
	}
	dropped := false
	select {
	case <-p.queue:
		dropped = true
		p.stats.dropped.Add(1)
	default:
	}
	select {
	case p.queue <- f:
	default:
		// The encoder drained and the queue refilled in between; drop f.
		p.stats.dropped.Add(1)
		dropped = true
	}
	return dropped
}

func (p *Pipeline) encodeLoop(ctx context.Context) {
	defer p.wg.Done()

	var last time.Time
	var lastWarn time.Time
	for {
		var frame *types.RawFrame
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-p.queue:
			if !ok {
				return
			}
		}

		encStart := time.Now()
		out, err := p.encoder.Encode(frame)
		encTime := time.Since(encStart)
		if err != nil {
			p.stats.encodeErrors.Add(1)
			p.logger.Warn("encode failed", zap.Uint64("seq", frame.Sequence), zap.Error(err))
			continue
		}
		p.stats.encoded.Add(1)

		// Subscribers rely on strictly increasing timestamps.
		if !out.Timestamp.After(last) {
			out.Timestamp = last.Add(time.Microsecond)
		}
		last = out.Timestamp

		if ctx.Err() != nil {
			return
		}
		p.broadcast.Publish(out)

		latency := time.Since(frame.Timestamp)
		p.stats.observe(encTime, latency)
		if latency > latencyWarn && time.Since(lastWarn) > 5*time.Second {
			lastWarn = time.Now()
			p.logger.Warn("stream latency high",
				zap.Duration("latency", latency),
				zap.Duration("encode", encTime))
		}
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := p.stats.snapshot()
	s.State = p.State().String()
	s.Subscribers = p.broadcast.Subscribers()
	s.Lagged = p.broadcast.Lagged()
	return s
}
