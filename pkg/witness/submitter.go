package witness

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// SubmitterConfig bounds the retry behaviour of the async submitter.
type SubmitterConfig struct {
	// QueueSize is the capacity of the pending queue.
	QueueSize int
	// MaxAttempts bounds submissions per request before EXHAUSTED.
	MaxAttempts int
	// BaseDelay is the first retry delay; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the per-attempt delay.
	MaxDelay time.Duration
	// RatePerSecond throttles outgoing submissions across all requests.
	RatePerSecond float64
}

// DefaultSubmitterConfig mirrors the operational defaults.
func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{
		QueueSize:     256,
		MaxAttempts:   5,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		RatePerSecond: 5,
	}
}

// Submitter delivers witness requests to a backend asynchronously. Failed
// submissions are retried with exponential backoff and deterministic jitter;
// once attempts are exhausted the request is marked EXHAUSTED and dropped.
// Receipts, including exhaustion markers, flow to the sink.
type Submitter struct {
	backend Backend
	hasher  *canonical.Hasher
	cfg     SubmitterConfig
	limiter *rate.Limiter
	sink    func(Receipt)

	mu     sync.Mutex
	closed bool
	queue  chan Request
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewSubmitter wires a submitter to a backend. The sink receives every
// terminal receipt; a nil sink discards them.
func NewSubmitter(backend Backend, h *canonical.Hasher, cfg SubmitterConfig, sink func(Receipt)) *Submitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultSubmitterConfig().QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultSubmitterConfig().MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultSubmitterConfig().BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultSubmitterConfig().MaxDelay
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultSubmitterConfig().RatePerSecond
	}
	if sink == nil {
		sink = func(Receipt) {}
	}
	return &Submitter{
		backend: backend,
		hasher:  h,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		sink:    sink,
		queue:   make(chan Request, cfg.QueueSize),
	}
}

// Start launches the worker. Call Close to drain and stop.
func (s *Submitter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for req := range s.queue {
			s.deliver(ctx, req)
		}
	}()
}

// Enqueue hands a request to the worker and returns a PENDING receipt
// immediately. A full or closed queue fails fast instead of blocking the
// ledger write path.
func (s *Submitter) Enqueue(req Request) (Receipt, error) {
	fp, err := req.Fingerprint(s.hasher)
	if err != nil {
		return Receipt{}, fmt.Errorf("fingerprint request: %w", err)
	}
	pending := Receipt{
		Backend:            s.backend.Name(),
		Status:             StatusPending,
		RequestFingerprint: fp,
		SubmittedAt:        time.Now().UTC(),
	}

	// The closed flag and the channel close are flipped under the same lock,
	// so a send here can never hit a closed channel.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Receipt{}, fmt.Errorf("%w: submitter closed", ErrWitnessUnavailable)
	}
	select {
	case s.queue <- req:
		return pending, nil
	default:
		return Receipt{}, fmt.Errorf("%w: witness queue full", ErrWitnessUnavailable)
	}
}

// Close stops accepting requests, drains the queue and waits for the worker.
func (s *Submitter) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Submitter) deliver(ctx context.Context, req Request) {
	fp, err := req.Fingerprint(s.hasher)
	if err != nil {
		s.sink(Receipt{Backend: s.backend.Name(), Status: StatusExhausted, Err: err.Error(), SubmittedAt: time.Now().UTC()})
		return
	}

	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.backoff(fp, attempt)):
			case <-ctx.Done():
			}
			if err := ctx.Err(); err != nil {
				lastErr = err
				break
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}

		receipt, err := s.backend.Submit(ctx, req)
		if err == nil {
			s.sink(receipt)
			return
		}
		lastErr = err
	}

	exhausted := Receipt{
		Backend:            s.backend.Name(),
		Status:             StatusExhausted,
		RequestFingerprint: fp,
		SubmittedAt:        time.Now().UTC(),
	}
	if lastErr != nil {
		exhausted.Err = lastErr.Error()
	}
	s.sink(exhausted)
}

// backoff doubles the base delay per attempt and folds in jitter derived
// from the request fingerprint, so replayed schedules are reproducible.
func (s *Submitter) backoff(fingerprint string, attempt int) time.Duration {
	d := s.cfg.BaseDelay << uint(attempt-1)
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}

	h := fnv.New32a()
	fmt.Fprintf(h, "%s:%d", fingerprint, attempt)
	// Jitter in [-25%, +25%) of the computed delay.
	frac := float64(h.Sum32()%1000)/1000.0*0.5 - 0.25
	d += time.Duration(float64(d) * frac)
	if d < 0 {
		d = 0
	}
	return d
}
