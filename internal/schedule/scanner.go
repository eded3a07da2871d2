package schedule

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailflow/internal/pkg/distlock"
)

// Scanner runs ProcessDue on a fixed interval. A scan that is still running
// when the next tick fires is not overlapped; the tick is skipped. With a
// distributed lock configured, only one instance across the fleet scans at a
// time.
type Scanner struct {
	service  *Service
	interval time.Duration
	lock     *distlock.Lock

	inProgress atomic.Bool
	stop       chan struct{}
	wg         sync.WaitGroup
}

// NewScanner builds a scanner over svc. lock may be nil for single-instance
// deployments.
func NewScanner(svc *Service, interval time.Duration, lock *distlock.Lock) *Scanner {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scanner{
		service:  svc,
		interval: interval,
		lock:     lock,
		stop:     make(chan struct{}),
	}
}

// Start launches the scan loop. It returns immediately.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Printf("[Scanner] Started, interval %s", s.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.scan(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight scan to finish.
func (s *Scanner) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// ScanNow runs one pass immediately, outside the ticker.
func (s *Scanner) ScanNow(ctx context.Context) (*Report, error) {
	if !s.inProgress.CompareAndSwap(false, true) {
		return &Report{}, nil
	}
	defer s.inProgress.Store(false)
	return s.service.ProcessDue(ctx)
}

func (s *Scanner) scan(ctx context.Context) {
	if !s.inProgress.CompareAndSwap(false, true) {
		log.Printf("[Scanner] Previous scan still running, skipping tick")
		return
	}
	defer s.inProgress.Store(false)

	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			log.Printf("[Scanner] Lock error: %v", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				log.Printf("[Scanner] Lock release error: %v", err)
			}
		}()
	}

	report, err := s.service.ProcessDue(ctx)
	if err != nil {
		log.Printf("[Scanner] Scan failed: %v", err)
		return
	}
	if report.Claimed > 0 {
		log.Printf("[Scanner] Processed %d schedules: %d sent, %d returned, %d failed",
			report.Claimed, report.Sent, report.Returned, report.Failed)
	}
}
