// Package sink ships round metrics to an external collector. Delivery is
// fire-and-forget: a sink failure never fails a round.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/medhive/coordinator/pkg/metrics"
)

// Record is one metric observation about a round.
type Record struct {
	RoundID   string             `json:"round_id"`
	ModelKind string             `json:"model_kind"`
	Status    string             `json:"status"`
	Values    map[string]float64 `json:"values,omitempty"`
	At        time.Time          `json:"at"`
}

// Sink accepts records without blocking the caller.
type Sink interface {
	Emit(record Record)
	Close(ctx context.Context) error
}

// Noop discards all records.
type Noop struct{}

func (Noop) Emit(Record) {}

func (Noop) Close(context.Context) error { return nil }

const (
	defaultQueueSize = 256
	maxTries         = 4
	requestTimeout   = 5 * time.Second
)

// HTTPSink posts records as JSON to a collector endpoint. Records are queued
// on a bounded channel; when the queue is full new records are dropped and
// counted, never blocked on.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	queue    chan Record
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewHTTP(endpoint string, logger *slog.Logger) *HTTPSink {
	s := &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
		queue:    make(chan Record, defaultQueueSize),
		logger:   logger,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *HTTPSink) Emit(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		metrics.SinkDroppedTotal.Inc()
		s.logger.Warn("Metric record dropped, sink closed",
			slog.String("round_id", record.RoundID))

		return
	}

	select {
	case s.queue <- record:
	default:
		metrics.SinkDroppedTotal.Inc()
		s.logger.Warn("Metric record dropped, sink queue full",
			slog.String("round_id", record.RoundID))
	}
}

func (s *HTTPSink) run() {
	defer s.wg.Done()

	for record := range s.queue {
		if err := s.post(record); err != nil {
			s.logger.Warn("Failed to deliver metric record",
				slog.String("round_id", record.RoundID), slog.Any("error", err))
		}
	}
}

func (s *HTTPSink) post(record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	operation := func() (struct{}, error) {
		req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return struct{}{}, fmt.Errorf("collector returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, backoff.Permanent(fmt.Errorf("collector rejected record: %d", resp.StatusCode))
		}

		return struct{}{}, nil
	}

	_, err = backoff.Retry(context.Background(), operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
	)

	return err
}

// Close stops accepting records and waits for the queue to drain, bounded by
// ctx.
func (s *HTTPSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
