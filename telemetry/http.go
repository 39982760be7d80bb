package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/averonhq/agentupdate/retry"
)

const (
	DefaultBatchSize     = 20
	DefaultFlushInterval = time.Second * 30

	queueSize      = 256
	postTimeout    = time.Second * 10
	flushTimeout   = time.Second * 5
	maxPostRetries = 3
)

// HTTPOptions tunes an HTTPSink. Zero values select the defaults.
type HTTPOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	UserAgent     string
	Client        *http.Client
}

// HTTPSink batches events in the background and POSTs them as a JSON array to a collector.
// Events that cannot be queued or delivered are dropped.
type HTTPSink struct {
	endpoint      string
	userAgent     string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client
	log           *zerolog.Logger

	queue     chan Event
	flushC    chan chan struct{}
	shutdownC chan struct{}
	doneC     chan struct{}
	closeOnce sync.Once

	// newBackoff is overridden in tests.
	newBackoff func() retry.BackoffHandler
}

// NewHTTPSink starts a sink delivering to endpoint. Close stops it.
func NewHTTPSink(endpoint string, opts HTTPOptions, log *zerolog.Logger) *HTTPSink {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: postTimeout}
	}
	s := &HTTPSink{
		endpoint:      endpoint,
		userAgent:     opts.UserAgent,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		client:        opts.Client,
		log:           log,
		queue:         make(chan Event, queueSize),
		flushC:        make(chan chan struct{}),
		shutdownC:     make(chan struct{}),
		doneC:         make(chan struct{}),
		newBackoff: func() retry.BackoffHandler {
			return retry.NewBackoff(maxPostRetries, time.Second, flushTimeout)
		},
	}
	go s.run()
	return s
}

func (s *HTTPSink) Track(e Event) {
	select {
	case s.queue <- e:
	default:
		s.log.Debug().Str("event", string(e.Type)).Msg("Telemetry queue full, dropping event")
	}
}

// Flush asks the background loop to deliver everything queued so far and waits a bounded
// time for it.
func (s *HTTPSink) Flush() {
	ack := make(chan struct{})
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()

	select {
	case s.flushC <- ack:
	case <-s.doneC:
		return
	case <-timer.C:
		return
	}
	select {
	case <-ack:
	case <-timer.C:
	}
}

// Close delivers what is queued and stops the background loop.
func (s *HTTPSink) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdownC)
	})
	<-s.doneC
}

func (s *HTTPSink) run() {
	defer close(s.doneC)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []Event
	send := func() {
		if len(batch) == 0 {
			return
		}
		s.deliver(batch)
		batch = nil
	}
	drain := func() {
		for {
			select {
			case e := <-s.queue:
				batch = append(batch, e)
			default:
				return
			}
		}
	}

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				send()
			}
		case <-ticker.C:
			send()
		case ack := <-s.flushC:
			drain()
			send()
			close(ack)
		case <-s.shutdownC:
			drain()
			send()
			return
		}
	}
}

func (s *HTTPSink) deliver(batch []Event) {
	wire := make([]wireEvent, len(batch))
	for i, e := range batch {
		wire[i] = toWire(e)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		s.log.Debug().Err(err).Msg("Cannot encode telemetry batch")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdownC:
			// one last attempt is allowed, but no waiting between retries
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := s.newBackoff()
	for {
		err := s.post(body)
		if err == nil {
			return
		}
		if !backoff.Backoff(ctx) {
			s.log.Debug().Err(err).Int("events", len(batch)).Msg("Dropping telemetry batch")
			return
		}
	}
}

func (s *HTTPSink) post(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "cannot build telemetry request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("telemetry endpoint returned %d", resp.StatusCode)
	}
	return nil
}
