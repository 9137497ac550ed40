package backends

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/witroch4/chatwit"
	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/jobs"
)

const (
	messageKey  = "message"
	waitTimeout = 10 * time.Second
)

// DispatcherTestSuite exercises the behavior every backend shares, independent of implementation
//
// Backends run the suite from their own tests by handing NewDispatcherTestSuite a constructor for the backend under
// test. A fresh dispatcher is created for every test.
type DispatcherTestSuite struct {
	suite.Suite
	NewDispatcher func(ctx context.Context) (chatwit.Dispatcher, error)
	Dispatcher    chatwit.Dispatcher
}

// NewDispatcherTestSuite constructs a new dispatcher test suite that can be used to test any implementation of the
// Backend interface
func NewDispatcherTestSuite(newDispatcher func(ctx context.Context) (chatwit.Dispatcher, error)) *DispatcherTestSuite {
	return &DispatcherTestSuite{NewDispatcher: newDispatcher}
}

func (s *DispatcherTestSuite) SetupTest() {
	d, err := s.NewDispatcher(context.Background())
	s.Require().NoError(err)
	s.Dispatcher = d
}

func (s *DispatcherTestSuite) TearDownTest() {
	if s.Dispatcher != nil {
		s.Dispatcher.Shutdown(context.Background())
	}
}

func randomQueue(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, rand.Int63()) // nolint: gosec
}

// collect starts a handler on queue that reports the message of every job it handles
func (s *DispatcherTestSuite) collect(ctx context.Context, queue string, f handler.Func) chan string {
	out := make(chan string, 100)
	h := handler.New(queue, func(ctx context.Context) error {
		j, err := jobs.FromContext(ctx)
		if err != nil {
			return err
		}

		if msg, ok := j.Payload[messageKey].(string); ok {
			out <- msg
		}

		if f != nil {
			return f(ctx)
		}
		return nil
	}, handler.Concurrency(1))

	s.Require().NoError(s.Dispatcher.Start(ctx, h))

	return out
}

func (s *DispatcherTestSuite) await(c chan string) string {
	select {
	case msg := <-c:
		return msg
	case <-time.After(waitTimeout):
		s.FailNow("timed out waiting for job")
	}
	return ""
}

// TestDuplicateFingerprint verifies that at most one unprocessed job exists per fingerprint, and that a fingerprint is
// reusable once its job has been processed
func (s *DispatcherTestSuite) TestDuplicateFingerprint() {
	ctx := context.Background()
	queue := randomQueue("dupes")
	fingerprint := fmt.Sprintf("fingerprint-%d", rand.Int63()) // nolint: gosec
	done := s.collect(ctx, queue, nil)

	runAfter := time.Now().Add(time.Hour)
	_, err := s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: fingerprint,
		Payload:     map[string]any{messageKey: "first"},
		RunAfter:    runAfter,
	})
	s.Require().NoError(err)

	jid, err := s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: fingerprint,
		Payload:     map[string]any{messageKey: "second"},
		RunAfter:    runAfter,
	})
	s.ErrorIs(err, jobs.ErrDuplicateJob)
	s.Equal(jobs.DuplicateJobID, jid)

	s.Require().NoError(s.Dispatcher.Reschedule(ctx, fingerprint, time.Now()))
	s.Equal("first", s.await(done))

	s.Eventually(func() bool {
		_, err = s.Dispatcher.Enqueue(ctx, &jobs.Job{
			Queue:       queue,
			Fingerprint: fingerprint,
			Payload:     map[string]any{messageKey: "third"},
		})
		return err == nil
	}, waitTimeout, 50*time.Millisecond)
	s.Equal("third", s.await(done))
}

// TestCancel verifies that cancelled jobs never run
func (s *DispatcherTestSuite) TestCancel() {
	ctx := context.Background()
	queue := randomQueue("cancel")
	done := s.collect(ctx, queue, nil)

	_, err := s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: "cancelled",
		Payload:     map[string]any{messageKey: "cancelled"},
		RunAfter:    time.Now().Add(time.Second),
	})
	s.Require().NoError(err)
	s.Require().NoError(s.Dispatcher.Cancel(ctx, "cancelled"))
	s.ErrorIs(s.Dispatcher.Cancel(ctx, "cancelled"), jobs.ErrJobNotFound)

	_, err = s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: "kept",
		Payload:     map[string]any{messageKey: "kept"},
		RunAfter:    time.Now().Add(2 * time.Second),
	})
	s.Require().NoError(err)

	s.Equal("kept", s.await(done))
}

// TestReschedule verifies that a rescheduled job runs at its new time
func (s *DispatcherTestSuite) TestReschedule() {
	ctx := context.Background()
	queue := randomQueue("reschedule")
	done := s.collect(ctx, queue, nil)

	_, err := s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: "moved",
		Payload:     map[string]any{messageKey: "moved"},
		RunAfter:    time.Now().Add(time.Hour),
	})
	s.Require().NoError(err)

	start := time.Now()
	s.Require().NoError(s.Dispatcher.Reschedule(ctx, "moved", start.Add(time.Second)))
	s.Equal("moved", s.await(done))
	s.GreaterOrEqual(time.Since(start), 900*time.Millisecond)

	s.ErrorIs(s.Dispatcher.Reschedule(ctx, "missing", time.Now()), jobs.ErrJobNotFound)
}

// TestDeadJobReplay verifies that jobs that exhaust their retries are dead-lettered, and that replaying them runs them
// again
func (s *DispatcherTestSuite) TestDeadJobReplay() {
	ctx := context.Background()
	queue := randomQueue("dead")
	var fail atomic.Bool
	fail.Store(true)
	done := s.collect(ctx, queue, func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("publisher unavailable")
		}
		return nil
	})

	noRetries := 0
	_, err := s.Dispatcher.Enqueue(ctx, &jobs.Job{
		Queue:       queue,
		Fingerprint: "doomed",
		Payload:     map[string]any{messageKey: "doomed"},
		MaxRetries:  &noRetries,
	})
	s.Require().NoError(err)
	s.Equal("doomed", s.await(done))

	var dead []*jobs.Job
	s.Eventually(func() bool {
		dead, err = s.Dispatcher.DeadJobs(ctx, queue)
		return err == nil && len(dead) == 1
	}, waitTimeout, 50*time.Millisecond)
	s.Equal("doomed", dead[0].Fingerprint)

	fail.Store(false)
	s.Require().NoError(s.Dispatcher.ReplayDeadJob(ctx, "doomed"))
	s.Equal("doomed", s.await(done))
	s.ErrorIs(s.Dispatcher.ReplayDeadJob(ctx, "doomed"), jobs.ErrDeadJobNotFound)
}
