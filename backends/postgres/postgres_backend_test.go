package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/witroch4/chatwit"
	"github.com/witroch4/chatwit/backends"
	"github.com/witroch4/chatwit/backends/postgres"
	"github.com/witroch4/chatwit/config"
	"github.com/witroch4/chatwit/handler"
	"github.com/witroch4/chatwit/internal"
	"github.com/witroch4/chatwit/jobs"
	"github.com/witroch4/chatwit/logging"
)

const (
	ConcurrentWorkers = 8
)

var errPeriodicTimeout = errors.New("timed out waiting for periodic job")

// prepareAndCleanupDB should be run at the beginning of each test. It will check to see if the TEST_DATABASE_URL is
// present and has a valid connection string. If it does it will connect to the DB and clean up any jobs that might be
// lingering in the job tables if they exist. If the connection string is not present then it will cause the current
// test to skip automatically.
func prepareAndCleanupDB(t *testing.T) (dbURL string, conn *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()
	dbURL = os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL environment variable is missing, test requires a PostgreSQL database to continue")
		return "", nil
	}

	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		t.Fatalf("unable to parse database url: '%s': %+v", dbURL, err)
	}
	poolConfig.MaxConns = 2

	conn, err = pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		t.Fatalf("failed to connect to the database in TEST_DATABASE_URL: %+v", err)
	}

	// the tables don't exist before the first backend runs its migrations, so errors are expected here
	_, _ = conn.Exec(ctx, "DELETE FROM chatwit_jobs")      // nolint: gocritic
	_, _ = conn.Exec(ctx, "DELETE FROM chatwit_dead_jobs") // nolint: gocritic

	t.Cleanup(func() {
		conn.Close()
	})

	return dbURL, conn
}

func newDispatcher(t *testing.T, connString string, opts ...config.Option) chatwit.Dispatcher {
	t.Helper()
	ctx := context.Background()
	opts = append([]config.Option{
		config.WithBackend(postgres.Backend),
		postgres.WithConnectionString(connString),
		config.WithJobCheckInterval(500 * time.Millisecond),
	}, opts...)

	d, err := chatwit.New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Shutdown(ctx) })

	return d
}

func TestSuite(t *testing.T) {
	connString, _ := prepareAndCleanupDB(t)
	s := backends.NewDispatcherTestSuite(func(ctx context.Context) (chatwit.Dispatcher, error) {
		return chatwit.New(ctx,
			config.WithBackend(postgres.Backend),
			postgres.WithConnectionString(connString),
			config.WithJobCheckInterval(500*time.Millisecond),
			config.WithBackoff(func(int) time.Duration { return 50 * time.Millisecond }))
	})
	suite.Run(t, s)
}

func TestBackendRequiresConnectionString(t *testing.T) {
	_, err := chatwit.New(context.Background(), config.WithBackend(postgres.Backend))
	assert.ErrorIs(t, err, postgres.ErrCnxString)
}

// TestBasicJobProcessing tests that the postgres backend is able to process the most basic jobs with the
// most basic configuration.
func TestBasicJobProcessing(t *testing.T) {
	connString, conn := prepareAndCleanupDB(t)
	const queue = "testing"
	maxRetries := 5
	done := make(chan bool, 1)
	ctx := context.Background()

	d := newDispatcher(t, connString)

	h := handler.New(queue, func(_ context.Context) (err error) {
		done <- true
		return
	})
	require.NoError(t, d.Start(ctx, h))

	deadline := time.Now().UTC().Add(5 * time.Second)
	jid, err := d.Enqueue(ctx, &jobs.Job{
		Queue: queue,
		Payload: map[string]interface{}{
			"message": "hello world",
		},
		Deadline:   &deadline,
		MaxRetries: &maxRetries,
	})
	require.NoError(t, err)
	require.NotEqual(t, jobs.DuplicateJobID, jid)

	select {
	case <-time.After(5 * time.Second):
		t.Fatal(jobs.ErrJobTimeout)
	case <-done:
	}

	// ensure job has fields set correctly
	var jdl time.Time
	var jmxrt int
	var status string
	require.Eventually(t, func() bool {
		err = conn.
			QueryRow(ctx, "SELECT deadline,max_retries,status FROM chatwit_jobs WHERE id = $1", jid).
			Scan(&jdl, &jmxrt, &status)
		return err == nil && status == jobs.StatusProcessed
	}, 5*time.Second, 50*time.Millisecond)

	// dates from postgres come out with only 6 decimal places of millisecond precision, naively format dates as
	// strings for comparison reasons. Ref https://www.postgresql.org/docs/current/datatype-datetime.html
	assert.Equal(t, deadline.Format(time.RFC3339), jdl.In(time.UTC).Format(time.RFC3339))
	assert.Equal(t, maxRetries, jmxrt)
}

func TestMultipleProcessors(t *testing.T) {
	const queue = "testing"
	var execCount uint32
	var wg sync.WaitGroup

	connString, _ := prepareAndCleanupDB(t)

	h := handler.New(queue, func(_ context.Context) (err error) {
		atomic.AddUint32(&execCount, 1)
		wg.Done()
		return
	}, handler.Concurrency(1))

	// Several dispatchers listen on the same queue; no job may be processed twice across them.
	dispatchers := make([]chatwit.Dispatcher, 0, ConcurrentWorkers)
	for i := 0; i < ConcurrentWorkers; i++ {
		d := newDispatcher(t, connString)
		require.NoError(t, d.Start(context.Background(), h))
		dispatchers = append(dispatchers, d)
	}

	d := dispatchers[0]
	wg.Add(ConcurrentWorkers)
	for i := 0; i < ConcurrentWorkers; i++ {
		jid, err := d.Enqueue(context.Background(), &jobs.Job{
			Queue: queue,
			Payload: map[string]interface{}{
				"message": fmt.Sprintf("hello world: %d", i),
			},
		})
		require.NoError(t, err)
		require.NotEqual(t, jobs.DuplicateJobID, jid)
	}

	wg.Wait()

	assert.Equal(t, uint32(ConcurrentWorkers), atomic.LoadUint32(&execCount))
}

// TestFutureJobScheduling tests that jobs with a RunAfter in the future are not run early
func TestFutureJobScheduling(t *testing.T) {
	connString, _ := prepareAndCleanupDB(t)
	const queue = "future"
	ctx := context.Background()
	ranAt := make(chan time.Time, 1)

	d := newDispatcher(t, connString, config.WithLogLevel(logging.LogLevelDebug))
	h := handler.New(queue, func(_ context.Context) error {
		ranAt <- time.Now()
		return nil
	})
	require.NoError(t, d.Start(ctx, h))

	runAfter := time.Now().Add(2 * time.Second)
	_, err := d.Enqueue(ctx, &jobs.Job{
		Queue:    queue,
		Payload:  map[string]any{"message": fmt.Sprintf("hello world: %d", internal.RandInt(10000000000))},
		RunAfter: runAfter,
	})
	require.NoError(t, err)

	select {
	case at := <-ranAt:
		assert.False(t, at.Before(runAfter.Add(-50*time.Millisecond)), "job ran before its RunAfter")
	case <-time.After(10 * time.Second):
		t.Fatal(jobs.ErrJobTimeout)
	}
}

// TestJobRetries tests that failed jobs are retried with the configured backoff before dead-lettering them
func TestJobRetries(t *testing.T) {
	connString, conn := prepareAndCleanupDB(t)
	const queue = "retries"
	ctx := context.Background()
	var attempts int32
	maxRetries := 2

	d := newDispatcher(t, connString, config.WithBackoff(func(int) time.Duration { return 100 * time.Millisecond }))
	h := handler.New(queue, func(_ context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("instagram is down")
	})
	require.NoError(t, d.Start(ctx, h))

	jid, err := d.Enqueue(ctx, &jobs.Job{
		Queue:      queue,
		Payload:    map[string]any{"agendamento_id": "a1"},
		MaxRetries: &maxRetries,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		var n int
		err = conn.QueryRow(ctx, "SELECT count(*) FROM chatwit_dead_jobs WHERE id = $1", jid).Scan(&n)
		return err == nil && n == 1
	}, 10*time.Second, 100*time.Millisecond)

	assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&attempts))

	var errMsg string
	err = conn.QueryRow(ctx, "SELECT error FROM chatwit_dead_jobs WHERE id = $1", jid).Scan(&errMsg)
	require.NoError(t, err)
	assert.Contains(t, errMsg, "instagram is down")
}

// TestPastDeadlineJobsAreDeadLettered tests that jobs are never run after their deadline
func TestPastDeadlineJobsAreDeadLettered(t *testing.T) {
	connString, _ := prepareAndCleanupDB(t)
	const queue = "stale"
	ctx := context.Background()
	var ran atomic.Bool

	d := newDispatcher(t, connString)
	require.NoError(t, d.Start(ctx, handler.New(queue, func(_ context.Context) error {
		ran.Store(true)
		return nil
	})))

	deadline := time.Now().Add(-time.Minute)
	_, err := d.Enqueue(ctx, &jobs.Job{Queue: queue, Fingerprint: "stale", Deadline: &deadline})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		dead, err := d.DeadJobs(ctx, queue)
		return err == nil && len(dead) == 1
	}, 5*time.Second, 50*time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCron(t *testing.T) {
	done := make(chan bool, 1)
	const cron = "* * * * * *"
	connString, _ := prepareAndCleanupDB(t)
	ctx := context.Background()

	d := newDispatcher(t, connString)
	h := handler.New("", func(ctx context.Context) (err error) {
		select {
		case done <- true:
		default:
		}
		return
	}, handler.Deadline(500*time.Millisecond), handler.Concurrency(1))

	require.NoError(t, d.StartCron(ctx, cron, h))

	select {
	case <-time.After(3 * time.Second):
		t.Error(errPeriodicTimeout)
	case <-done:
	}
}
