package jobs_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/witroch4/chatwit/jobs"
)

func TestFingerprintJobIsStableForQueueAndPayload(t *testing.T) {
	a := &jobs.Job{Queue: "publish", Payload: map[string]any{"agendamento_id": "a1"}}
	b := &jobs.Job{Queue: "publish", Payload: map[string]any{"agendamento_id": "a1"}}
	c := &jobs.Job{Queue: "other", Payload: map[string]any{"agendamento_id": "a1"}}

	require.NoError(t, jobs.FingerprintJob(a))
	require.NoError(t, jobs.FingerprintJob(b))
	require.NoError(t, jobs.FingerprintJob(c))

	assert.Len(t, a.Fingerprint, 32)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.Fingerprint, c.Fingerprint)
}

func TestFingerprintJobKeepsUserFingerprint(t *testing.T) {
	j := &jobs.Job{Queue: "publish", Fingerprint: "agendamento:a1:1700000000"}
	require.NoError(t, jobs.FingerprintJob(j))
	assert.Equal(t, "agendamento:a1:1700000000", j.Fingerprint)
}

func TestExhausted(t *testing.T) {
	j := &jobs.Job{}
	assert.Equal(t, jobs.DefaultMaxRetries, j.MaxRetriesOrDefault())
	assert.False(t, j.Exhausted())

	maxRetries := 2
	j.MaxRetries = &maxRetries
	j.Retries = 1
	assert.False(t, j.Exhausted())
	j.Retries = 2
	assert.True(t, j.Exhausted())
}

func TestPastDeadline(t *testing.T) {
	j := &jobs.Job{}
	assert.False(t, j.PastDeadline())

	past := time.Now().Add(-time.Minute)
	j.Deadline = &past
	assert.True(t, j.PastDeadline())

	future := time.Now().Add(time.Minute)
	j.Deadline = &future
	assert.False(t, j.PastDeadline())
}

func TestFromContext(t *testing.T) {
	_, err := jobs.FromContext(context.Background())
	assert.ErrorIs(t, err, jobs.ErrContextHasNoJob)

	j := &jobs.Job{ID: 7, Queue: "publish"}
	got, err := jobs.FromContext(jobs.WithJobContext(context.Background(), j))
	require.NoError(t, err)
	assert.Same(t, j, got)
}
