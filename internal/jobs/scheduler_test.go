package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"key_gateway/internal/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingRefresher struct {
	calls atomic.Int32
	added int
}

func (r *countingRefresher) Refresh(context.Context) (int, int) {
	r.calls.Add(1)
	return r.added, r.added
}

type staticSnapshot map[string]ledger.Record

func (s staticSnapshot) Snapshot() map[string]ledger.Record { return s }

type recordingArchiver struct {
	got map[string]ledger.Record
	err error
}

func (a *recordingArchiver) WriteSnapshot(_ context.Context, records map[string]ledger.Record) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.got = records
	return "s3://bucket/snap.json", nil
}

func TestScheduler_RunsJobsOnSchedule(t *testing.T) {
	s := NewScheduler(nil)
	r := &countingRefresher{}

	require.NoError(t, s.Add("refresh", "@every 1s", RefreshJob(r, zap.NewNop())))
	s.Start()
	s.Start()

	assert.Eventually(t, func() bool {
		return r.calls.Load() >= 1
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := NewScheduler(nil)
	defer func() { _ = s.Stop(context.Background()) }()

	err := s.Add("refresh", "every now and then", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestScheduler_StopCancelsSlowJob(t *testing.T) {
	s := NewScheduler(nil, WithTimeout(time.Hour))
	started := make(chan struct{})
	var once atomic.Bool

	require.NoError(t, s.Add("slow", "@every 1s", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}))
	s.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s := NewScheduler(nil)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_RunNowLogsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	s := NewScheduler(zap.New(core))
	defer func() { _ = s.Stop(context.Background()) }()

	boom := errors.New("bucket missing")
	err := s.RunNow("backup", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	entries := logs.FilterMessage("jobs: run failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "backup", entries[0].ContextMap()["job"])
}

func TestBackupJob(t *testing.T) {
	snap := staticSnapshot{"key-a": {Count: 2, Valid: true}}

	archiver := &recordingArchiver{}
	require.NoError(t, BackupJob(snap, archiver, zap.NewNop())(context.Background()))
	assert.Equal(t, map[string]ledger.Record(snap), archiver.got)

	failing := &recordingArchiver{err: errors.New("access denied")}
	assert.Error(t, BackupJob(snap, failing, zap.NewNop())(context.Background()))
}

func TestRefreshJob(t *testing.T) {
	r := &countingRefresher{added: 2}
	require.NoError(t, RefreshJob(r, zap.NewNop())(context.Background()))
	assert.Equal(t, int32(1), r.calls.Load())
}
