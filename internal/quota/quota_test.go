package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/botrunner/internal/domain"
)

type staticLister struct {
	records []domain.ContainerRecord
	err     error
}

func (s staticLister) List(ctx context.Context, tenantID string) ([]domain.ContainerRecord, error) {
	return s.records, s.err
}

func running(n int) []domain.ContainerRecord {
	out := make([]domain.ContainerRecord, n)
	for i := range out {
		id := domain.Identity{TenantID: "42", BotID: string(rune('a' + i))}
		out[i] = domain.ContainerRecord{ContainerName: id.ContainerName(), TenantID: "42", BotID: id.BotID, Status: domain.StatusRunning}
	}
	return out
}

var newBot = domain.Identity{TenantID: "42", BotID: "new"}

func TestCheckRejectsAtCeiling(t *testing.T) {
	e := New(staticLister{records: running(3)}, 3)
	_, err := e.Check(context.Background(), newBot)

	var qerr *domain.QuotaError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, 3, qerr.Current)
	assert.Equal(t, 3, qerr.Max)
	assert.Len(t, qerr.Active, 3)
	assert.Equal(t, "Maximum 3 bots per user", qerr.Error())
}

func TestCheckAdmitsRunningBotAtCeiling(t *testing.T) {
	e := New(staticLister{records: running(3)}, 3)
	d, err := e.Check(context.Background(), domain.Identity{TenantID: "42", BotID: "b"})
	require.NoError(t, err)
	assert.True(t, d.Running)
	assert.Equal(t, 3, d.Current)
}

func TestCheckAdmitsBelowCeiling(t *testing.T) {
	records := append(running(2), domain.ContainerRecord{BotID: "z", Status: domain.StatusStopped})
	d, err := New(staticLister{records: records}, 3).Check(context.Background(), newBot)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Current)
	assert.False(t, d.Running)
}

func TestCheckDisabled(t *testing.T) {
	_, err := New(staticLister{records: running(50)}, 0).Check(context.Background(), newBot)
	require.NoError(t, err)
}

func TestCheckPropagatesListError(t *testing.T) {
	boom := errors.New("engine down")
	_, err := New(staticLister{err: boom}, 3).Check(context.Background(), newBot)
	require.ErrorIs(t, err, boom)
}

// countingLister reports every started bot as running.
type countingLister struct {
	mu      sync.Mutex
	records []domain.ContainerRecord
}

func (c *countingLister) List(ctx context.Context, tenantID string) ([]domain.ContainerRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ContainerRecord(nil), c.records...), nil
}

func (c *countingLister) start(id domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, domain.ContainerRecord{ContainerName: id.ContainerName(), Status: domain.StatusRunning})
}

func TestReserveSerialisesTenantStarts(t *testing.T) {
	lister := &countingLister{}
	e := New(lister, 2)

	var (
		wg       sync.WaitGroup
		admitted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := domain.Identity{TenantID: "42", BotID: string(rune('a' + i))}
			release, _, err := e.Reserve(context.Background(), id)
			if err != nil {
				var qerr *domain.QuotaError
				assert.ErrorAs(t, err, &qerr)
				rejected.Add(1)
				return
			}
			defer release()
			time.Sleep(time.Millisecond)
			lister.start(id)
			admitted.Add(1)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), admitted.Load())
	assert.Equal(t, int32(4), rejected.Load())
	assert.Equal(t, 0, e.locks.Len())
}

func TestReserveReleasesOnRejection(t *testing.T) {
	e := New(staticLister{records: running(1)}, 1)
	release, _, err := e.Reserve(context.Background(), newBot)
	require.Error(t, err)
	assert.Nil(t, release)
	assert.Equal(t, 0, e.locks.Len())
}
