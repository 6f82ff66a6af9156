package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuhaidong1/iothub/internal/domain"
)

func TestWatcherSweeps(t *testing.T) {
	f := newFixture()
	f.repo.cmds[11] = domain.DeviceCommand{ID: 11, TenantID: "t1", Status: domain.CommandSent}
	past := time.Now().Add(-time.Minute).UnixMilli()
	f.repo.cmds[12] = domain.DeviceCommand{
		ID: 12, TenantID: "t1", DeviceID: "dev-1",
		Status: domain.CommandScheduled, ScheduledAt: past,
	}

	w := NewWatcher(f.svc, "@every 100ms", testLogger())
	require.NoError(t, w.Start())
	defer w.Stop()

	assert.Eventually(t, func() bool {
		return f.repo.get(11).Status == domain.CommandTimeout &&
			f.repo.get(12).Status == domain.CommandPending
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatcherBadSpec(t *testing.T) {
	f := newFixture()
	w := NewWatcher(f.svc, "not a cron spec", testLogger())
	assert.Error(t, w.Start())
}
