package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/service"
	"go.uber.org/zap"
)

type fakeOfflineStore struct {
	stale      []db.Device
	openAlerts map[string]bool
	events     []*db.Event
	cutoffs    []time.Time
}

func newFakeOfflineStore() *fakeOfflineStore {
	return &fakeOfflineStore{openAlerts: make(map[string]bool)}
}

func (f *fakeOfflineStore) MarkDevicesOffline(_ context.Context, cutoff time.Time) ([]db.Device, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	stale := f.stale
	f.stale = nil
	return stale, nil
}

func (f *fakeOfflineStore) OpenAlert(_ context.Context, a *db.Alert) (bool, error) {
	if f.openAlerts[a.Type] {
		return false, nil
	}
	f.openAlerts[a.Type] = true
	return true, nil
}

func (f *fakeOfflineStore) InsertEvent(_ context.Context, e *db.Event) error {
	f.events = append(f.events, e)
	return nil
}

func TestSweep_AlertsAndLogsStaleDevices(t *testing.T) {
	store := newFakeOfflineStore()
	store.stale = []db.Device{
		{ID: 7, AccountID: 1, SerialNumber: "MTR-0007"},
	}
	publisher := &capturingPublisher{}
	sweeper := service.NewOfflineSweeper(store, publisher, time.Minute, 3*time.Minute, zap.NewNop())

	err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.True(t, store.openAlerts[db.AlertOffline])
	require.Len(t, store.events, 1)
	assert.Equal(t, "device_offline", store.events[0].Type)
	require.Len(t, publisher.routingKeys, 1)
	assert.Equal(t, "billing.alert.raised", publisher.routingKeys[0])
}

func TestSweep_CutoffHonorsThreshold(t *testing.T) {
	store := newFakeOfflineStore()
	sweeper := service.NewOfflineSweeper(store, nil, time.Minute, 3*time.Minute, zap.NewNop())

	before := time.Now().UTC().Add(-3 * time.Minute)
	require.NoError(t, sweeper.Sweep(context.Background()))
	after := time.Now().UTC().Add(-3 * time.Minute)

	require.Len(t, store.cutoffs, 1)
	cutoff := store.cutoffs[0]
	assert.False(t, cutoff.Before(before))
	assert.False(t, cutoff.After(after))
}

func TestSweep_DuplicateAlertSkipsEvent(t *testing.T) {
	store := newFakeOfflineStore()
	store.stale = []db.Device{
		{ID: 7, AccountID: 1, SerialNumber: "MTR-0007"},
	}
	store.openAlerts[db.AlertOffline] = true
	publisher := &capturingPublisher{}
	sweeper := service.NewOfflineSweeper(store, publisher, time.Minute, 3*time.Minute, zap.NewNop())

	err := sweeper.Sweep(context.Background())
	require.NoError(t, err)

	assert.Empty(t, store.events)
	assert.Empty(t, publisher.routingKeys)
}
