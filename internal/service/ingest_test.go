package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voltmet/prepaid-metering-worker/internal/balance"
	"github.com/voltmet/prepaid-metering-worker/internal/billing"
	"github.com/voltmet/prepaid-metering-worker/internal/command"
	"github.com/voltmet/prepaid-metering-worker/internal/db"
	"github.com/voltmet/prepaid-metering-worker/internal/service"
	"github.com/voltmet/prepaid-metering-worker/internal/validator"
	"go.uber.org/zap"
)

// fakeStore backs the whole pipeline: ingest, billing and balance all
// read and write the same state, as they do against the real database.
type fakeStore struct {
	device       *db.Device
	account      *db.Account
	tariff       *db.Tariff
	readings     []*db.Reading
	nextID       int64
	transactions map[int64]*db.BillingTransaction
	openAlerts   map[string]bool
	resolved     []string
	events       []*db.Event
	seenAt       []time.Time

	failBillingOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions: make(map[int64]*db.BillingTransaction),
		openAlerts:   make(map[string]bool),
	}
}

func (f *fakeStore) GetDevice(_ context.Context, id int64) (*db.Device, error) {
	if f.device == nil || f.device.ID != id {
		return nil, nil
	}
	snapshot := *f.device
	return &snapshot, nil
}

func (f *fakeStore) LatestReading(_ context.Context, _ int64) (*db.Reading, error) {
	if len(f.readings) == 0 {
		return nil, nil
	}
	return f.readings[len(f.readings)-1], nil
}

func (f *fakeStore) ReadingAt(_ context.Context, deviceID int64, ts time.Time) (*db.Reading, error) {
	for _, rd := range f.readings {
		if rd.DeviceID == deviceID && rd.Timestamp.Equal(ts) {
			return rd, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ReadingBefore(_ context.Context, deviceID int64, ts time.Time) (*db.Reading, error) {
	var prior *db.Reading
	for _, rd := range f.readings {
		if rd.DeviceID == deviceID && rd.Timestamp.Before(ts) {
			if prior == nil || rd.Timestamp.After(prior.Timestamp) {
				prior = rd
			}
		}
	}
	return prior, nil
}

func (f *fakeStore) InsertReading(_ context.Context, rd *db.Reading) (bool, error) {
	for _, existing := range f.readings {
		if existing.DeviceID == rd.DeviceID && existing.Timestamp.Equal(rd.Timestamp) {
			return false, nil
		}
	}
	f.nextID++
	rd.ID = f.nextID
	f.readings = append(f.readings, rd)
	return true, nil
}

func (f *fakeStore) TouchDeviceSeen(_ context.Context, _ int64, seenAt time.Time) error {
	f.seenAt = append(f.seenAt, seenAt)
	f.device.Connectivity = db.ConnectivityOnline
	return nil
}

func (f *fakeStore) ResolveAlert(_ context.Context, _ int64, alertType string) (bool, error) {
	f.resolved = append(f.resolved, alertType)
	if !f.openAlerts[alertType] {
		return false, nil
	}
	delete(f.openAlerts, alertType)
	return true, nil
}

func (f *fakeStore) AccountByDevice(_ context.Context, _ int64) (*db.Account, error) {
	return f.account, nil
}

func (f *fakeStore) TariffAt(_ context.Context, _ time.Time) (*db.Tariff, error) {
	return f.tariff, nil
}

func (f *fakeStore) InsertBillingTransaction(_ context.Context, t *db.BillingTransaction) (bool, error) {
	if f.failBillingOnce {
		f.failBillingOnce = false
		return false, errors.New("billing store unavailable")
	}
	if _, ok := f.transactions[t.ReadingID]; ok {
		return false, nil
	}
	f.transactions[t.ReadingID] = t
	return true, nil
}

func (f *fakeStore) AddUsedEnergy(_ context.Context, _ int64, deltaKWh float64) (*db.Account, error) {
	f.account.UsedKWh += deltaKWh
	updated := *f.account
	return &updated, nil
}

func (f *fakeStore) OpenAlert(_ context.Context, a *db.Alert) (bool, error) {
	if f.openAlerts[a.Type] {
		return false, nil
	}
	f.openAlerts[a.Type] = true
	return true, nil
}

func (f *fakeStore) SetAccountLocked(_ context.Context, _ int64, locked bool) error {
	f.account.IsLocked = locked
	return nil
}

func (f *fakeStore) ControllableDevices(_ context.Context, _ int64) ([]db.Device, error) {
	if f.device == nil || !f.device.AutoDisconnectEnabled {
		return nil, nil
	}
	return []db.Device{*f.device}, nil
}

func (f *fakeStore) RechargeAccount(_ context.Context, _ int64, addKWh float64) (*db.Account, error) {
	f.account.AllocatedKWh += addKWh
	f.account.IsLocked = false
	updated := *f.account
	return &updated, nil
}

func (f *fakeStore) InsertEvent(_ context.Context, e *db.Event) error {
	f.events = append(f.events, e)
	return nil
}

type fakeEnqueuer struct {
	requests []command.EnqueueRequest
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req command.EnqueueRequest) (*command.EnqueueResult, error) {
	f.requests = append(f.requests, req)
	return &command.EnqueueResult{CommandID: int64(len(f.requests))}, nil
}

type capturingPublisher struct {
	routingKeys []string
}

func (p *capturingPublisher) Publish(_ context.Context, routingKey string, _ any) error {
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func fv(v float64) *float64 { return &v }

func coil(v int) *int { return &v }

func newPipeline(store *fakeStore, enqueuer *fakeEnqueuer, publisher service.Publisher) *service.IngestService {
	logger := zap.NewNop()
	applicator := billing.NewApplicator(store, logger)
	machine := balance.NewMachine(store, enqueuer, nil, 0.2, 99, logger)
	return service.NewIngestService(store, validator.NewValidator(), applicator, machine, publisher, logger)
}

func sample(ts string, total float64) validator.ReadingData {
	return validator.ReadingData{
		DeviceID:  7,
		Timestamp: ts,
		TotalKWh:  fv(total),
	}
}

func onlineDevice() *db.Device {
	return &db.Device{
		ID:           7,
		AccountID:    1,
		Address:      "10.0.8.21:502",
		Connectivity: db.ConnectivityOnline,
		IsActive:     true,
	}
}

func TestIngest_FirstReadingIsBaseline(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, UsedKWh: 0, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	assert.True(t, outcome.Accepted)
	assert.Equal(t, 0.0, outcome.Reading.DeltaEnergy)
	assert.Empty(t, store.transactions)
	assert.Equal(t, 0.0, store.account.UsedKWh)
}

func TestIngest_SecondReadingBillsDelta(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, UsedKWh: 0, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2.5, outcome.Reading.DeltaEnergy)
	assert.Equal(t, balance.StatusActive, outcome.Status)
	assert.Len(t, store.transactions, 1)
	assert.Equal(t, 2.5, store.account.UsedKWh)
}

func TestIngest_RolloverProducesZeroDelta(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 9999.8), time.Now())
	require.NoError(t, err)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 0.4), time.Now())
	require.NoError(t, err)

	assert.True(t, outcome.Accepted)
	assert.Equal(t, 0.0, outcome.Reading.DeltaEnergy)
	assert.Empty(t, store.transactions)
}

func TestIngest_DuplicateDoesNotDoubleBill(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)
	_, err = svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.NoError(t, err)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.NoError(t, err)

	assert.True(t, outcome.Accepted)
	assert.Equal(t, "duplicate", outcome.Reason)
	assert.Len(t, store.transactions, 1)
	assert.Equal(t, 2.5, store.account.UsedKWh)
}

func TestIngest_RedeliveryAfterBillingFailureStillBills(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	// The reading row commits, then the billing insert fails; the
	// broker redelivers the same sample.
	store.failBillingOnce = true
	_, err = svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.Error(t, err)
	require.Len(t, store.readings, 2)
	assert.Empty(t, store.transactions)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.NoError(t, err)

	assert.Equal(t, "duplicate", outcome.Reason)
	assert.Len(t, store.transactions, 1)
	assert.Equal(t, 2.5, store.account.UsedKWh)
}

func TestIngest_OutOfOrderRejected(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 242.5), time.Now())
	require.NoError(t, err)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "out-of-order timestamp", outcome.Reason)
	assert.Len(t, store.readings, 1)
}

func TestIngest_UnknownDeviceRejected(t *testing.T) {
	store := newFakeStore()
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "unknown device", outcome.Reason)
}

func TestIngest_DisabledDeviceRejected(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.device.IsActive = false
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	assert.False(t, outcome.Accepted)
	assert.Equal(t, "device disabled", outcome.Reason)
}

func TestIngest_ExhaustionDisconnects(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.device.BreakerCoilAddress = coil(5)
	store.device.BreakerEnabled = true
	store.device.AutoDisconnectEnabled = true
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, UsedKWh: 98, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	enqueuer := &fakeEnqueuer{}
	svc := newPipeline(store, enqueuer, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	outcome, err := svc.Ingest(context.Background(), sample("2026-03-15T10:15:00Z", 243), time.Now())
	require.NoError(t, err)

	assert.Equal(t, balance.StatusExhausted, outcome.Status)
	assert.True(t, store.account.IsLocked)
	assert.True(t, store.openAlerts[db.AlertExhausted])

	require.Len(t, enqueuer.requests, 1)
	assert.Equal(t, db.CommandOff, enqueuer.requests[0].Command)
	assert.Equal(t, 5, enqueuer.requests[0].CoilAddress)
}

func TestIngest_ReconnectResolvesOfflineAlert(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.device.Connectivity = db.ConnectivityOffline
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	store.openAlerts[db.AlertOffline] = true
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	assert.False(t, store.openAlerts[db.AlertOffline])
	assert.Equal(t, db.ConnectivityOnline, store.device.Connectivity)
}

func TestIngest_PublishesAcceptedEvent(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	publisher := &capturingPublisher{}
	svc := newPipeline(store, &fakeEnqueuer{}, publisher)

	_, err := svc.Ingest(context.Background(), sample("2026-03-15T10:00:00Z", 240), time.Now())
	require.NoError(t, err)

	require.Len(t, publisher.routingKeys, 1)
	assert.Equal(t, "meter.reading.accepted", publisher.routingKeys[0])
}

func TestHandleMessage_SkipsInvalidSamples(t *testing.T) {
	store := newFakeStore()
	store.device = onlineDevice()
	store.account = &db.Account{ID: 1, AllocatedKWh: 100, IsActive: true}
	store.tariff = &db.Tariff{ID: 3, GridRate: 1500}
	svc := newPipeline(store, &fakeEnqueuer{}, nil)

	body := fmt.Sprintf(`{
		"request_id": "req-001",
		"source": "gateway-a",
		"received_at": %q,
		"readings": [
			{"device_id": 7, "timestamp": "2026-03-15T10:00:00Z", "total_kwh": 240},
			{"device_id": 7, "timestamp": "garbage", "total_kwh": 241},
			{"device_id": 7, "timestamp": "2026-03-15T10:15:00Z", "total_kwh": 242.5}
		]
	}`, time.Now().UTC().Format(time.RFC3339))

	err := svc.HandleMessage(context.Background(), []byte(body))
	require.NoError(t, err)

	assert.Len(t, store.readings, 2)
	assert.Equal(t, 2.5, store.account.UsedKWh)
}

func TestHandleMessage_BadJSON(t *testing.T) {
	svc := newPipeline(newFakeStore(), &fakeEnqueuer{}, nil)

	err := svc.HandleMessage(context.Background(), []byte("not json"))
	assert.Error(t, err)
}
