package peripheral

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/multifit/internal/ble"
	"github.com/chaz8081/multifit/internal/codec"
	"github.com/chaz8081/multifit/internal/gatt"
	"github.com/chaz8081/multifit/internal/sensor"
)

func newSimController(t *testing.T, opts Options) (*Controller, *ble.SimStack) {
	t.Helper()
	stack := ble.NewSimStack(ble.SimOptions{ConfirmDelay: time.Millisecond})
	capability, err := ble.Grant("sim", nil)
	require.NoError(t, err)
	c, err := New(capability, stack, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, stack
}

func startSimController(t *testing.T) (*Controller, *ble.SimServer) {
	t.Helper()
	c, stack := newSimController(t, DefaultOptions())
	require.NoError(t, c.Start(context.Background()))
	return c, stack.Server()
}

func TestNewRequiresCapability(t *testing.T) {
	_, err := New(ble.Capability{}, ble.NewSimStack(ble.DefaultSimOptions()), DefaultOptions())
	assert.ErrorIs(t, err, ErrNoCapability)
}

func TestGrantPropagatesDenial(t *testing.T) {
	_, err := ble.Grant("tinygo", func() error { return errors.New("adapter unauthorized") })
	assert.Error(t, err)
}

func TestSetupRegistersServicesInOrder(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	require.NoError(t, c.Setup(context.Background()))

	srv := stack.Server()
	services := srv.Services()
	require.Len(t, services, 3)
	assert.Equal(t, gatt.HeartRateServiceUUID, services[0].UUID)
	assert.Equal(t, gatt.CyclingPowerServiceUUID, services[1].UUID)
	assert.Equal(t, gatt.FitnessMachineServiceUUID, services[2].UUID)
	assert.Len(t, srv.Submitted(), 3)
	assert.Zero(t, srv.Overlaps())
	assert.Equal(t, SeqIdle, c.seq.State())

	// The feature value is in place for backends that serve reads themselves.
	assert.Equal(t, codec.CyclingPowerFeature(), c.Profile().CyclingPowerFeature.Value())
}

func TestSetupFailedConfirmationAbortsSetup(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	stack.FailService(gatt.CyclingPowerServiceUUID, ble.StatusFailure)

	err := c.Setup(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetup)
	assert.ErrorIs(t, err, ErrServiceFailed)

	srv := stack.Server()
	assert.Len(t, srv.Submitted(), 2, "no service may be submitted after a failure")
	assert.True(t, srv.Closed(), "server must be closed after a setup failure")
	assert.Empty(t, srv.Services())
}

func TestSetupImmediateRejection(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	stack.RejectService(gatt.HeartRateServiceUUID)

	err := c.Setup(context.Background())
	assert.ErrorIs(t, err, ErrSetup)
	assert.ErrorIs(t, err, ErrServiceRejected)
	assert.Len(t, stack.Server().Submitted(), 1)
}

func TestSetupConfirmationTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.ConfirmTimeout = 30 * time.Millisecond
	c, stack := newSimController(t, opts)
	stack.DropConfirmation(gatt.FitnessMachineServiceUUID)

	err := c.Setup(context.Background())
	assert.ErrorIs(t, err, ErrSetup)
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.True(t, stack.Server().Closed())
}

func TestSetupOpenFailure(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	stack.FailOpen(errors.New("no adapter"))

	err := c.Setup(context.Background())
	assert.ErrorIs(t, err, ErrSetup)
	assert.Nil(t, stack.Server())
}

func TestSetupTwice(t *testing.T) {
	c, _ := startSimController(t)
	assert.Error(t, c.Setup(context.Background()))
}

func TestUnsolicitedConfirmationIgnored(t *testing.T) {
	c, srv := startSimController(t)

	srv.ConfirmService(ble.StatusSuccess, c.Profile().HeartRate)
	srv.ConfirmService(ble.StatusFailure, nil)

	assert.Equal(t, SeqIdle, c.seq.State())
	assert.Equal(t, 2, c.seq.Stale())
	assert.Len(t, c.seq.Registered(), 3)
}

func TestStartAdvertisingPayload(t *testing.T) {
	opts := DefaultOptions()
	opts.Name = "Trainer-01"
	c, stack := newSimController(t, opts)
	require.NoError(t, c.Start(context.Background()))

	data, settings, on := stack.Server().Advertising()
	require.True(t, on)
	assert.Equal(t, "Trainer-01", data.LocalName)
	assert.Equal(t, []uuid.UUID{
		gatt.FitnessMachineServiceUUID,
		gatt.HeartRateServiceUUID,
		gatt.CyclingPowerServiceUUID,
	}, data.ServiceUUIDs)
	assert.Equal(t, ble.AdvertiseModeLowLatency, settings.Mode)
	assert.True(t, settings.Connectable)
	assert.Zero(t, settings.Timeout)
}

func TestStartAdvertisingFailureKeepsServices(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	stack.FailAdvertising(ble.AdvertiseFailedTooManyAdvertisers)

	err := c.Start(context.Background())
	var advErr *ble.AdvertiseError
	require.ErrorAs(t, err, &advErr)
	assert.Equal(t, ble.AdvertiseFailedTooManyAdvertisers, advErr.Code)
	assert.NotErrorIs(t, err, ErrSetup)

	srv := stack.Server()
	assert.False(t, srv.Closed())
	assert.Len(t, srv.Services(), 3)
}

func TestStartAdvertisingBeforeSetup(t *testing.T) {
	c, _ := newSimController(t, DefaultOptions())
	assert.ErrorIs(t, c.StartAdvertising(context.Background()), ErrNotSetUp)
}

func TestUpdateHeartRateWithoutPeers(t *testing.T) {
	c, srv := startSimController(t)

	got := c.UpdateHeartRate(context.Background(), 130)

	assert.Equal(t, 0, got)
	assert.Equal(t, []byte{0x00, 0x82}, c.Profile().HeartRateMeasurement.Value())
	assert.Empty(t, srv.Notifications())
}

func TestUpdateHeartRateTwoPeers(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("AA:AA:AA:AA:AA:01")
	srv.Connect("AA:AA:AA:AA:AA:02")

	got := c.UpdateHeartRate(context.Background(), 130)

	assert.Equal(t, 2, got)
	sent := srv.Notifications()
	require.Len(t, sent, 2)
	for _, n := range sent {
		assert.Equal(t, gatt.HeartRateMeasurementUUID, n.Char)
		assert.Equal(t, []byte{0x00, 0x82}, n.Value)
		assert.False(t, n.Confirm)
	}
	assert.NotEqual(t, sent[0].Peer, sent[1].Peer)
}

func TestConcurrentUpdatesReachEveryPeer(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")
	srv.Connect("peer-2")

	ctx := context.Background()
	for round := 0; round < 200; round++ {
		var hr, cp, ibd int
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); hr = c.UpdateHeartRate(ctx, 130) }()
		go func() { defer wg.Done(); cp = c.UpdateCyclingPower(ctx, 150) }()
		go func() { defer wg.Done(); ibd = c.UpdateIndoorBikeData(ctx, 25.5, 80, 150) }()
		wg.Wait()

		require.Equal(t, 2, hr, "round %d heart rate", round)
		require.Equal(t, 2, cp, "round %d cycling power", round)
		require.Equal(t, 2, ibd, "round %d indoor bike data", round)
	}
	assert.Len(t, srv.NotificationsFor("peer-1", gatt.HeartRateMeasurementUUID), 200)
	assert.Len(t, srv.NotificationsFor("peer-2", gatt.CyclingPowerMeasurementUUID), 200)
}

func TestUpdateCyclingPower(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")

	c.UpdateCyclingPower(context.Background(), 150)

	sent := srv.NotificationsFor("peer-1", gatt.CyclingPowerMeasurementUUID)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0x20, 0x00, 0x96, 0x00}, sent[0].Value)
}

func TestUpdateIndoorBikeData(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")

	c.UpdateIndoorBikeData(context.Background(), 25.5, 80, 150)

	sent := srv.NotificationsFor("peer-1", gatt.IndoorBikeDataUUID)
	require.Len(t, sent, 1)
	f, err := codec.DecodeIndoorBikeData(sent[0].Value)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x44), f.Flags)
	assert.InDelta(t, 25.5, f.SpeedKmh, 0.01)
	assert.Equal(t, uint8(80), f.CadenceRPM)
	assert.Equal(t, int16(150), f.PowerW)
}

func TestUpdateOnlyTouchesItsCharacteristic(t *testing.T) {
	c, _ := startSimController(t)
	p := c.Profile()

	c.UpdateHeartRate(context.Background(), 99)

	assert.Nil(t, p.IndoorBikeData.Value())
	assert.Nil(t, p.CyclingPowerMeasurement.Value())
	assert.Equal(t, []byte{0x00, 99}, p.HeartRateMeasurement.Value())
}

func TestNotifyFailureForOnePeer(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("good")
	srv.Connect("bad")
	srv.SetNotifyError("bad", errors.New("att: insufficient resources"))

	got := c.UpdateHeartRate(context.Background(), 130)

	assert.Equal(t, 1, got)
	assert.Len(t, srv.NotificationsFor("good", gatt.HeartRateMeasurementUUID), 1)
}

func TestDisconnectedPeerNotNotified(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")
	srv.Connect("peer-2")
	srv.Disconnect("peer-2")
	srv.Disconnect("peer-2")

	assert.Equal(t, []ble.PeerID{"peer-1"}, c.Registry().Peers())
	assert.Equal(t, 1, c.UpdateHeartRate(context.Background(), 130))
	assert.Empty(t, srv.NotificationsFor("peer-2", gatt.HeartRateMeasurementUUID))
}

func TestFeatureReadIgnoresOffset(t *testing.T) {
	_, srv := startSimController(t)
	srv.Connect("peer-1")

	for _, offset := range []int{0, 1, 3, 10} {
		value, status, err := srv.ReadAt(context.Background(), "peer-1", gatt.CyclingPowerFeatureUUID, offset)
		require.NoError(t, err)
		assert.Equal(t, ble.StatusSuccess, status, "offset %d", offset)
		assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, value, "offset %d", offset)
	}
}

func TestReadOfNonReadableCharacteristic(t *testing.T) {
	_, srv := startSimController(t)
	srv.Connect("peer-1")

	_, status, err := srv.Read(context.Background(), "peer-1", gatt.HeartRateMeasurementUUID)
	require.NoError(t, err)
	assert.Equal(t, ble.StatusReadNotPermitted, status)
}

func TestForwardedReadOfOtherCharacteristicRejected(t *testing.T) {
	c, _ := newSimController(t, DefaultOptions())
	srv := newMockServer()
	c.mu.Lock()
	c.server = srv
	c.mu.Unlock()

	srv.On("SendResponse", ble.PeerID("peer-1"), 7, ble.StatusRequestNotSupported, 0, mock.Anything).Return(nil)
	srv.On("StopAdvertising").Return(nil)
	srv.On("Close").Return(nil)

	c.OnCharacteristicReadRequest("peer-1", 7, 0, c.Profile().IndoorBikeData)
	require.NoError(t, c.Close())

	srv.AssertExpectations(t)
}

func TestRunUpdatesPublishesUntilCancelled(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.RunUpdates(ctx, sensor.Fixed(sensor.Reference), 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		return len(srv.NotificationsFor("peer-1", gatt.CyclingPowerMeasurementUUID)) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunUpdates() did not return after cancel")
	}

	hr := srv.NotificationsFor("peer-1", gatt.HeartRateMeasurementUUID)
	require.NotEmpty(t, hr)
	assert.Equal(t, []byte{0x00, 0x82}, hr[0].Value)

	ibd := srv.NotificationsFor("peer-1", gatt.IndoorBikeDataUUID)
	require.NotEmpty(t, ibd)
	assert.Equal(t, codec.IndoorBikeData(25.5, 80, 150), ibd[0].Value)

	// Every tick updates all three characteristics.
	n := len(srv.NotificationsFor("peer-1", gatt.CyclingPowerMeasurementUUID))
	assert.Equal(t, n, len(hr))
	assert.Equal(t, n, len(ibd))
}

func TestRunUpdatesCancelledBeforeStart(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.RunUpdates(ctx, sensor.Fixed(sensor.Reference), time.Millisecond))
	assert.Empty(t, srv.Notifications())
}

func TestRunEndToEnd(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, sensor.Fixed(sensor.Reference), 5*time.Millisecond)
	}()

	require.Eventually(t, func() bool {
		srv := stack.Server()
		if srv == nil {
			return false
		}
		_, _, on := srv.Advertising()
		return on
	}, 2*time.Second, time.Millisecond)

	srv := stack.Server()
	srv.Connect("central-1")
	require.Eventually(t, func() bool {
		return len(srv.NotificationsFor("central-1", gatt.IndoorBikeDataUUID)) > 0
	}, 2*time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRunReportsSetupFailure(t *testing.T) {
	c, stack := newSimController(t, DefaultOptions())
	stack.RejectService(gatt.FitnessMachineServiceUUID)

	err := c.Run(context.Background(), sensor.Fixed(sensor.Reference), time.Millisecond)
	assert.ErrorIs(t, err, ErrSetup)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, srv := startSimController(t)
	srv.Connect("peer-1")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, srv.Closed())
	assert.Zero(t, c.Registry().Len())

	// Updates still store the value but reach nobody.
	assert.Equal(t, 0, c.UpdateHeartRate(context.Background(), 100))
	assert.Equal(t, []byte{0x00, 100}, c.Profile().HeartRateMeasurement.Value())
	assert.ErrorIs(t, c.Setup(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.StartAdvertising(context.Background()), ErrClosed)
}

func TestDescribePayload(t *testing.T) {
	tests := []struct {
		char  uuid.UUID
		value []byte
		want  string
	}{
		{gatt.IndoorBikeDataUUID, codec.IndoorBikeData(25.5, 80, 150), "speed=25.50km/h cadence=80rpm power=150W"},
		{gatt.HeartRateMeasurementUUID, []byte{0x00, 0x82}, "heart_rate=130bpm"},
		{gatt.CyclingPowerMeasurementUUID, []byte{0x20, 0x00, 0x96, 0x00}, "power=150W"},
		{gatt.CyclingPowerFeatureUUID, []byte{0x01, 0x00, 0x00, 0x00}, "features=0x00000001"},
		{gatt.UUID16(0x2A00), []byte{0x41, 0x42}, "41 42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DescribePayload(tt.char, tt.value))
	}
	assert.Contains(t, DescribePayload(gatt.HeartRateMeasurementUUID, nil), "short")
}
