package gatt

import "github.com/google/uuid"

// Assigned numbers for the services and characteristics the peripheral serves.
var (
	HeartRateServiceUUID      = UUID16(0x180D)
	CyclingPowerServiceUUID   = UUID16(0x1818)
	FitnessMachineServiceUUID = UUID16(0x1826)

	HeartRateMeasurementUUID    = UUID16(0x2A37)
	CyclingPowerMeasurementUUID = UUID16(0x2A63)
	CyclingPowerFeatureUUID     = UUID16(0x2A65)
	IndoorBikeDataUUID          = UUID16(0x2AD2)
)

// Profile is the complete attribute tree of the fitness peripheral, with
// direct handles to every characteristic the controller updates.
type Profile struct {
	// Services in registration order.
	Services []*Service

	HeartRate      *Service
	CyclingPower   *Service
	FitnessMachine *Service

	HeartRateMeasurement    *Characteristic
	CyclingPowerMeasurement *Characteristic
	CyclingPowerFeature     *Characteristic
	IndoorBikeData          *Characteristic
}

// NewProfile builds a fresh attribute tree. Services are ordered
// Heart Rate, Cycling Power, Fitness Machine.
func NewProfile() *Profile {
	p := &Profile{}

	p.HeartRate = NewService(HeartRateServiceUUID, "Heart Rate")
	p.HeartRateMeasurement = p.HeartRate.AddCharacteristic(
		HeartRateMeasurementUUID, "Heart Rate Measurement", PropertyNotify, 0)

	p.CyclingPower = NewService(CyclingPowerServiceUUID, "Cycling Power")
	p.CyclingPowerMeasurement = p.CyclingPower.AddCharacteristic(
		CyclingPowerMeasurementUUID, "Cycling Power Measurement", PropertyNotify, 0)
	p.CyclingPowerFeature = p.CyclingPower.AddCharacteristic(
		CyclingPowerFeatureUUID, "Cycling Power Feature", PropertyRead, PermissionRead)

	p.FitnessMachine = NewService(FitnessMachineServiceUUID, "Fitness Machine")
	p.IndoorBikeData = p.FitnessMachine.AddCharacteristic(
		IndoorBikeDataUUID, "Indoor Bike Data", PropertyNotify, 0)

	p.Services = []*Service{p.HeartRate, p.CyclingPower, p.FitnessMachine}
	return p
}

// AdvertisedUUIDs returns the service UUIDs placed in the advertising payload.
func (p *Profile) AdvertisedUUIDs() []uuid.UUID {
	return []uuid.UUID{p.FitnessMachine.UUID, p.HeartRate.UUID, p.CyclingPower.UUID}
}

// Lookup finds a characteristic anywhere in the profile. Backends use it to
// map stack-side attributes back to the tree; the controller uses the direct
// handles instead.
func (p *Profile) Lookup(u uuid.UUID) *Characteristic {
	for _, s := range p.Services {
		if c := s.Characteristic(u); c != nil {
			return c
		}
	}
	return nil
}
