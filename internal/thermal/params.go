// Package thermal is the lumped-parameter energy-flow model for the heating
// loop: a pure function from the loop's current temperatures and device
// states to a consistent set of energy flows (watts), temperature deltas and
// capacity predictions. It explains where heat is going rather than just what
// the sensors read.
package thermal

// Params are the physical and empirical constants of the model. All of them
// are tunables, not hard truths; the defaults describe a small insulated shed
// with an electric tank and one hydronic floor loop. Temperatures are handled
// in the channel unit (degrees F), so every coefficient is per degree F.
type Params struct {
	// TankThermalMass is the energy needed to move the tank one degree, in
	// joules per degree.
	TankThermalMass float64 `mapstructure:"tank_thermal_mass"`
	// TankLossCoeff converts the tank-to-room temperature difference into
	// standby loss, in watts per degree.
	TankLossCoeff float64 `mapstructure:"tank_loss_coeff"`
	// FloorTransferCoeff converts the floor-to-room difference into floor
	// output, in watts per degree.
	FloorTransferCoeff float64 `mapstructure:"floor_transfer_coeff"`
	// EnvelopeCoeff converts the room-to-outside difference into building
	// loss, in watts per degree.
	EnvelopeCoeff float64 `mapstructure:"envelope_coeff"`
	// LoopFlow is the circulator's mass flow, kg per second.
	LoopFlow float64 `mapstructure:"loop_flow"`
	// LoopSpecificHeat is the working fluid's heat capacity, joules per kg
	// per degree.
	LoopSpecificHeat float64 `mapstructure:"loop_specific_heat"`
	// HeaterPower is the element's rated draw in watts, used when the device
	// tracker has no better figure.
	HeaterPower float64 `mapstructure:"heater_power"`
	// TransitMinutes is how long water takes from the supply sensor to the
	// return sensor, used to pair the shifted supply sample with the current
	// return reading.
	TransitMinutes int `mapstructure:"transit_minutes"`
}

// DefaultParams returns the shed-calibrated constants.
func DefaultParams() Params {
	return Params{
		TankThermalMass:    350000, // ~40 gal of water, J/F
		TankLossCoeff:      1.5,
		FloorTransferCoeff: 30.0,
		EnvelopeCoeff:      40.0,
		LoopFlow:           0.13, // ~2 gal/min
		LoopSpecificHeat:   2326, // water, J/(kg*F)
		HeaterPower:        1400,
		TransitMinutes:     3,
	}
}
