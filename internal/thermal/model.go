package thermal

import "math"

// Inputs are the model's view of the loop at one instant. Pointer fields are
// optional: nil means the channel is offline or has no data, which is
// different from a zero reading. SupplyPast is the loop supply temperature
// sampled TransitMinutes ago so it describes the same slug of water as
// ReturnNow.
type Inputs struct {
	Tank    *float64
	Floor   *float64
	Room    *float64
	Outside *float64

	HeaterOn bool
	PumpOn   bool
	// HeaterPower is the resolved rated draw in watts; zero falls back to
	// Params.HeaterPower.
	HeaterPower float64

	// TankRatePerHour is the tank channel's current rate-of-change estimate
	// in degrees per hour, nil when the estimator has no value yet.
	TankRatePerHour *float64

	SupplyPast *float64
	ReturnNow  *float64
}

// Snapshot is one computed energy-flow result. Every value field is a
// pointer: nil marks "could not be computed from the available inputs" so a
// consumer can tell known zeros from unknowns. Flows are in watts, deltas
// and predictions in degrees.
type Snapshot struct {
	Valid bool `json:"valid"`

	HeaterInput         *float64 `json:"heaterInput"`
	TankLoss            *float64 `json:"tankLoss"`
	TankAccumulation    *float64 `json:"tankAccumulation"`
	FloorOutput         *float64 `json:"floorOutput"`
	BuildingLoss        *float64 `json:"buildingLoss"`
	WaterToFloor        *float64 `json:"waterToFloor"`
	WaterSideExtraction *float64 `json:"waterSideExtraction"`

	MaxCapacityDelta *float64 `json:"maxCapacityDelta"`
	KeepingUp        *bool    `json:"keepingUp"`
	Equilibrium      *float64 `json:"equilibrium"`

	FloorToRoomDelta   *float64 `json:"floorToRoomDelta"`
	RoomToOutsideDelta *float64 `json:"roomToOutsideDelta"`
	TankToRoomDelta    *float64 `json:"tankToRoomDelta"`
}

// Compute evaluates the model once. It is pure and stateless: the time-shifted
// supply value comes in through Inputs, not from model memory. Tank and room
// temperatures are mandatory; without them the result is Valid=false with
// every field absent. All other outputs degrade individually when their own
// inputs are missing.
func Compute(in Inputs, p Params) Snapshot {
	tank, tankOK := val(in.Tank)
	room, roomOK := val(in.Room)
	if !tankOK || !roomOK {
		return Snapshot{Valid: false}
	}

	power := in.HeaterPower
	if power <= 0 {
		power = p.HeaterPower
	}

	s := Snapshot{Valid: true}

	heaterInput := 0.0
	if in.HeaterOn {
		heaterInput = power
	}
	s.HeaterInput = fptr(heaterInput)

	tankToRoom := tank - room
	s.TankToRoomDelta = fptr(tankToRoom)
	tankLoss := p.TankLossCoeff * tankToRoom
	s.TankLoss = fptr(tankLoss)

	var accumulation *float64
	if rate, ok := val(in.TankRatePerHour); ok {
		// degrees per hour to degrees per second
		accumulation = fptr(p.TankThermalMass * rate / 3600.0)
	}
	s.TankAccumulation = accumulation

	if floor, ok := val(in.Floor); ok {
		s.FloorToRoomDelta = fptr(floor - room)
		s.FloorOutput = fptr(math.Max(0, p.FloorTransferCoeff*(floor-room)))
	}

	outside, outsideOK := val(in.Outside)
	if outsideOK {
		s.RoomToOutsideDelta = fptr(room - outside)
		s.BuildingLoss = fptr(p.EnvelopeCoeff * (room - outside))
	}

	// No circulation, no transfer: pump off pins water-to-floor at zero no
	// matter what the tank-side terms say.
	if !in.PumpOn {
		s.WaterToFloor = fptr(0)
	} else if accumulation != nil {
		s.WaterToFloor = fptr(math.Max(0, heaterInput-*accumulation-tankLoss))
	}

	if in.PumpOn {
		supply, supplyOK := val(in.SupplyPast)
		ret, retOK := val(in.ReturnNow)
		if supplyOK && retOK {
			s.WaterSideExtraction = fptr(p.LoopFlow * p.LoopSpecificHeat * (supply - ret))
		}
	}

	if p.EnvelopeCoeff > 0 {
		s.MaxCapacityDelta = fptr(power / p.EnvelopeCoeff)
		if outsideOK {
			s.Equilibrium = fptr(outside + power/p.EnvelopeCoeff)
		}
	}
	if s.BuildingLoss != nil {
		s.KeepingUp = bptr(*s.BuildingLoss <= power)
	}

	return s
}

// val unwraps an optional input, rejecting non-finite values the same way a
// missing channel is rejected.
func val(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}

func fptr(v float64) *float64 { return &v }

func bptr(v bool) *bool { return &v }
