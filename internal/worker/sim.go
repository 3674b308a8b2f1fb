package worker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
)

const (
	cruiseSpeed    = 12.0   // m/s
	climbRate      = 3.0    // m/s
	metersPerDeg   = 111320 // latitude degree, close enough for a simulation
	idleDrain      = 0.0001 // battery fraction per second on the ground
	flightDrain    = 0.0008 // battery fraction per second airborne
	minBattery     = 0.05
	defaultTakeoff = 20.0 // m
)

// flightSim is a toy kinematic model that turns commands into telemetry.
type flightSim struct {
	mu sync.Mutex

	droneID          string
	homeLat, homeLon float64
	lat, lon, alt    float64
	targetLat        float64
	targetLon        float64
	targetAlt        float64
	heading, speed   float64
	battery          float64
	mode             string
}

func newFlightSim(droneID string) *flightSim {
	// spread simulated drones around a fixed home so they do not overlap
	var h uint32
	for _, c := range droneID {
		h = h*31 + uint32(c)
	}
	lat := 47.3769 + float64(h%1000)/100000
	lon := 8.5417 + float64((h/1000)%1000)/100000
	return &flightSim{
		droneID:   droneID,
		homeLat:   lat,
		homeLon:   lon,
		lat:       lat,
		lon:       lon,
		targetLat: lat,
		targetLon: lon,
		battery:   1.0,
		mode:      "IDLE",
	}
}

// Apply executes a command. Unknown commands return an error, which the
// worker reports as a FAILED ack.
func (s *flightSim) Apply(command string, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch command {
	case "TAKEOFF":
		s.targetAlt = floatParam(params, "altitude", defaultTakeoff)
		s.mode = "TAKEOFF"
	case "LAND":
		s.targetAlt = 0
		s.targetLat, s.targetLon = s.lat, s.lon
		s.mode = "LAND"
	case "GOTO":
		lat, okLat := params["latitude"].(float64)
		lon, okLon := params["longitude"].(float64)
		if !okLat || !okLon {
			return fmt.Errorf("GOTO requires latitude and longitude")
		}
		if s.alt <= 0 && s.targetAlt <= 0 {
			return fmt.Errorf("GOTO requires the drone to be airborne")
		}
		s.targetLat, s.targetLon = lat, lon
		s.targetAlt = floatParam(params, "altitude", math.Max(s.targetAlt, s.alt))
		s.mode = "GUIDED"
	case "RTL":
		s.targetLat, s.targetLon = s.homeLat, s.homeLon
		s.mode = "RTL"
	case "HOLD":
		s.targetLat, s.targetLon, s.targetAlt = s.lat, s.lon, s.alt
		s.mode = "HOLD"
	default:
		return fmt.Errorf("unsupported command %s", command)
	}
	return nil
}

// Step advances the model by dt and returns the resulting telemetry.
func (s *flightSim) Step(dt time.Duration) *protocol.TelemetryPayload {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec := dt.Seconds()

	// horizontal
	dy := (s.targetLat - s.lat) * metersPerDeg
	dx := (s.targetLon - s.lon) * metersPerDeg * math.Cos(s.lat*math.Pi/180)
	dist := math.Hypot(dx, dy)
	s.speed = 0
	if dist > 0.5 {
		step := math.Min(dist, cruiseSpeed*sec)
		s.lat += dy / dist * step / metersPerDeg
		s.lon += dx / dist * step / (metersPerDeg * math.Cos(s.lat*math.Pi/180))
		s.heading = math.Mod(math.Atan2(dx, dy)*180/math.Pi+360, 360)
		s.speed = step / sec
	}

	// vertical
	if d := s.targetAlt - s.alt; math.Abs(d) > 0.1 {
		s.alt += math.Copysign(math.Min(math.Abs(d), climbRate*sec), d)
	} else {
		s.alt = s.targetAlt
	}
	if s.alt <= 0 && s.mode == "LAND" {
		s.alt = 0
		s.mode = "IDLE"
	}

	drain := idleDrain
	if s.alt > 0 {
		drain = flightDrain
	}
	s.battery = math.Max(minBattery, s.battery-drain*sec)

	status := "ACTIVE"
	if s.battery <= minBattery {
		status = "MAINTENANCE"
	}

	sats, fix := 14, 3
	return &protocol.TelemetryPayload{
		DroneID: s.droneID,
		Position: &protocol.Position{
			Latitude:  ptr(s.lat),
			Longitude: ptr(s.lon),
			Altitude:  ptr(s.alt),
			Heading:   ptr(s.heading),
			Speed:     ptr(s.speed),
		},
		Battery: &protocol.Battery{
			Level:   ptr(s.battery),
			Voltage: ptr(12.6 * (0.8 + 0.2*s.battery)),
		},
		Status:     status,
		FlightMode: s.mode,
		Sensors: &protocol.Sensors{
			GPSFixType:     &fix,
			SatelliteCount: &sats,
		},
	}
}

func floatParam(params map[string]any, key string, def float64) float64 {
	if v, ok := params[key].(float64); ok {
		return v
	}
	return def
}

func ptr(v float64) *float64 { return &v }
