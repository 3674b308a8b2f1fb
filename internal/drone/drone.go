// Package drone defines the drone record and the store contract the fleet
// core reads and writes it through.
package drone

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a drone id is unknown to the store.
var ErrNotFound = errors.New("drone not found")

// Status is the operational state of a drone.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusInactive    Status = "INACTIVE"
	StatusMaintenance Status = "MAINTENANCE"
	StatusOffline     Status = "OFFLINE"
)

// ParseStatus converts a wire string to a Status.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusActive, StatusInactive, StatusMaintenance, StatusOffline:
		return st, true
	}
	return "", false
}

// Drone is a fleet member. Position and battery are nil until first reported.
type Drone struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model,omitempty"`
	SerialNumber string    `json:"serialNumber,omitempty"`
	Status       Status    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Altitude     *float64  `json:"altitude,omitempty"`
	BatteryLevel *float64  `json:"batteryLevel,omitempty"`
}

// New returns a drone in the OFFLINE state.
func New(id, name, model, serial string) *Drone {
	return &Drone{
		ID:           id,
		Name:         name,
		Model:        model,
		SerialNumber: serial,
		Status:       StatusOffline,
		LastSeen:     time.Now().UTC(),
	}
}

// Clone returns a deep copy.
func (d *Drone) Clone() *Drone {
	c := *d
	c.Latitude = cloneFloat(d.Latitude)
	c.Longitude = cloneFloat(d.Longitude)
	c.Altitude = cloneFloat(d.Altitude)
	c.BatteryLevel = cloneFloat(d.BatteryLevel)
	return &c
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Store is the persistence contract for drones.
type Store interface {
	Save(d *Drone) error
	FindByID(id string) (*Drone, error)
	FindAll() ([]*Drone, error)
	ExistsByID(id string) (bool, error)
	DeleteByID(id string) error
}

// StatusResetter is implemented by stores that can bulk-move drones from one
// status to another. Used for startup reconciliation.
type StatusResetter interface {
	ResetStatus(from, to Status) (int64, error)
}
