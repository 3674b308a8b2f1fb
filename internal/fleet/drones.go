package fleet

import (
	"fmt"

	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
)

// Drones returns every known drone.
func (c *Coordinator) Drones() ([]*drone.Drone, error) {
	return c.drones.FindAll()
}

// Drone returns one drone or drone.ErrNotFound.
func (c *Coordinator) Drone(id string) (*drone.Drone, error) {
	return c.drones.FindByID(id)
}

// CreateDrone stores a new drone and announces it. The status is always
// OFFLINE until a worker registers for it.
func (c *Coordinator) CreateDrone(d *drone.Drone) error {
	unlock := c.locks.lock(d.ID)
	defer unlock()

	exists, err := c.drones.ExistsByID(d.ID)
	if err != nil {
		return fmt.Errorf("check drone %s: %w", d.ID, err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDroneExists, d.ID)
	}
	d.Status = drone.StatusOffline
	if c.sessions.HasSession(d.ID) {
		d.Status = drone.StatusActive
	}
	d.LastSeen = c.now()
	if err := c.drones.Save(d); err != nil {
		return fmt.Errorf("save drone %s: %w", d.ID, err)
	}
	c.bc.DroneCreated(d)
	c.journal.LogEvent("drone", "info", "operator", d.ID, "created", "drone created", nil)
	return nil
}

// DeleteDrone removes a drone and announces it. A live session for the
// drone is not affected.
func (c *Coordinator) DeleteDrone(id string) error {
	unlock := c.locks.lock(id)
	defer unlock()

	if err := c.drones.DeleteByID(id); err != nil {
		return err
	}
	c.bc.DroneDeleted(id)
	c.journal.LogEvent("drone", "info", "operator", id, "deleted", "drone deleted", nil)
	return nil
}

// DroneChanges holds the operator-editable fields of a drone. Nil fields are
// left as they are.
type DroneChanges struct {
	Name         *string
	Model        *string
	SerialNumber *string
}

// UpdateDrone applies operator edits to a drone and announces the result.
// Status, position and battery belong to the worker and are never touched.
func (c *Coordinator) UpdateDrone(id string, ch DroneChanges) (*drone.Drone, error) {
	unlock := c.locks.lock(id)
	defer unlock()

	d, err := c.drones.FindByID(id)
	if err != nil {
		return nil, err
	}
	if ch.Name != nil {
		d.Name = *ch.Name
	}
	if ch.Model != nil {
		d.Model = *ch.Model
	}
	if ch.SerialNumber != nil {
		d.SerialNumber = *ch.SerialNumber
	}
	if err := c.drones.Save(d); err != nil {
		return nil, fmt.Errorf("save drone %s: %w", id, err)
	}
	c.bc.DroneUpdated(d)
	c.journal.LogEvent("drone", "info", "operator", id, "updated", "drone updated", nil)
	return d, nil
}
