package fleet

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DevSkoll/drone-fleet-manager/internal/broadcast"
	"github.com/DevSkoll/drone-fleet-manager/internal/drone"
	"github.com/DevSkoll/drone-fleet-manager/internal/protocol"
	"github.com/DevSkoll/drone-fleet-manager/internal/session"
	"github.com/DevSkoll/drone-fleet-manager/internal/session/sessiontest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// ═══════════════════════════════════════════════════════════════════════════
// FAKES
// ═══════════════════════════════════════════════════════════════════════════

type alert struct {
	DroneID, Type, Message string
}

// recorder captures broadcasts.
type recorder struct {
	mu        sync.Mutex
	created   []*drone.Drone
	updated   []*drone.Drone
	deleted   []string
	alerts    []alert
	telemetry int
	stats     []broadcast.SystemStats
}

func (r *recorder) DroneCreated(d *drone.Drone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, d.Clone())
}

func (r *recorder) DroneUpdated(d *drone.Drone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, d.Clone())
}

func (r *recorder) DroneDeleted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, id)
}

func (r *recorder) Alert(droneID, alertType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert{droneID, alertType, message})
}

func (r *recorder) Telemetry(string, *protocol.TelemetryPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry++
}

func (r *recorder) SystemStats(s broadcast.SystemStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, s)
}

func (r *recorder) Updates() []*drone.Drone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*drone.Drone(nil), r.updated...)
}

func (r *recorder) Alerts() []alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alert(nil), r.alerts...)
}

func (r *recorder) AlertsOfType(t string) []alert {
	var out []alert
	for _, a := range r.Alerts() {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

var errStoreDown = errors.New("store unavailable")

// flakyStore fails Save while failSave is set. A gate installed with
// HoldNextFind blocks the next FindByID until it is released.
type flakyStore struct {
	*drone.MemoryStore
	mu       sync.Mutex
	failSave bool
	gate     *findGate
}

type findGate struct {
	entered chan struct{}
	release chan struct{}
}

// HoldNextFind makes the next FindByID signal entered and then wait for
// release. Later calls are not held.
func (s *flakyStore) HoldNextFind() (entered <-chan struct{}, release func()) {
	g := &findGate{entered: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.gate = g
	s.mu.Unlock()
	return g.entered, func() { close(g.release) }
}

func (s *flakyStore) FindByID(id string) (*drone.Drone, error) {
	s.mu.Lock()
	g := s.gate
	s.gate = nil
	s.mu.Unlock()
	if g != nil {
		close(g.entered)
		<-g.release
	}
	return s.MemoryStore.FindByID(id)
}

func (s *flakyStore) SetFailSave(v bool) {
	s.mu.Lock()
	s.failSave = v
	s.mu.Unlock()
}

func (s *flakyStore) Save(d *drone.Drone) error {
	s.mu.Lock()
	fail := s.failSave
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.MemoryStore.Save(d)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// FIXTURE
// ═══════════════════════════════════════════════════════════════════════════

type fixture struct {
	c       *Coordinator
	monitor *Monitor
	store   *flakyStore
	bc      *recorder
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, DefaultSettings())
}

func newFixtureWith(t *testing.T, settings Settings) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	reg := session.NewRegistry(zerolog.Nop())
	reg.SetClock(clock.Now)

	store := &flakyStore{MemoryStore: drone.NewMemoryStore()}
	bc := &recorder{}
	c := New(zerolog.Nop(), settings, reg, store, bc)
	return &fixture{
		c:       c,
		monitor: NewMonitor(zerolog.Nop(), c),
		store:   store,
		bc:      bc,
		clock:   clock,
	}
}

func frame(t *testing.T, msgType protocol.MessageType, payload any) []byte {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	require.NoError(t, err)
	return data
}

// register sends a REGISTER over a fresh conn and requires acceptance.
func (f *fixture) register(t *testing.T, workerID, droneID string) (*sessiontest.Conn, *session.Session) {
	t.Helper()
	conn := sessiontest.NewConn()
	err := f.c.HandleMessage(conn, frame(t, protocol.TypeRegister, protocol.RegisterPayload{
		WorkerID: workerID, DroneID: droneID, SerialNumber: "sn-" + droneID,
	}))
	require.NoError(t, err)
	ack := lastAck(t, conn)
	require.Equal(t, protocol.RegistrationAccepted, ack.Status)

	sess, ok := f.c.Sessions().LookupBySessionID(ack.SessionID)
	require.True(t, ok)
	return conn, sess
}

func lastAck(t *testing.T, conn *sessiontest.Conn) protocol.RegisterAckPayload {
	t.Helper()
	env, err := protocol.Decode(conn.Last())
	require.NoError(t, err)
	require.Equal(t, protocol.TypeRegisterAck, env.Type)
	var ack protocol.RegisterAckPayload
	require.NoError(t, env.ParsePayload(&ack))
	return ack
}

func lastError(t *testing.T, conn *sessiontest.Conn) string {
	t.Helper()
	var ef protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(conn.Last(), &ef))
	return ef.Error
}

func f64(v float64) *float64 { return &v }

func str(v string) *string { return &v }

// waitFor fails the test if ch is not closed within a second.
func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
