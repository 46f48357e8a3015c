package node

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/hardware"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/master"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/types"
)

// fakeMaster is an httptest-backed Master that records registration and
// heartbeat traffic and can be told to fail heartbeats or hand out sessions.
type fakeMaster struct {
	mu             sync.Mutex
	registers      int
	heartbeats     int
	failHeartbeats bool
	nextSession    *master.SessionAssignment

	server *httptest.Server
}

func newFakeMaster() *fakeMaster {
	fm := &fakeMaster{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/lab-node/register", func(w http.ResponseWriter, r *http.Request) {
		fm.mu.Lock()
		fm.registers++
		fm.mu.Unlock()
		json.NewEncoder(w).Encode(master.RegisterResponse{NodeRecordID: "rec-1"})
	})
	mux.HandleFunc("/api/lab-node/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		fm.mu.Lock()
		fm.heartbeats++
		fail := fm.failHeartbeats
		next := fm.nextSession
		fm.nextSession = nil
		fm.mu.Unlock()

		if fail {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(master.HeartbeatResponse{Ack: true, NewSession: next})
	})
	mux.HandleFunc("/api/lab-node/session-end", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	fm.server = httptest.NewServer(mux)
	return fm
}

func (fm *fakeMaster) counts() (registers, heartbeats int) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.registers, fm.heartbeats
}

func (fm *fakeMaster) setFailing(fail bool) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.failHeartbeats = fail
}

func (fm *fakeMaster) offerSession(assignment *master.SessionAssignment) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.nextSession = assignment
}

func newTestManager(t *testing.T, fm *fakeMaster) (*HeartbeatManager, *state.State, *session.Controller) {
	t.Helper()

	log, err := logger.NewLogger(&config.LogConfig{Level: "error"}, "test")
	require.NoError(t, err)

	st := state.New(state.Identity{ID: "lab-pi-01", Name: "Lab Pi 01", ExperimentID: 1})

	client, err := master.NewClient(&master.ClientConfig{
		BaseURL: fm.server.URL,
		NodeID:  "lab-pi-01",
		Timeout: 2 * time.Second,
	})
	require.NoError(t, err)

	ctrl, err := session.NewController(&session.ControllerConfig{
		State:  st,
		Gate:   hardware.NewSimulatedGate(),
		Logger: log,
	})
	require.NoError(t, err)

	hm, err := NewHeartbeatManager(&HeartbeatConfig{
		State:        st,
		Client:       client,
		Controller:   ctrl,
		FailureLimit: 5,
		Logger:       log,
	})
	require.NoError(t, err)

	return hm, st, ctrl
}

func TestTickRegistersFirst(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)

	hm.Tick()

	assert.True(t, st.Registered())
	assert.Equal(t, "rec-1", st.Snapshot().RecordID)
	registers, heartbeats := fm.counts()
	assert.Equal(t, 1, registers)
	assert.Zero(t, heartbeats)
}

func TestTickHeartbeatsWhenRegistered(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)

	hm.Tick() // register
	hm.Tick() // heartbeat

	_, heartbeats := fm.counts()
	assert.Equal(t, 1, heartbeats)
	assert.Zero(t, st.HeartbeatFailures())
	require.NotNil(t, st.Snapshot().LastHeartbeatSent)
}

func TestHeartbeatFailuresTriggerReRegistration(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)

	hm.Tick()
	require.True(t, st.Registered())

	fm.setFailing(true)
	for i := 0; i < 4; i++ {
		hm.Tick()
	}
	// Four failures: still registered, counter climbing.
	assert.True(t, st.Registered())
	assert.Equal(t, 4, st.HeartbeatFailures())
	registers, _ := fm.counts()
	assert.Equal(t, 1, registers)

	// Fifth failure drops the registration and re-registers immediately.
	hm.Tick()
	registers, _ = fm.counts()
	assert.Equal(t, 2, registers)
	assert.True(t, st.Registered())
}

func TestFailureCounterResetsOnSuccess(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)
	hm.Tick()

	fm.setFailing(true)
	hm.Tick()
	hm.Tick()
	assert.Equal(t, 2, st.HeartbeatFailures())

	fm.setFailing(false)
	hm.Tick()
	assert.Zero(t, st.HeartbeatFailures())

	// Failures after a success start over; no carryover toward the limit.
	fm.setFailing(true)
	hm.Tick()
	assert.Equal(t, 1, st.HeartbeatFailures())
}

func TestHeartbeatStartsAssignedSession(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)
	hm.Tick()

	end := time.Now().UTC().Add(30 * time.Minute)
	fm.offerSession(&master.SessionAssignment{
		SessionKey: "sess-42",
		UserEmail:  "alice@example.com",
		EndTime:    &end,
	})

	hm.Tick()

	current, active := st.ActiveSession()
	require.True(t, active)
	assert.Equal(t, "sess-42", current.Key)
	assert.Equal(t, "alice@example.com", current.UserEmail)
	assert.True(t, st.Snapshot().RelayEnergized)
}

func TestBuildReport(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, ctrl := newTestManager(t, fm)

	report := hm.BuildReport()
	assert.Equal(t, "lab-pi-01", report.ID)
	assert.Equal(t, types.StatusOnline, report.Status)
	assert.False(t, report.SessionActive)
	assert.Regexp(t, `^\d{2}:\d{2}:\d{2}$`, report.Uptime)

	require.NoError(t, ctrl.Start("sess-1", "", nil))
	report = hm.BuildReport()
	assert.True(t, report.SessionActive)
	assert.Equal(t, "sess-1", report.SessionKey)
	assert.True(t, report.RelayState)
	assert.True(t, report.HardwareReady)
	assert.Equal(t, types.StatusOnline, report.Status)

	// Degraded when the session is active but hardware unconfirmed.
	st.SetHardwareReady(false)
	report = hm.BuildReport()
	assert.Equal(t, types.StatusDegraded, report.Status)
}

func TestStartStop(t *testing.T) {
	fm := newFakeMaster()
	defer fm.server.Close()

	hm, st, _ := newTestManager(t, fm)

	require.NoError(t, hm.Start())
	assert.Error(t, hm.Start())
	assert.True(t, hm.IsRunning())

	// The first tick runs immediately.
	assert.Eventually(t, func() bool { return st.Registered() }, 2*time.Second, 10*time.Millisecond)

	hm.Stop()
	assert.False(t, hm.IsRunning())
}
