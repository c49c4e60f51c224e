package control

import (
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/instrument"
	"github.com/sme-gmbh/openffucontrol-particleserver/internal/logentry"
)

type fakeRegistry struct {
	snapshots []instrument.Snapshot

	addID, addBus, addUnit int
	addRoom                string
	addResult              string
	addErr                 error

	deleteID, deleteBus int
	deleteResult        int

	setCalls []struct {
		id         int
		key, value string
	}
	setErr error

	getMultiID   int
	getMultiKeys []string
	getMultiOut  map[string]string
	getMultiErr  error
}

func (f *fakeRegistry) List() []instrument.Snapshot { return f.snapshots }

func (f *fakeRegistry) Add(id, busIndex, unitAddress int, room string, eventLog instrument.EventLog) (string, error) {
	f.addID, f.addBus, f.addUnit, f.addRoom = id, busIndex, unitAddress, room
	return f.addResult, f.addErr
}

func (f *fakeRegistry) Delete(id, busIndex int, eventLog interface{ ClearInstrument(int) }) int {
	f.deleteID, f.deleteBus = id, busIndex
	return f.deleteResult
}

func (f *fakeRegistry) Get(id int, key string) (string, error) {
	return "", nil
}

func (f *fakeRegistry) GetMulti(id int, keys []string) (map[string]string, error) {
	f.getMultiID = id
	f.getMultiKeys = keys
	return f.getMultiOut, f.getMultiErr
}

func (f *fakeRegistry) Set(id int, key, value string) error {
	f.setCalls = append(f.setCalls, struct {
		id         int
		key, value string
	}{id, key, value})
	return f.setErr
}

type fakeBusQueue struct{ standard, high int }

func (q *fakeBusQueue) QueueDepth(highPrio bool) int {
	if highPrio {
		return q.high
	}
	return q.standard
}

func newTestServer(reg *fakeRegistry, buses map[int]BusQueue) *Server {
	return New(DefaultAddr, reg, buses, logentry.New(nil), nil)
}

func newTestConnection(t *testing.T) *connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return newConnection(server)
}

func TestDispatchUnknownCommandReturnsError(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("frobnicate", c)
	if got != "ERROR: Command not supported: frobnicate" {
		t.Errorf("got %q", got)
	}
}

func TestDispatchIgnoresBlankLine(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	if got := s.dispatch("   ", c); got != "" {
		t.Errorf("expected empty response for blank line, got %q", got)
	}
}

func TestHelpListsEveryCommand(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("help", c)
	for _, cmd := range commands {
		if !strings.Contains(got, cmd.name) {
			t.Errorf("help output missing command %q", cmd.name)
		}
	}
}

func TestHostnameReportsRealHostname(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("hostname", c)
	if !strings.HasPrefix(got, "Hostname=") {
		t.Errorf("got %q, want Hostname=... prefix", got)
	}
}

func TestStartLiveStopLiveTogglesConnectionState(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	if got := s.dispatch("startlive", c); got != "Liveshow=on" {
		t.Errorf("startlive = %q", got)
	}
	if !c.isLive() {
		t.Error("expected connection to be marked live")
	}

	if got := s.dispatch("stoplive", c); got != "Liveshow=off" {
		t.Errorf("stoplive = %q", got)
	}
	if c.isLive() {
		t.Error("expected connection to no longer be marked live")
	}
}

func TestListFormatsEachInstrument(t *testing.T) {
	reg := &fakeRegistry{snapshots: []instrument.Snapshot{
		{ID: 7, BusIndex: 0},
		{ID: 9, BusIndex: 1},
	}}
	s := newTestServer(reg, nil)
	c := newTestConnection(t)

	got := s.dispatch("list-particlecounters", c)
	want := "Particle Counter id=7 busID=0\nParticle Counter id=9 busID=1"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuffersReportsPerBusQueueDepthsSortedByIndex(t *testing.T) {
	buses := map[int]BusQueue{
		1: &fakeBusQueue{standard: 5, high: 0},
		0: &fakeBusQueue{standard: 20, high: 2},
	}
	s := newTestServer(&fakeRegistry{}, buses)
	c := newTestConnection(t)

	got := s.dispatch("buffers", c)
	want := "Bus=0 TelegramQueueLevel_standardPriority=20 TelegramQueueLevel_highPriority=2\n" +
		"Bus=1 TelegramQueueLevel_standardPriority=5 TelegramQueueLevel_highPriority=0"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestAddRequiresAllFlags(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("add-particlecounter --bus=0 --unit=3", c)
	if !strings.HasPrefix(got, "ERROR:") {
		t.Errorf("expected an error without --id, got %q", got)
	}
}

func TestAddDelegatesToRegistryInAnyFlagOrder(t *testing.T) {
	reg := &fakeRegistry{addResult: "Particle Counter id=7 added"}
	s := newTestServer(reg, nil)
	c := newTestConnection(t)

	got := s.dispatch("add-particlecounter --id=7 --room=cleanroom-1 --bus=0 --unit=3", c)
	if got != reg.addResult {
		t.Errorf("got %q", got)
	}
	if reg.addID != 7 || reg.addBus != 0 || reg.addUnit != 3 || reg.addRoom != "cleanroom-1" {
		t.Errorf("registry.Add called with wrong arguments: %+v", reg)
	}
}

func TestDeleteRequiresIDOrBus(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("delete-particlecounter", c)
	if !strings.HasPrefix(got, "ERROR:") {
		t.Errorf("expected an error with neither --id nor --bus, got %q", got)
	}
}

func TestDeleteReportsCount(t *testing.T) {
	reg := &fakeRegistry{deleteResult: 2}
	s := newTestServer(reg, nil)
	c := newTestConnection(t)

	got := s.dispatch("delete-particlecounter --bus=0", c)
	if got != "Deleted 2 instrument(s)" {
		t.Errorf("got %q", got)
	}
	if reg.deleteBus != 0 || reg.deleteID != -1 {
		t.Errorf("registry.Delete called with wrong arguments: id=%d bus=%d", reg.deleteID, reg.deleteBus)
	}
}

func TestSetAppliesEveryKeyValue(t *testing.T) {
	reg := &fakeRegistry{}
	s := newTestServer(reg, nil)
	c := newTestConnection(t)

	got := s.dispatch("set --id=7 --room=cleanroom-2 --samplingEnabled=true", c)
	if got != "OK" {
		t.Errorf("got %q", got)
	}
	if len(reg.setCalls) != 2 {
		t.Fatalf("expected 2 Set calls, got %d", len(reg.setCalls))
	}
	for _, call := range reg.setCalls {
		if call.id != 7 {
			t.Errorf("Set called with id=%d, want 7", call.id)
		}
	}
}

func TestSetRequiresID(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)
	c := newTestConnection(t)

	got := s.dispatch("set --room=cleanroom-2", c)
	if !strings.HasPrefix(got, "ERROR:") {
		t.Errorf("expected an error without --id, got %q", got)
	}
}

func TestGetExpandsActualAndSortsOutputKeys(t *testing.T) {
	reg := &fakeRegistry{getMultiOut: map[string]string{
		"online":     "true",
		"actualData": "1",
	}}
	s := newTestServer(reg, nil)
	c := newTestConnection(t)

	got := s.dispatch("get --id=7 --actual", c)
	lines := strings.Split(got, "\n")
	sorted := append([]string(nil), lines...)
	sort.Strings(sorted)
	if strings.Join(lines, "\n") != strings.Join(sorted, "\n") {
		t.Errorf("expected output sorted by key, got %q", got)
	}
	if reg.getMultiID != 7 || reg.getMultiKeys[0] != "actual" {
		t.Errorf("GetMulti called with id=%d keys=%v", reg.getMultiID, reg.getMultiKeys)
	}
}

func TestPublishActualOnlyReachesLiveSubscribers(t *testing.T) {
	s := newTestServer(&fakeRegistry{}, nil)

	live := newTestConnection(t)
	idle := newTestConnection(t)
	live.setLive(true)

	s.addConn(live)
	s.addConn(idle)

	s.PublishActual(7, "cleanroom-1", instrument.ActualData{})

	select {
	case line := <-live.out:
		if !strings.HasPrefix(line, "ActualData id=7 room=cleanroom-1") {
			t.Errorf("unexpected live line: %q", line)
		}
	default:
		t.Error("expected the live subscriber to receive the published reading")
	}

	select {
	case line := <-idle.out:
		t.Errorf("idle connection should not receive live data, got %q", line)
	default:
	}
}
