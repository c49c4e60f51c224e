package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sme-gmbh/openffucontrol-particleserver/internal/logentry"
)

// startTestServer runs a Server on an ephemeral port and returns a dialer
// for it plus a cancel func that shuts the server down.
func startTestServer(t *testing.T, reg Registry) (dial func() net.Conn, cancel context.CancelFunc) {
	t.Helper()

	s := New("127.0.0.1:0", reg, nil, logentry.New(nil), nil)

	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	// Run assigns s.listener, and therefore a resolved Addr(), before it
	// ever blocks in Accept; poll for it rather than racing a second bind.
	deadline := time.Now().Add(2 * time.Second)
	var addr string
	for {
		if addr = s.Addr(); addr != "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server never opened its listener")
		}
		time.Sleep(5 * time.Millisecond)
	}

	return func() net.Conn {
		conn, dialErr := net.Dial("tcp", addr)
		if dialErr != nil {
			t.Fatalf("dialing %s: %v", addr, dialErr)
		}
		return conn
	}, cancelFn
}

func TestConnectionReceivesHelloBanner(t *testing.T) {
	dial, cancel := startTestServer(t, &fakeRegistry{})
	defer cancel()

	conn := dial()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading banner: %v", err)
	}
	if strings.TrimSpace(line) != "Hello" {
		t.Errorf("banner = %q, want Hello", line)
	}
}

func TestConnectionRoundTripsACommand(t *testing.T) {
	reg := &fakeRegistry{snapshots: nil}
	dial, cancel := startTestServer(t, reg)
	defer cancel()

	conn := dial()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading banner: %v", err)
	}

	if _, err := conn.Write([]byte("hostname\r\n")); err != nil {
		t.Fatalf("writing command: %v", err)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(line), "Hostname=") {
		t.Errorf("response = %q", line)
	}
}

func TestUnknownCommandOverTheWire(t *testing.T) {
	dial, cancel := startTestServer(t, &fakeRegistry{})
	defer cancel()

	conn := dial()
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("reading banner: %v", err)
	}

	if _, err := conn.Write([]byte("bogus\n")); err != nil {
		t.Fatalf("writing command: %v", err)
	}

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if strings.TrimSpace(line) != "ERROR: Command not supported: bogus" {
		t.Errorf("response = %q", line)
	}
}
