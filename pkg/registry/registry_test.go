package registry

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pg9182/pb-mapper/pkg/connid"
	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) *Manager {
	m := NewManager(zerolog.Nop())
	go m.Run()
	t.Cleanup(func() {})
	return m
}

func TestRegisterAndDeregister(t *testing.T) {
	m := newTestManager(t)
	ctl := make(chan ControlEvent, 1)

	if err := m.Register("k", false, 1, ctl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := m.Status(StatusKeys); len(got.Keys) != 1 || got.Keys[0] != "k" {
		t.Fatalf("expected key present, got %+v", got)
	}

	m.DeregisterServer("k")
	waitForKeyCount(t, m, 0)
}

func TestDuplicateRegistrationExactlyOneSucceeds(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctl := make(chan ControlEvent, 1)
			results[i] = m.Register("dup", false, connid.ID(i+1), ctl)
		}()
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else if err != ErrAlreadyRegistered {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful registration, got %d", successes)
	}
}

func TestSubscribeUnknownKeyFails(t *testing.T) {
	m := newTestManager(t)

	ch := m.Subscribe("nope", 1)
	select {
	case res := <-ch:
		if res.Kind != SubscribeFailed {
			t.Fatalf("expected SubscribeFailed, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribe result")
	}
}

func TestSubscribeStreamReadyRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctl := make(chan ControlEvent, 1)

	if err := m.Register("svc", true, 1, ctl); err != nil {
		t.Fatalf("register: %v", err)
	}

	ch := m.Subscribe("svc", 42)
	select {
	case res := <-ch:
		if res.Kind != SubscribeOK || !res.NeedCodec {
			t.Fatalf("unexpected subscribe result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SubscribeOK")
	}

	select {
	case ev := <-ctl:
		if ev.ClientID != 42 {
			t.Fatalf("unexpected control event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for control event")
	}

	a, b := net.Pipe()
	defer b.Close()
	m.StreamReady(1, a)

	select {
	case res := <-ch:
		if res.Kind != StreamReady || res.ServerID != 1 || res.Stream != a {
			t.Fatalf("unexpected stream ready result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for StreamReady")
	}
}

func TestDeregisterServerFailsSubscribers(t *testing.T) {
	m := newTestManager(t)
	ctl := make(chan ControlEvent, 1)

	if err := m.Register("svc", false, 1, ctl); err != nil {
		t.Fatalf("register: %v", err)
	}
	ch := m.Subscribe("svc", 7)
	<-ch // SubscribeOK
	<-ctl

	m.DeregisterServer("svc")

	select {
	case res := <-ch:
		if res.Kind != SubscribeFailed {
			t.Fatalf("expected SubscribeFailed after deregistration, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SubscribeFailed")
	}
}

func TestDeregisterClientIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	if ok := m.DeregisterClient("nonexistent", 99); !ok {
		t.Fatal("expected DeregisterClient send to succeed")
	}
	if ok := m.DeregisterClient("nonexistent", 99); !ok {
		t.Fatal("expected second DeregisterClient send to succeed")
	}
}

func waitForKeyCount(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := m.Status(StatusKeys); len(got.Keys) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d registered keys", n)
}
