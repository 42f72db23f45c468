package idle

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_ReadIdleFires(t *testing.T) {
	var fired atomic.Bool
	m := New(50*time.Millisecond, 0, func() { fired.Store(true) }, nil)
	m.Start()
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	if !fired.Load() {
		t.Fatal("expected read-idle callback to fire")
	}
}

func TestMonitor_TouchResetsIdle(t *testing.T) {
	var count atomic.Int32
	m := New(40*time.Millisecond, 0, func() { count.Add(1) }, nil)
	m.Start()
	defer m.Stop()

	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		m.TouchRead()
		time.Sleep(10 * time.Millisecond)
	}
	if count.Load() != 0 {
		t.Fatalf("read-idle fired %d times despite touches", count.Load())
	}
}

func TestMonitor_WriteIdleFiresIndependently(t *testing.T) {
	var readFired, writeFired atomic.Bool
	m := New(time.Hour, 50*time.Millisecond,
		func() { readFired.Store(true) },
		func() { writeFired.Store(true) },
	)
	m.Start()
	defer m.Stop()

	time.Sleep(150 * time.Millisecond)
	if readFired.Load() {
		t.Fatal("read-idle should not have fired")
	}
	if !writeFired.Load() {
		t.Fatal("expected write-idle callback to fire")
	}
}

func TestMonitor_NilCallbacksDoNotPanic(t *testing.T) {
	m := New(20*time.Millisecond, 20*time.Millisecond, nil, nil)
	m.Start()
	time.Sleep(60 * time.Millisecond)
	m.Stop()
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := New(time.Second, time.Second, nil, nil)
	m.Start()
	m.Stop()
	m.Stop()
}
