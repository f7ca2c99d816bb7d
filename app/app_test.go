package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tsukikage7/auction-saga/logger"
)

type fakeServer struct {
	name     string
	startErr error
	onStop   func(name string)

	mu      sync.Mutex
	stopped bool
}

func (s *fakeServer) Start(ctx context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}

func (s *fakeServer) Stop(context.Context) error {
	if s.onStop != nil {
		s.onStop(s.name)
	}
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *fakeServer) Name() string { return s.name }
func (s *fakeServer) Addr() string { return "-" }

func TestApplication_StopRunsCleanupsInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	cleanup := func(name string) CleanupFunc {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	started := make(chan struct{})
	srv := &fakeServer{name: "http"}
	a := New(
		Logger(logger.NewNop()),
		Name("saga-orchestrator"),
		GracefulTimeout(time.Second),
		RegisterCleanup("store", cleanup("store"), 20),
		RegisterCleanup("bus", cleanup("bus"), 10),
		SetHooks(&Hooks{AfterStart: []Hook{func(context.Context) error { close(started); return nil }}}),
	)
	a.Use(srv)

	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	<-started
	assert.ErrorIs(t, a.Run(), ErrRunning)

	a.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未返回")
	}

	assert.True(t, srv.isStopped())
	assert.Equal(t, []string{"bus", "store"}, order)
	assert.Equal(t, "saga-orchestrator", a.Name())
}

func TestApplication_ServerFailureStopsApp(t *testing.T) {
	boom := errors.New("address already in use")
	healthy := &fakeServer{name: "worker"}
	a := New(Logger(logger.NewNop()), GracefulTimeout(time.Second))
	a.Use(healthy, &fakeServer{name: "http", startErr: boom})

	done := make(chan error, 1)
	go func() { done <- a.Run() }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("服务器启动失败后 Run 未返回")
	}
	assert.True(t, healthy.isStopped())
}

func TestApplication_BeforeStartError(t *testing.T) {
	boom := errors.New("connect bus")
	a := New(Logger(logger.NewNop()), SetHooks(&Hooks{BeforeStart: []Hook{func(context.Context) error { return boom }}}))
	assert.ErrorIs(t, a.Run(), boom)
}

func TestApplication_StopsServersInReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	started := make(chan struct{})
	a := New(
		Logger(logger.NewNop()),
		GracefulTimeout(time.Second),
		SetHooks(&Hooks{AfterStart: []Hook{func(context.Context) error { close(started); return nil }}}),
	)
	a.Use(
		&fakeServer{name: "listener", onStop: record},
		&fakeServer{name: "scheduler", onStop: record},
		&fakeServer{name: "dashboard", onStop: record},
	)

	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	<-started
	a.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未返回")
	}
	assert.Equal(t, []string{"dashboard", "scheduler", "listener"}, order)
}

type drainRecorder struct {
	mu       sync.Mutex
	draining bool
}

func (d *drainRecorder) SetDraining(v bool) {
	d.mu.Lock()
	d.draining = v
	d.mu.Unlock()
}

func (d *drainRecorder) get() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

func TestApplication_DrainsBeforeStoppingServers(t *testing.T) {
	drainer := &drainRecorder{}
	var drainedAtStop bool

	started := make(chan struct{})
	a := New(
		Logger(logger.NewNop()),
		GracefulTimeout(time.Second),
		Drain(10*time.Millisecond, drainer),
		SetHooks(&Hooks{AfterStart: []Hook{func(context.Context) error { close(started); return nil }}}),
	)
	a.Use(&fakeServer{name: "dashboard", onStop: func(string) { drainedAtStop = drainer.get() }})

	done := make(chan error, 1)
	go func() { done <- a.Run() }()
	<-started
	a.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run 未返回")
	}
	assert.True(t, drainedAtStop)
}
