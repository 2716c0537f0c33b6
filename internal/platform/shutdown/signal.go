package shutdown

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Signal is a latch set once when the process has been asked to stop.
// Long-running task handlers poll IsSet between phases and checkpoint
// before returning.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done exposes the latch as a channel for select loops.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Install wires SIGTERM/SIGINT to the latch and returns it.
func Install() *Signal {
	s := NewSignal()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		s.Set()
	}()
	return s
}
