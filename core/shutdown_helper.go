package core

import (
	"context"
	"sync"
)

// OnceActivateHandler runs exactly once, with shutdown paused, to activate
// an object managed by a ShutdownHelper.
type OnceActivateHandler func() error

// OnceShutdownHandler is implemented by the object a ShutdownHelper manages.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// takes completionErr as an advisory completion value, actually shuts
	// down, then returns the real completion value. Never called while
	// shutdown is paused.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects with asynchronous shutdown.
type AsyncShutdowner interface {
	// StartShutdown schedules shutdown. A no-op if already scheduled.
	StartShutdown(completionErr error)

	// ShutdownDoneChan is closed once shutdown has completed.
	ShutdownDoneChan() <-chan struct{}

	// IsDoneShutdown reports whether shutdown has completed.
	IsDoneShutdown() bool

	// WaitShutdown blocks until shutdown completes, returning its status.
	WaitShutdown() error
}

// ShutdownHelper is a base that manages clean asynchronous shutdown for a
// type implementing OnceShutdownHandler: endpoints, relays and hubs all
// embed one instead of hand-rolling a state enum and mutex.
type ShutdownHelper struct {
	Logger

	// Lock is a general-purpose mutex available to the embedding type.
	Lock sync.Mutex

	shutdownHandler OnceShutdownHandler

	shutdownPauseCount int
	isActivated         bool
	isScheduledShutdown bool
	isStartedShutdown   bool
	isDoneShutdown      bool
	shutdownErr         error

	shutdownStartedChan     chan struct{}
	shutdownHandlerDoneChan chan struct{}
	shutdownDoneChan        chan struct{}

	wg sync.WaitGroup
}

// InitShutdownHelper initializes a ShutdownHelper in place.
func (h *ShutdownHelper) InitShutdownHelper(logger Logger, shutdownHandler OnceShutdownHandler) {
	h.Logger = logger
	h.shutdownHandler = shutdownHandler
	h.shutdownStartedChan = make(chan struct{})
	h.shutdownHandlerDoneChan = make(chan struct{})
	h.shutdownDoneChan = make(chan struct{})
}

func (h *ShutdownHelper) asyncDoStartedShutdown() {
	h.DLogf("shutdown started")
	close(h.shutdownStartedChan)
	go func() {
		h.shutdownErr = h.shutdownHandler.HandleOnceShutdown(h.shutdownErr)
		close(h.shutdownHandlerDoneChan)
		h.wg.Wait()
		h.isDoneShutdown = true
		h.DLogf("shutdown done")
		close(h.shutdownDoneChan)
	}()
}

// PauseShutdown prevents shutdown from starting until a matching
// ResumeShutdown. Fails if shutdown has already started.
func (h *ShutdownHelper) PauseShutdown() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.isStartedShutdown {
		return h.Errorf("shutdown already started; cannot pause")
	}
	h.shutdownPauseCount++
	return nil
}

// IsActivated reports whether Activate has been called.
func (h *ShutdownHelper) IsActivated() bool {
	return h.isActivated
}

// Activate marks the helper activated. A no-op if already activated;
// fails if shutdown has already begun.
func (h *ShutdownHelper) Activate() error {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if !h.isActivated {
		if h.isStartedShutdown {
			return h.Errorf("cannot activate; shutdown already initiated")
		}
		h.isActivated = true
	}
	return nil
}

// DoOnceActivate pauses shutdown, runs onceActivateHandler, then resumes.
// If the handler (or Activate) fails, shutdown is started immediately with
// that error; if waitOnFail, the call blocks for shutdown to complete.
func (h *ShutdownHelper) DoOnceActivate(onceActivateHandler OnceActivateHandler, waitOnFail bool) error {
	h.Lock.Lock()
	if h.isActivated {
		h.Lock.Unlock()
		return nil
	}
	if h.isStartedShutdown {
		h.Lock.Unlock()
		var err error
		if waitOnFail {
			err = h.WaitShutdown()
		}
		if err == nil {
			err = h.Errorf("shutdown already started; cannot activate")
		}
		return err
	}
	h.shutdownPauseCount++
	h.Lock.Unlock()

	err := onceActivateHandler()
	if err == nil {
		err = h.Activate()
	}
	if err != nil {
		h.StartShutdown(err)
	}
	h.ResumeShutdown()
	if err != nil && waitOnFail {
		h.WaitShutdown()
	}
	return err
}

// ResumeShutdown undoes one PauseShutdown; once the pause count reaches
// zero, a previously-scheduled shutdown is allowed to actually begin.
func (h *ShutdownHelper) ResumeShutdown() {
	h.Lock.Lock()
	if h.shutdownPauseCount < 1 {
		h.Panic("ResumeShutdown before PauseShutdown")
		return
	}
	h.shutdownPauseCount--
	doShutdownNow := h.shutdownPauseCount == 0 && h.isScheduledShutdown && !h.isStartedShutdown
	if doShutdownNow {
		h.isStartedShutdown = true
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// ShutdownOnContext starts background monitoring of ctx and schedules
// shutdown with ctx.Err() if it completes before this helper shuts down on
// its own. Used to bound a relay or hub's lifetime to a process context.
func (h *ShutdownHelper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.shutdownStartedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsStartedShutdown reports whether shutdown has begun (stays true after).
func (h *ShutdownHelper) IsStartedShutdown() bool {
	return h.isStartedShutdown
}

// IsDoneShutdown reports whether shutdown is complete.
func (h *ShutdownHelper) IsDoneShutdown() bool {
	return h.isDoneShutdown
}

// ShutdownWG exposes the internal WaitGroup so the embedding type can defer
// final shutdown completion on extra background work.
func (h *ShutdownHelper) ShutdownWG() *sync.WaitGroup {
	return &h.wg
}

// ShutdownHandlerDoneChan is closed after HandleOnceShutdown returns, before
// children are shut down and waited for.
func (h *ShutdownHelper) ShutdownHandlerDoneChan() <-chan struct{} {
	return h.shutdownHandlerDoneChan
}

// ShutdownDoneChan is closed once shutdown is fully complete.
func (h *ShutdownHelper) ShutdownDoneChan() <-chan struct{} {
	return h.shutdownDoneChan
}

// WaitShutdown blocks until shutdown completes and returns its status. It
// does not itself initiate shutdown.
func (h *ShutdownHelper) WaitShutdown() error {
	<-h.shutdownDoneChan
	return h.shutdownErr
}

// Shutdown starts shutdown if not already started, waits for it to
// complete, then returns the final status.
func (h *ShutdownHelper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.WaitShutdown()
}

// StartShutdown schedules shutdown. The first call wins: it records
// completionErr, and if the pause count is zero, kicks off
// HandleOnceShutdown asynchronously followed by child teardown.
func (h *ShutdownHelper) StartShutdown(completionErr error) {
	var doShutdownNow bool
	h.Lock.Lock()
	if !h.isScheduledShutdown {
		if h.isStartedShutdown {
			h.Panic("shutdown started before scheduled")
		}
		h.shutdownErr = completionErr
		h.isScheduledShutdown = true
		doShutdownNow = h.shutdownPauseCount == 0
		h.isStartedShutdown = doShutdownNow
	}
	h.Lock.Unlock()

	if doShutdownNow {
		h.asyncDoStartedShutdown()
	}
}

// Close shuts down with a nil advisory status and waits for completion.
func (h *ShutdownHelper) Close() error {
	return h.Shutdown(nil)
}

// AddShutdownChildChan registers a channel this helper's shutdown will wait
// on before considering itself fully torn down.
func (h *ShutdownHelper) AddShutdownChildChan(childDoneChan <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDoneChan
		h.wg.Done()
	}()
}

// AddShutdownChild registers a child object that will be actively shut down
// (with this helper's completion status) once HandleOnceShutdown returns,
// and waited on before this helper's own shutdown is considered complete.
func (h *ShutdownHelper) AddShutdownChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.ShutdownDoneChan():
		case <-h.shutdownHandlerDoneChan:
			child.StartShutdown(h.shutdownErr)
			child.WaitShutdown()
		}
		h.wg.Done()
	}()
}
