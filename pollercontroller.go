package gocbnet

import (
	"sync"
)

type configPoller interface {
	Stop()
	Reset()
	Error() error
	Refresh()
}

// pollerController runs the KV poller and falls back to the HTTP poller when
// the KV nodes cannot serve configs.
type pollerController struct {
	activeController configPoller
	controllerLock   sync.Mutex
	stopped          bool
	doneSig          chan struct{}

	cccpPoller *cccpConfigController
	httpPoller *httpConfigController
}

func newPollerController(cccpPoller *cccpConfigController, httpPoller *httpConfigController) *pollerController {
	return &pollerController{
		cccpPoller: cccpPoller,
		httpPoller: httpPoller,
		doneSig:    make(chan struct{}),
	}
}

func (pc *pollerController) Run() {
	defer close(pc.doneSig)

	logInfof("Starting poller controller loop")
	pc.controllerLock.Lock()
	if pc.stopped {
		pc.controllerLock.Unlock()
		logInfof("Poller controller stopped, exiting")
		return
	}
	pc.cccpPoller.Reset()
	pc.activeController = pc.cccpPoller
	pc.controllerLock.Unlock()

	err := pc.cccpPoller.DoLoop()
	if err == nil {
		return
	}
	logDebugf("CCCP poller has exited with err: %v", err)

	pc.controllerLock.Lock()
	if pc.stopped {
		pc.controllerLock.Unlock()
		logDebugf("Poller controller stopped, exiting")
		return
	}
	if pc.httpPoller == nil {
		pc.controllerLock.Unlock()
		logErrorf("CCCP poller has exited for http fallback but no http poller is configured")
		return
	}

	logInfof("Falling back to HTTP config polling")
	pc.httpPoller.Reset()
	pc.activeController = pc.httpPoller
	pc.controllerLock.Unlock()

	pc.httpPoller.DoLoop()
}

// Stop should never be called more than once.
func (pc *pollerController) Stop() {
	logInfof("Stopping poller controller")
	pc.controllerLock.Lock()
	pc.stopped = true
	controller := pc.activeController
	pc.controllerLock.Unlock()

	if controller != nil {
		controller.Stop()
	}
}

func (pc *pollerController) Done() <-chan struct{} {
	return pc.doneSig
}

// PollerError surfaces any error of the underlying poller is currently in an error state.
func (pc *pollerController) PollerError() error {
	pc.controllerLock.Lock()
	controller := pc.activeController
	pc.controllerLock.Unlock()

	if controller == nil {
		return nil
	}

	return controller.Error()
}

// Refresh fetches a config through whichever poller is active.
func (pc *pollerController) Refresh() {
	pc.controllerLock.Lock()
	controller := pc.activeController
	pc.controllerLock.Unlock()

	if controller == nil {
		controller = pc.cccpPoller
	}

	controller.Refresh()
}
