// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vmi

import (
	goerrors "errors"
	"fmt"
	"time"

	"vmi.dev/vmi/pkg/arch"
	"vmi.dev/vmi/pkg/errors/vmierr"
	"vmi.dev/vmi/pkg/log"
)

// Handler consumes the events dispatched by Session.Handle.
type Handler interface {
	// HandleEvent answers one event. s is only valid during the call.
	HandleEvent(s *State) EventResponse

	// Done returns true once the handler wants the loop to stop.
	Done() bool

	// Timeout is called when no event arrived within the loop timeout.
	Timeout(s *Session)

	// Interrupted is called before the loop exits on an interrupted wait.
	Interrupted(s *Session)
}

// BaseHandler has no-op hooks and never finishes. Embed it to implement
// only HandleEvent.
type BaseHandler struct{}

// Done implements Handler.Done.
func (BaseHandler) Done() bool { return false }

// Timeout implements Handler.Timeout.
func (BaseHandler) Timeout(*Session) {}

// Interrupted implements Handler.Interrupted.
func (BaseHandler) Interrupted(*Session) {}

// HandlerFunc adapts a function to Handler. The loop runs until
// interrupted or until a driver error.
type HandlerFunc func(s *State) EventResponse

// HandleEvent implements Handler.HandleEvent.
func (f HandlerFunc) HandleEvent(s *State) EventResponse { return f(s) }

// Done implements Handler.Done.
func (HandlerFunc) Done() bool { return false }

// Timeout implements Handler.Timeout.
func (HandlerFunc) Timeout(*Session) {}

// Interrupted implements Handler.Interrupted.
func (HandlerFunc) Interrupted(*Session) {}

// timeoutLog reports idle loops without flooding the log.
var timeoutLog = log.BasicRateLimitedLogger(time.Minute)

// Handle dispatches events to h until h is done, the wait is interrupted,
// or an error occurs. timeout bounds each individual wait.
//
// On every exit the driver state is reset and events still queued are
// answered with default responses, so that no vCPU is left paused.
func (s *Session) Handle(h Handler, timeout time.Duration) error {
	err := s.handle(h, timeout)
	if cerr := s.finish(); cerr != nil {
		if err == nil {
			return cerr
		}
		log.Warningf("session: cleanup after %v failed: %v", err, cerr)
	}
	return err
}

func (s *Session) handle(h Handler, timeout time.Duration) error {
	var (
		handled   uint64
		timeouts  uint64
		injectErr error
	)
	callback := func(event *Event) EventResponse {
		s.core.flushCaches()
		state := s.stateFor(event.Registers, event)
		resp := h.HandleEvent(state)
		handled++
		if resp.Flags&ReinjectInterrupt != 0 {
			resp.Flags &^= ReinjectInterrupt
			injectErr = s.reinject(event)
		}
		return resp
	}

	for !h.Done() {
		err := s.core.WaitForEvent(timeout, callback)
		switch {
		case err == nil:
			if injectErr != nil {
				return injectErr
			}
		case goerrors.Is(err, vmierr.ErrTimeout):
			timeouts++
			timeoutLog.Debugf("session: no event within %v (%d timeouts, %d events)", timeout, timeouts, handled)
			h.Timeout(s)
		case goerrors.Is(err, vmierr.ErrInterrupted):
			log.Infof("session: interrupted after %d events", handled)
			h.Interrupted(s)
			return nil
		default:
			return err
		}
	}
	log.Debugf("session: handler done after %d events", handled)
	return nil
}

// reinject delivers the interrupt that caused event back to its vCPU.
func (s *Session) reinject(event *Event) error {
	ie, ok := event.Reason.(arch.InterruptEvent)
	if !ok {
		return fmt.Errorf("reinjecting on %v event: %w", event.Reason.Kind(), vmierr.ErrNotSupported)
	}
	return s.core.InjectInterrupt(event.Vcpu, ie.Injectable())
}

// finish resets the driver and drains the event queue.
func (s *Session) finish() error {
	if err := s.core.ResetState(); err != nil {
		return fmt.Errorf("resetting driver state: %w", err)
	}
	if n := s.core.EventsPending(); n > 0 {
		log.Debugf("session: draining %d pending events", n)
		err := s.core.WaitForEvent(0, func(*Event) EventResponse { return EventResponse{} })
		if err != nil && !goerrors.Is(err, vmierr.ErrTimeout) {
			return fmt.Errorf("draining events: %w", err)
		}
	}
	return nil
}
