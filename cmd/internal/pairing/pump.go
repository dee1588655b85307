package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pairlink/cmd/internal/authstate"
)

// A transport reports only a handful of connection updates per link (at most one
// close), so a small buffer never holds up credential persistence.
const connectionBuffer = 8

var (
	errWaitElapsed = errors.New("pairing: wait elapsed")
	errEventsEnded = errors.New("pairing: transport events ended")
	errPersist     = errors.New("pairing: persist auth state")
)

// eventPump drains a transport's event stream for the whole attempt. Credential
// and key updates are written to the store as they arrive; connection updates are
// handed to the attempt through conns. The stream keeps moving while the attempt
// sleeps, waits on a code or exports, so replies on the same link are never
// stuck behind undelivered events.
type eventPump struct {
	conns   chan ConnectionUpdate
	failed  chan error
	stopped chan struct{}
}

func startPump(ctx context.Context, events <-chan Event, store *authstate.Store) *eventPump {
	p := &eventPump{
		conns:   make(chan ConnectionUpdate, connectionBuffer),
		failed:  make(chan error, 1),
		stopped: make(chan struct{}),
	}
	go p.run(ctx, events, store)
	return p
}

func (p *eventPump) run(ctx context.Context, events <-chan Event, store *authstate.Store) {
	defer close(p.stopped)
	defer close(p.conns)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != EventConnection {
				if err := persist(store, ev); err != nil {
					p.failed <- fmt.Errorf("%w: %w", errPersist, err)
					return
				}
				continue
			}
			select {
			case p.conns <- ev.Connection:
			case <-ctx.Done():
				return
			}
		}
	}
}

// next returns the next connection update. d > 0 bounds the wait and yields
// errWaitElapsed; d <= 0 waits until an update, the end of the stream or ctx.
func (p *eventPump) next(ctx context.Context, d time.Duration) (ConnectionUpdate, error) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ConnectionUpdate{}, ctx.Err()
	case <-timeout:
		return ConnectionUpdate{}, errWaitElapsed
	case up, ok := <-p.conns:
		if ok {
			return up, nil
		}
		return ConnectionUpdate{}, p.endErr(ctx)
	}
}

// pending returns an update that is already queued, without waiting.
func (p *eventPump) pending() (ConnectionUpdate, bool) {
	select {
	case up, ok := <-p.conns:
		return up, ok
	default:
		return ConnectionUpdate{}, false
	}
}

func (p *eventPump) endErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case err := <-p.failed:
		return err
	default:
		return errEventsEnded
	}
}

func persist(store *authstate.Store, ev Event) error {
	switch ev.Kind {
	case EventCreds:
		return store.SaveCreds(ev.Creds)
	case EventKeys:
		return store.SetKeys(ev.Keys)
	}
	return nil
}
