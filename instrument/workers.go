package instrument

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/CK6170/spectro-go/protocol"
)

// stopGrace is how long Stop waits for the switch read to return before
// forcing the transfer to cancel.
const stopGrace = 250 * time.Millisecond

// switchMonitor keeps one interrupt read posted on the switch endpoint and
// publishes every press.
type switchMonitor struct {
	in      *protocol.Instrument
	timeout time.Duration
	log     zerolog.Logger

	triggers chan struct{} // consumed by measurements waiting for the switch
	presses  chan struct{} // published to observers
	count    atomic.Int64

	quit   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func startSwitchMonitor(in *protocol.Instrument, timeout time.Duration, log zerolog.Logger) *switchMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	sm := &switchMonitor{
		in:       in,
		timeout:  timeout,
		log:      log,
		triggers: make(chan struct{}, 1),
		presses:  make(chan struct{}, 16),
		quit:     make(chan struct{}),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sm.run(ctx)
	return sm
}

func (sm *switchMonitor) run(ctx context.Context) {
	defer close(sm.done)
	backoff := 10 * time.Millisecond
	for {
		select {
		case <-sm.quit:
			return
		default:
		}
		pressed, err := sm.in.ReadSwitch(ctx, sm.timeout)
		if err != nil {
			select {
			case <-sm.quit:
				return
			case <-time.After(backoff):
			}
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 10 * time.Millisecond
		if !pressed {
			continue
		}
		n := sm.count.Add(1)
		sm.log.Debug().Int64("count", n).Msg("switch pressed")
		for _, ch := range []chan struct{}{sm.triggers, sm.presses} {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

// drain discards presses that happened before a measurement was requested.
func (sm *switchMonitor) drain() {
	for {
		select {
		case <-sm.triggers:
		default:
			return
		}
	}
}

// stop ends the monitor: the read is released with TerminateSwitch and, if
// the goroutine has not finished within stopGrace, cancelled outright.
func (sm *switchMonitor) stop(ctx context.Context) {
	sm.once.Do(func() {
		close(sm.quit)
		sm.cancel()
		if err := sm.in.TerminateSwitch(ctx); err != nil {
			sm.log.Debug().Err(err).Msg("terminate switch")
		}
		select {
		case <-sm.done:
		case <-time.After(stopGrace):
			sm.log.Warn().Msg("switch read did not return, cancelling transfer")
			_ = sm.in.Transport().Cancel()
			<-sm.done
		}
	})
}

type fireRequest struct {
	delay time.Duration
	reply chan error
}

// triggerWorker issues delayed triggers so the bulk read is posted before
// the instrument starts sending data.
type triggerWorker struct {
	in   *protocol.Instrument
	reqs chan fireRequest
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func startTriggerWorker(in *protocol.Instrument) *triggerWorker {
	tw := &triggerWorker{
		in:   in,
		reqs: make(chan fireRequest),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go tw.run()
	return tw
}

func (tw *triggerWorker) run() {
	defer close(tw.done)
	for {
		select {
		case <-tw.quit:
			return
		case r := <-tw.reqs:
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
			ctx, cancel := context.WithTimeout(context.Background(), tw.in.Timeout)
			r.reply <- tw.in.Trigger(ctx)
			cancel()
		}
	}
}

// Fire queues a trigger after delay. The returned channel receives the
// trigger's result exactly once.
func (tw *triggerWorker) Fire(delay time.Duration) <-chan error {
	reply := make(chan error, 1)
	select {
	case tw.reqs <- fireRequest{delay: delay, reply: reply}:
	case <-tw.quit:
		reply <- errStopped
	}
	return reply
}

func (tw *triggerWorker) stop() {
	tw.once.Do(func() {
		close(tw.quit)
		<-tw.done
	})
}
