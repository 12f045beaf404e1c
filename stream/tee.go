package stream

import (
	"time"
)

// TeeConfig bounds the branches of a fan-out tee.
type TeeConfig struct {
	// Buffer is the number of events each branch may queue before the
	// forwarder blocks on it
	Buffer int
	// StallTimeout is how long the forwarder waits on a full branch before
	// declaring backpressure overflow. Zero or negative blocks forever.
	StallTimeout time.Duration
}

// DefaultTeeConfig returns the bounds used when none are supplied.
func DefaultTeeConfig() TeeConfig {
	return TeeConfig{
		Buffer:       1000,
		StallTimeout: 30 * time.Second,
	}
}

// Tee splits src into n independent branches. Every branch observes the
// source events in emission order. The forwarder blocks on the slowest
// branch once its buffer fills; a branch that stays full past the stall
// timeout poisons all branches with ErrBackpressure and releases the
// producer, making the overflow fatal.
//
// Branches that are closed early are skipped. When every branch has
// closed, the source is closed so the producer can stop. With n == 1 the
// source itself is returned.
func Tee(src *Reader, n int, cfg TeeConfig) []*Reader {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []*Reader{src}
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultTeeConfig().Buffer
	}
	readers := make([]*Reader, n)
	writers := make([]*Writer, n)
	for i := 0; i < n; i++ {
		readers[i], writers[i] = Pipe(cfg.Buffer)
	}
	go forward(src, writers, cfg.StallTimeout)
	return readers
}

const (
	deliverOK = iota
	deliverClosed
	deliverStalled
)

func forward(src *Reader, writers []*Writer, stall time.Duration) {
	defer src.Close()

	alive := make([]bool, len(writers))
	remaining := len(writers)
	for i := range alive {
		alive[i] = true
	}

	var timer *time.Timer
	if stall > 0 {
		timer = time.NewTimer(stall)
		defer timer.Stop()
	}

	closeAll := func() {
		for i, w := range writers {
			if alive[i] {
				w.Close()
			}
		}
	}

	for {
		ev, err := src.Recv()
		if err != nil {
			// Source ended without a terminal event; branches see EOF.
			closeAll()
			return
		}
		for i, w := range writers {
			if !alive[i] {
				continue
			}
			switch deliver(w, ev, timer, stall) {
			case deliverClosed:
				alive[i] = false
				remaining--
			case deliverStalled:
				poison(writers, alive, ErrBackpressure)
				return
			}
		}
		if remaining == 0 || ev.Terminal() {
			closeAll()
			return
		}
	}
}

func deliver(w *Writer, ev Event, timer *time.Timer, stall time.Duration) int {
	select {
	case <-w.p.done:
		return deliverClosed
	default:
	}
	select {
	case w.p.ch <- ev:
		return deliverOK
	case <-w.p.done:
		return deliverClosed
	default:
	}
	if timer == nil {
		select {
		case w.p.ch <- ev:
			return deliverOK
		case <-w.p.done:
			return deliverClosed
		}
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(stall)
	select {
	case w.p.ch <- ev:
		return deliverOK
	case <-w.p.done:
		return deliverClosed
	case <-timer.C:
		return deliverStalled
	}
}

// poison appends a fatal error event behind each branch's backlog. The
// sends run in their own goroutines because the stalled branches are full;
// they finish as soon as each consumer drains or closes.
func poison(writers []*Writer, alive []bool, err error) {
	for i, w := range writers {
		if !alive[i] {
			continue
		}
		go func(w *Writer) {
			w.Send(Fail(err))
			w.Close()
		}(w)
	}
}
