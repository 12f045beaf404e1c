package task

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/taskweave/taskweave/registry"
	"github.com/taskweave/taskweave/stream"
)

// Context is passed to task behaviours. It carries the cancellation
// context, a rate-limited progress sink, the service registry, upstream
// input streams for eager edges, and an Own callback for attaching child
// tasks.
type Context struct {
	context.Context

	task            *Task
	services        *registry.Registry
	progressLimiter *rate.Limiter
	inputStreams    map[string]*stream.Reader
}

// TaskID returns the executing task's identity.
func (c *Context) TaskID() string { return c.task.id }

// Services returns the process-wide service registry, or nil when none
// was wired.
func (c *Context) Services() *registry.Registry { return c.services }

// Progress records completion in percent with an optional message.
// Updates always land on the task; bus events are rate-limited to avoid a
// thundering herd, except that 100 percent is always delivered. Events
// arrive in dispatch order on the task's bus.
func (c *Context) Progress(pct float64, message ...string) {
	c.task.setProgress(pct)
	if pct < 100 && c.progressLimiter != nil && !c.progressLimiter.Allow() {
		return
	}
	msg := ""
	if len(message) > 0 {
		msg = message[0]
	}
	c.task.events.emit(Event{Type: EventProgress, Progress: c.task.Progress(), Message: msg})
}

// InputStream returns the live upstream stream for a port wired through
// an eager streaming edge.
func (c *Context) InputStream(port string) (*stream.Reader, bool) {
	r, ok := c.inputStreams[port]
	return r, ok
}

// InputStreams returns all live upstream streams keyed by port.
func (c *Context) InputStreams() map[string]*stream.Reader {
	return c.inputStreams
}

// Own attaches a child task to the executing task. Compound behaviours
// use this so observers can discover dynamically created children.
func (c *Context) Own(child *Task) {
	c.task.own(child)
}
