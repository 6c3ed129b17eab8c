package observability

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-toast/toast"
)

// AlertSink delivers a severe Event to one external channel. Adapted from
// the teacher's internal/notifications.NotificationManager, which fanned a
// single alert out to toast/terminal/banner/slack/email/discord; here the
// sink list is open-ended and every sink independently decides whether to
// act on an event.
type AlertSink interface {
	Notify(ev Event) error
	Name() string
}

// Router fans Warn/Error events from a Bus out to a configured set of
// AlertSinks. It never blocks publishing: sink failures are counted per
// sink (see FailureCount) and swallowed, mirroring the teacher's router.go behavior of treating
// notification delivery as best-effort.
type Router struct {
	bus   *Bus
	sinks []AlertSink
	mu    sync.Mutex
	fails map[string]int
}

// NewRouter builds a Router over bus with the given sinks.
func NewRouter(bus *Bus, sinks ...AlertSink) *Router {
	return &Router{bus: bus, sinks: sinks, fails: make(map[string]int)}
}

// Start subscribes to "all" events and fans Warn/Error severities to every
// sink until stop is closed.
func (r *Router) Start(stop <-chan struct{}) {
	ch := r.bus.Subscribe("all")
	go func() {
		defer r.bus.Unsubscribe("all", ch)
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Severity != SeverityWarn && ev.Severity != SeverityError {
					continue
				}
				r.fanOut(ev)
			}
		}
	}()
}

func (r *Router) fanOut(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sink := range r.sinks {
		if err := sink.Notify(ev); err != nil {
			r.fails[sink.Name()]++
		}
	}
}

// FailureCount returns how many times a named sink has failed to deliver.
func (r *Router) FailureCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fails[name]
}

// ToastSink shows a desktop toast notification, adapted from the teacher's
// internal/notifications.ToastNotifier. Toast notifications are a Windows
// shell facility; off Windows, Notify is a documented no-op rather than a
// silent failure, so the sink is always safe to register.
type ToastSink struct {
	AppID        string
	DashboardURL string
}

// Name identifies this sink for failure bookkeeping.
func (t *ToastSink) Name() string { return "toast" }

// Notify renders ev as a Windows toast. On other platforms it returns nil
// without attempting delivery.
func (t *ToastSink) Notify(ev Event) error {
	if runtime.GOOS != "windows" {
		return nil
	}
	appID := t.AppID
	if appID == "" {
		appID = "cogcore"
	}
	n := toast.Notification{
		AppID:   appID,
		Title:   fmt.Sprintf("[%s] %s", ev.Component, ev.Severity),
		Message: ev.Message,
		Audio:   toast.Default,
	}
	if t.DashboardURL != "" {
		n.Actions = []toast.Action{{Type: "protocol", Label: "Open dashboard", Arguments: t.DashboardURL}}
	}
	return n.Push()
}

// WebhookSink posts ev to an external webhook (Slack/Discord/email
// gateway). send is injected so tests and the email/Slack/Discord variants
// can share one implementation without importing an HTTP client here,
// following the teacher's per-channel notifier split
// (internal/notifications/external/{slack,email,discord}.go).
type WebhookSink struct {
	SinkName string
	Send     func(ev Event) error
}

// Name identifies this sink for failure bookkeeping.
func (w *WebhookSink) Name() string { return w.SinkName }

// Notify delegates to Send.
func (w *WebhookSink) Notify(ev Event) error {
	if w.Send == nil {
		return nil
	}
	return w.Send(ev)
}
