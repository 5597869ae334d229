package room

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/aranachat/room/transport"
)

// Router fans frames out over the Registry. Delivery is best effort: a
// failed send is reported and the remaining recipients are still tried.
type Router struct {
	reg    *Registry
	log    *zap.SugaredLogger
	report func(context string, err error)
}

func NewRouter(reg *Registry, log *zap.SugaredLogger, report func(string, error)) *Router {
	if report == nil {
		report = func(string, error) {}
	}
	return &Router{reg: reg, log: log, report: report}
}

// Broadcast sends f to every open channel not in exclude and returns how
// many sends succeeded.
func (r *Router) Broadcast(f *Frame, exclude ...string) int {
	data, err := f.encode()
	if err != nil {
		r.report("broadcast "+string(f.Kind), fmt.Errorf("encode: %w", err))
		return 0
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	sent := 0
	r.reg.ForEach(func(id string, ch transport.Channel) {
		if skip[id] || !ch.IsOpen() {
			return
		}
		if err := ch.Send(data); err != nil {
			sendErrors.Inc()
			r.report("broadcast "+string(f.Kind)+" to "+id, fmt.Errorf("%w: %v", ErrSend, err))
			return
		}
		sent++
	})
	r.log.Debugw("broadcast", "kind", f.Kind, "sent", sent)
	return sent
}

// SendTo sends f to one identity.
func (r *Router) SendTo(id string, f *Frame) error {
	ch, ok := r.reg.Get(id)
	if !ok {
		return fmt.Errorf("send %s to %s: %w", f.Kind, id, ErrNoChannel)
	}
	data, err := f.encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Kind, err)
	}
	if err := ch.Send(data); err != nil {
		sendErrors.Inc()
		return fmt.Errorf("send %s to %s: %w: %v", f.Kind, id, ErrSend, err)
	}
	return nil
}
