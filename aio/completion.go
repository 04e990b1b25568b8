package aio

import "github.com/solidgo/aio/internal/poller"

// completionHandler is the base every resource waited on by a Reactor
// embeds: one per kernel handle or timer, permanently bound to one actor
// slot, active iff registered with the Poller.
type completionHandler struct {
	reactor    *Reactor
	actorIdx   uint32
	pollerSlot int32
	active     bool
	fd         int
	lastEvents poller.Events
	onEvent    func(ctx *ReactorContext, events poller.Events)
}

// setCallback installs the function invoked by the reactor when this
// handler's fd becomes ready. A completion may call it again to chain the
// next step.
func (h *completionHandler) setCallback(fn func(ctx *ReactorContext, events poller.Events)) {
	h.onEvent = fn
}

// activate registers the handler's fd with the owning Reactor's Poller.
func (h *completionHandler) activate(interest poller.Interest) error {
	if h.active {
		return nil
	}
	slot, err := h.reactor.poller.Register(h.fd, interest)
	if err != nil {
		return err
	}
	h.pollerSlot = slot
	h.active = true
	h.reactor.bindCompletion(slot, h)
	return nil
}

// deactivate deregisters the handler; any pending continuation is cleared
// by the caller (Stream/Datagram/Timer), never invoked. Handles must
// deactivate before they are dropped.
func (h *completionHandler) deactivate() {
	if !h.active {
		return
	}
	h.reactor.unbindCompletion(h.pollerSlot)
	_ = h.reactor.poller.Deregister(h.pollerSlot)
	h.active = false
}

func (h *completionHandler) modify(interest poller.Interest) error {
	if !h.active {
		return nil
	}
	return h.reactor.poller.Modify(h.pollerSlot, interest)
}

func (h *completionHandler) isActive() bool { return h.active }
