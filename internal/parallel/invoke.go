package parallel

import (
	"github.com/roach88/phaserun/internal/cache"
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/ir"
	"github.com/roach88/phaserun/internal/pup"
)

// ReceiveData delivers v into the receiver's inbox for tag under id.
//
// The payload is packed and unpacked on the way, so the receiver never
// shares memory with the sender. When enablePerform is set and the receiver
// is paused, its action loop resumes after the delivery.
func ReceiveData[T any](dest ElementProxy, tag databox.InboxTag[T], id int64, v T, enablePerform bool) {
	copied, err := pup.RoundTrip(v)
	if err != nil {
		panic(ir.WrapFatal(ir.ErrCodeActionFailed, err, "cannot send %s payload to %s[%d]", tag.Name(), dest.comp.Name(), dest.index))
	}
	dest.comp.rt.send(dest.comp.lookup(dest.index), message{
		kind:    msgReceive,
		deliver: func(in *databox.Inboxes) { databox.Receive(in, tag, id, copied) },
		perform: enablePerform,
	})
}

// SimpleAction runs fn once on the receiver, outside its action list. fn
// sees the receiver's Box and cache branch and does not change its cursor.
func SimpleAction(dest ElementProxy, fn func(*ActionContext) error) {
	dest.comp.rt.send(dest.comp.lookup(dest.index), message{kind: msgSimpleAction, simple: fn})
}

// BroadcastSimpleAction runs fn on every instance of dest.
func BroadcastSimpleAction(dest *ComponentProxy, fn func(*ActionContext) error) {
	for _, e := range dest.all() {
		dest.rt.send(e, message{kind: msgSimpleAction, simple: fn})
	}
}

// PerformAlgorithm asks a paused receiver to resume its action loop. It has
// no effect on an instance that is not paused.
func PerformAlgorithm(dest ElementProxy) {
	dest.comp.rt.send(dest.comp.lookup(dest.index), message{kind: msgPerform})
}

// MutateAll applies fn to the mutable entry for tag on every cache branch.
// Each branch mutates independently and fires its own callbacks.
func MutateAll[T any](rt *Runtime, tag cache.Tag[T], fn func(*T)) {
	for _, c := range rt.caches {
		cache.Mutate(c, tag, fn)
	}
}
