package phasecontrol

import (
	"github.com/roach88/phaserun/internal/databox"
	"github.com/roach88/phaserun/internal/parallel"
)

// Trigger decides, from an instance's own state, whether it should ask Main
// for a phase change now. Every instance of a component must reach the same
// decision at the same point of its loop.
type Trigger func(ctx *parallel.ActionContext) bool

// EveryNth fires whenever the int Box item counter is a positive multiple
// of n.
func EveryNth(counter databox.Tag[int], n int) Trigger {
	return func(ctx *parallel.ActionContext) bool {
		v, ok := databox.Lookup(ctx.Box(), counter)
		return ok && n > 0 && v > 0 && v%n == 0
	}
}

// Always fires every time. Use it to make a loop point a synchronization
// point where Main may reconsider the phase.
func Always(*parallel.ActionContext) bool { return true }

type requestPhaseChange struct {
	name    string
	trigger Trigger
	tag     *Tag[bool]
	served  databox.Tag[bool]
}

// RequestPhaseChange returns an action that, when trigger fires, contributes
// true to tag and pauses so the component halts and Main regains control at
// quiescence. When the phase is entered again the action lets the instance
// through once, so the same trigger does not fire twice for one request.
func RequestPhaseChange(name string, trigger Trigger, tag *Tag[bool]) parallel.Action {
	return &requestPhaseChange{
		name:    name,
		trigger: trigger,
		tag:     tag,
		served:  databox.NewTag[bool]("PhaseChangeRequested(" + name + ")"),
	}
}

func (r *requestPhaseChange) Name() string { return r.name }

func (r *requestPhaseChange) Apply(ctx *parallel.ActionContext) (parallel.Directive, error) {
	if requested, _ := databox.Lookup(ctx.Box(), r.served); requested {
		databox.Set(ctx.Box(), r.served, false)
		return parallel.Continue, nil
	}
	if !r.trigger(ctx) {
		return parallel.Continue, nil
	}
	databox.Set(ctx.Box(), r.served, true)
	Contribute(ctx, r.tag, true)
	ctx.Logger().Debug("phase change requested", "request", r.name)
	return parallel.Pause, nil
}
