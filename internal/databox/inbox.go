package databox

import (
	"slices"

	"github.com/roach88/phaserun/internal/pup"
)

// InboxTag names an inbox whose payloads have type T.
type InboxTag[T any] struct {
	name string
}

// NewInboxTag creates an inbox tag.
func NewInboxTag[T any](name string) InboxTag[T] {
	return InboxTag[T]{name: name}
}

// Name returns the inbox's name.
func (t InboxTag[T]) Name() string {
	return t.name
}

// Inboxes holds every inbox of one instance: inbox name, then temporal id,
// then the payloads received for that id.
//
// Payloads for one id keep their arrival order, but arrival order across
// senders is not deterministic. Actions must check that all expected senders
// reported (Count) before consuming an id.
type Inboxes struct {
	boxes map[string]map[int64][]any
}

// NewInboxes creates empty inboxes.
func NewInboxes() *Inboxes {
	return &Inboxes{boxes: make(map[string]map[int64][]any)}
}

// Receive appends a payload for id.
func Receive[T any](in *Inboxes, tag InboxTag[T], id int64, v T) {
	box, ok := in.boxes[tag.name]
	if !ok {
		box = make(map[int64][]any)
		in.boxes[tag.name] = box
	}
	box[id] = append(box[id], v)
}

// Count returns how many payloads have arrived for id.
func Count[T any](in *Inboxes, tag InboxTag[T], id int64) int {
	return len(in.boxes[tag.name][id])
}

// Peek returns the payloads for id without removing them.
func Peek[T any](in *Inboxes, tag InboxTag[T], id int64) []T {
	stored := in.boxes[tag.name][id]
	out := make([]T, len(stored))
	for i, v := range stored {
		resolved, err := pup.Resolve[T](v)
		if err != nil {
			panic(err)
		}
		stored[i] = resolved
		out[i] = resolved
	}
	return out
}

// Take returns and removes the payloads for id.
func Take[T any](in *Inboxes, tag InboxTag[T], id int64) []T {
	out := Peek(in, tag, id)
	if box, ok := in.boxes[tag.name]; ok {
		delete(box, id)
		if len(box) == 0 {
			delete(in.boxes, tag.name)
		}
	}
	return out
}

// IDs returns the temporal ids with pending payloads in inbox name, sorted.
func (in *Inboxes) IDs(name string) []int64 {
	box := in.boxes[name]
	ids := make([]int64, 0, len(box))
	for id := range box {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the total number of pending payloads across all inboxes.
func (in *Inboxes) Len() int {
	n := 0
	for _, box := range in.boxes {
		for _, payloads := range box {
			n += len(payloads)
		}
	}
	return n
}

type inboxRecord struct {
	Name     string `msgpack:"name"`
	ID       int64  `msgpack:"id"`
	Payloads []any  `msgpack:"payloads"`
}

type rawInboxRecord struct {
	Name     string    `msgpack:"name"`
	ID       int64     `msgpack:"id"`
	Payloads []pup.Raw `msgpack:"payloads"`
}

// Pack encodes every inbox as records sorted by inbox name, then id.
func (in *Inboxes) Pack() ([]byte, error) {
	names := make([]string, 0, len(in.boxes))
	for name := range in.boxes {
		names = append(names, name)
	}
	slices.Sort(names)
	var records []inboxRecord
	for _, name := range names {
		for _, id := range in.IDs(name) {
			records = append(records, inboxRecord{Name: name, ID: id, Payloads: in.boxes[name][id]})
		}
	}
	return pup.Pack(records)
}

// UnpackInboxes decodes inboxes written by Pack. Payloads decode lazily on
// first Peek or Take.
func UnpackInboxes(data []byte) (*Inboxes, error) {
	var records []rawInboxRecord
	if err := pup.Unpack(data, &records); err != nil {
		return nil, err
	}
	in := NewInboxes()
	for _, r := range records {
		box, ok := in.boxes[r.Name]
		if !ok {
			box = make(map[int64][]any)
			in.boxes[r.Name] = box
		}
		for _, p := range r.Payloads {
			box[r.ID] = append(box[r.ID], p)
		}
	}
	return in, nil
}
