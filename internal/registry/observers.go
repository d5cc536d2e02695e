package registry

import "github.com/matheus3301/wschat/internal/transport"

// Callback receives inbound frames for a channel key.
type Callback func(transport.Message)

type observer struct {
	id int
	fn Callback
}

// observers is the fan-out list of callbacks sharing one underlying listener.
// Removal is by id so a callback can unsubscribe itself while a snapshot of
// the list is being delivered.
type observers struct {
	next int
	list []observer
}

func (o *observers) add(fn Callback) int {
	id := o.next
	o.next++
	o.list = append(o.list, observer{id: id, fn: fn})
	return id
}

func (o *observers) remove(id int) bool {
	for i, ob := range o.list {
		if ob.id == id {
			o.list = append(o.list[:i:i], o.list[i+1:]...)
			return true
		}
	}
	return false
}

func (o *observers) snapshot() []Callback {
	out := make([]Callback, len(o.list))
	for i, ob := range o.list {
		out[i] = ob.fn
	}
	return out
}

func (o *observers) len() int { return len(o.list) }
