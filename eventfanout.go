package paneld

import (
	"pkt.systems/paneld/core"
	"pkt.systems/paneld/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnConfigEvent(event schema.ConfigEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnConfigEvent(event)
	}
}
