package core

import (
	"github.com/edge-ibn/ibnd/internal/events"
	"github.com/edge-ibn/ibnd/internal/model"
)

func eventOf(kind string, intent model.Intent) events.Event {
	return events.Event{Kind: kind, Payload: intent}
}
