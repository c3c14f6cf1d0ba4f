package ui

import (
	"time"

	"github.com/xlttj/pbiproxy/pkg/proxy"
)

// tickMsg triggers a periodic refresh.
type tickMsg time.Time

// refreshedMsg reports the end of a refresh started by the model.
type refreshedMsg struct {
	err error
}

// eventMsg carries one bus event into the update loop.
type eventMsg proxy.Event

// eventsClosedMsg is sent once the event subscription is gone.
type eventsClosedMsg struct{}

// quitMsg is sent when the surrounding context is cancelled.
type quitMsg struct{}

// logLine is one entry of the event pane.
type logLine struct {
	Time    time.Time
	Text    string
	IsError bool
}
