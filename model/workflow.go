package model

import "time"

// Keys of a workflow event document.
const (
	EventPrevDoc   = "prevDoc"
	EventPrevState = "prevState"
	EventNewState  = "newState"
	EventUser      = "user"
	EventUserName  = "userName"
	EventDate      = "date"
)

// PriorAbsent marks a field that had no value before a transition.
const PriorAbsent = "none"

// WorkflowEvent is an immutable audit record of one state transition.
type WorkflowEvent struct {
	ID        string         `json:"id"`
	PrevDoc   map[string]any `json:"prevDoc"`
	PrevState State          `json:"prevState"`
	NewState  State          `json:"newState"`
	User      string         `json:"user"`
	UserName  string         `json:"userName"`
	Date      time.Time      `json:"date"`
}

// Document returns the event as a store payload.
func (e WorkflowEvent) Document() Document {
	prev := e.PrevDoc
	if prev == nil {
		prev = map[string]any{}
	}
	return Document{
		EventPrevDoc:   prev,
		EventPrevState: int(e.PrevState),
		EventNewState:  int(e.NewState),
		EventUser:      e.User,
		EventUserName:  e.UserName,
		EventDate:      e.Date,
	}
}

// EventFromDocument decodes a stored event document.
func EventFromDocument(id string, doc Document) WorkflowEvent {
	evt := WorkflowEvent{
		ID:       id,
		User:     doc.String(EventUser),
		UserName: doc.String(EventUserName),
	}
	if prev, ok := doc[EventPrevDoc].(map[string]any); ok {
		evt.PrevDoc = prev
	} else if prev, ok := doc[EventPrevDoc].(Document); ok {
		evt.PrevDoc = prev
	}
	if s, ok := doc.Int(EventPrevState); ok {
		evt.PrevState = State(s)
	}
	if s, ok := doc.Int(EventNewState); ok {
		evt.NewState = State(s)
	}
	evt.Date, _ = doc.Time(EventDate)
	return evt
}

// Transition summarizes the outcome of an approval submission.
type Transition struct {
	RequestID string         `json:"request_id"`
	PrevState State          `json:"prev_state"`
	NewState  State          `json:"new_state"`
	Rule      string         `json:"rule,omitempty"`
	Changed   map[string]any `json:"changed"`
	EventID   string         `json:"event_id,omitempty"`
	Persisted bool           `json:"persisted"`
}
