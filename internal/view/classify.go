package view

import (
	"livetable/internal/query"
	"livetable/internal/table"
)

// Transition labels what a raw update event means for one filtered view.
type Transition int

const (
	// Enter: the row did not match before the update and matches now.
	Enter Transition = iota
	// Leave: the row matched before the update and no longer does.
	Leave
	// StayIn: the row matched before and after.
	StayIn
	// StayOut: the row matched neither before nor after; the view
	// ignores the event entirely.
	StayOut
)

func (t Transition) String() string {
	switch t {
	case Enter:
		return "enter"
	case Leave:
		return "leave"
	case StayIn:
		return "stay-in"
	case StayOut:
		return "stay-out"
	default:
		return "unknown"
	}
}

// Classify derives the membership transition for an update from the old
// and new versions of the row. With no predicate every update is a
// pass-through update (StayIn). This is what turns one raw "row updated"
// event into the correct insert/delete/update/nothing per view.
func Classify(pred query.Expr, old, new table.Row) Transition {
	if pred == nil {
		return StayIn
	}
	return transitionOf(query.Evaluate(pred, old), query.Evaluate(pred, new))
}

func transitionOf(oldIn, newIn bool) Transition {
	switch {
	case !oldIn && newIn:
		return Enter
	case oldIn && !newIn:
		return Leave
	case oldIn && newIn:
		return StayIn
	default:
		return StayOut
	}
}
