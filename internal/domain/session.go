package domain

import "time"

// Mode selects which backend agent persona answers a question. It also
// namespaces session ids so histories across modes never collide.
type Mode string

const (
	ModeGeneral       Mode = "general"
	ModePlanning      Mode = "planning"
	ModeSpecification Mode = "specification"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeGeneral, ModePlanning, ModeSpecification:
		return true
	}
	return false
}

// SessionPrefix returns the id prefix for the mode. General sessions are
// unprefixed for compatibility with pre-mode history records.
func (m Mode) SessionPrefix() string {
	switch m {
	case ModePlanning:
		return "planning_"
	case ModeSpecification:
		return "specification_"
	default:
		return ""
	}
}

// ChatSession is one logically continuous conversation. Reset never mutates a
// session in place: it abandons the old id and issues a new one.
type ChatSession struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
}
