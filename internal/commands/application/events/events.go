// Package events defines the bus payloads published by the command queue
// and dispatcher.
package events

import (
	"time"

	commands "github.com/vcsantana/rastreio-new-trac-sub000/internal/commands/domain"
)

// CommandStatusChanged is published on every delivery state transition.
// From is empty when the command is first accepted into the queue.
type CommandStatusChanged struct {
	Command commands.Command
	From    commands.Status
	To      commands.Status
	At      time.Time
}
