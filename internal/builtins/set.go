// ABOUTME: Command set type shared by the Stubs and Core implementations.
// ABOUTME: A set registers every handler under its implementation tag.

package builtins

import "github.com/2389/gami/internal/command"

// Implementation tags.
const (
	ImplementationStubs = "Stubs"
	ImplementationCore  = "Core"
)

// Command binds a handler to a group and procedure name.
type Command struct {
	Group   string
	Name    string
	Handler command.Handler
}

// Set is the commands of one implementation.
type Set struct {
	Implementation string
	Commands       []Command
}

// RegisterAll registers every command and returns how many were accepted.
// Commands whose key is already taken are dropped by the registry.
func (s *Set) RegisterAll(reg *command.Registry) int {
	n := 0
	for _, c := range s.Commands {
		if reg.Register(s.Implementation, c.Group, c.Name, c.Handler) {
			n++
		}
	}
	return n
}

// Names lists the procedure names in registration order.
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.Commands))
	for _, c := range s.Commands {
		out = append(out, c.Name)
	}
	return out
}
