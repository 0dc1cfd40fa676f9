package runner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sweeney/launch-timer/internal/logic"
)

// Command is a control request for the run timer.
type Command string

const (
	CmdStart     Command = "START"
	CmdStop      Command = "STOP"
	CmdReset     Command = "RESET"
	CmdConfigure Command = "CONFIGURE"
)

// ErrUnknownCommand is returned by ParseCommand.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand parses a START, STOP or RESET control payload (case-insensitive).
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToUpper(strings.TrimSpace(s))); c {
	case CmdStart, CmdStop, CmdReset:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

type request struct {
	cmd     Command
	targets []logic.Target // CONFIGURE only
	unit    logic.Unit
	reply   chan error
}
