// Package engine runs the external visual-diff engine (BackstopJS) against a prepared workspace.
package engine

import (
	"context"
	"strings"
)

// Command is an engine subcommand
type Command string

const (
	// CommandReference captures the baseline screenshots
	CommandReference Command = "reference"
	// CommandTest captures the candidate screenshots and compares them with the baseline
	CommandTest Command = "test"
)

// Runner executes one engine command for the config file at configPath.
// A non-nil error means the command did not complete; the report may still be partial.
type Runner interface {
	Run(ctx context.Context, command Command, configPath string) error
}

func configPathArg(configPath string) string {
	return "--configPath=" + configPath
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return strings.TrimSpace(string(t.buf))
}
