// Package shell implements the "shell" task handler.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"localq/internal/domain"
)

const maxOutput = 4 << 10

// Cmd is the task payload. The command is executed directly, not through a shell.
type Cmd struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Dir     string            `json:"dir"`
	Env     map[string]string `json:"env"`
}

type Handler struct {
	Log zerolog.Logger
}

func New(log zerolog.Logger) Handler {
	return Handler{Log: log.With().Str("handler", "shell").Logger()}
}

// Handle runs the command under ctx. A non-zero exit fails the task with the
// tail of its combined output.
func (h Handler) Handle(ctx context.Context, payload json.RawMessage) error {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return fmt.Errorf("%w: invalid shell payload: %v", domain.ErrInvalidTask, err)
	}
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("%w: command is required", domain.ErrInvalidTask)
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	out, err := cmd.CombinedOutput()
	h.Log.Debug().Str("command", c.Command).Strs("args", c.Args).Int("output_bytes", len(out)).Msg("shell task finished")
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w: %s", c.Command, err, tail(out))
	}
	return nil
}

func tail(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > maxOutput {
		out = out[len(out)-maxOutput:]
	}
	return string(out)
}
