package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/desertthunder/setgraph/internal/parser"
	"github.com/desertthunder/setgraph/internal/shared"
)

// failWriter rejects every write.
type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("writer closed") }

func newTestApp(output *bytes.Buffer) *cli.Command {
	runner := NewRunner(RunnerOpts{
		Logger: shared.NewLogger(&bytes.Buffer{}),
		Output: output,
	})
	return &cli.Command{Name: "setgraph", Commands: runner.register()}
}

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}

			runner := NewRunner(RunnerOpts{Logger: logger, Output: output})

			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
		})

		t.Run("with nil logger uses default", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})

			if runner.logger == nil {
				t.Error("expected default logger to be set")
			}
		})

		t.Run("with nil output uses stdout", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{})

			if runner.output != os.Stdout {
				t.Error("expected output to default to os.Stdout")
			}
		})
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("writes formatted JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			err := runner.writeJSON(map[string]string{"key": "value"}, true)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			result := output.String()
			if !strings.Contains(result, `"key": "value"`) {
				t.Errorf("expected formatted JSON, got %s", result)
			}
			if !strings.HasSuffix(result, "\n") {
				t.Error("expected output to end with newline")
			}
		})

		t.Run("writes compact JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			expected := `{"key":"value"}` + "\n"
			if result := output.String(); result != expected {
				t.Errorf("expected %q, got %q", expected, result)
			}
		})

		t.Run("handles marshal error with non-serializable data", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &bytes.Buffer{}})

			err := runner.writeJSON(make(chan int), false)
			if err == nil {
				t.Fatal("expected error for non-serializable data")
			}
			if !strings.Contains(err.Error(), "failed to marshal JSON") {
				t.Errorf("expected marshal error, got %v", err)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: failWriter{}})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil {
				t.Fatal("expected error from failing writer")
			}
			if !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		runner := NewRunner(RunnerOpts{})
		commands := runner.register()

		if len(commands) != 5 {
			t.Fatalf("expected 5 commands, got %d", len(commands))
		}
		names := map[string]bool{}
		for i, cmd := range commands {
			if cmd == nil {
				t.Fatalf("command at index %d is nil", i)
			}
			names[cmd.Name] = true
		}
		for _, want := range []string{"setup", "scrape", "resolve", "retry-worker", "parse"} {
			if !names[want] {
				t.Errorf("expected %q command to be registered", want)
			}
		}
	})
}

func TestParseCommand(t *testing.T) {
	t.Run("prints the structured record", func(t *testing.T) {
		output := &bytes.Buffer{}
		app := newTestApp(output)

		err := app.Run(context.Background(), []string{
			"setgraph", "parse", "--pretty=false", "Tale Of Us - Nova (Adam Beyer Remix)",
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		var track parser.ParsedTrack
		if err := json.Unmarshal(output.Bytes(), &track); err != nil {
			t.Fatalf("output is not valid JSON: %v", err)
		}
		if track.TrackName != "Nova" {
			t.Errorf("expected track name Nova, got %q", track.TrackName)
		}
		if len(track.PrimaryArtists) != 1 || track.PrimaryArtists[0] != "Tale Of Us" {
			t.Errorf("unexpected primary artists %v", track.PrimaryArtists)
		}
		if !track.IsRemix || len(track.RemixerArtists) != 1 || track.RemixerArtists[0] != "Adam Beyer" {
			t.Errorf("expected Adam Beyer remix, got %+v", track)
		}
	})

	t.Run("dropped citation produces no record", func(t *testing.T) {
		output := &bytes.Buffer{}
		app := newTestApp(output)

		err := app.Run(context.Background(), []string{"setgraph", "parse", "ID - ID"})
		if err != nil {
			t.Fatalf("expected drop to be reported without error, got %v", err)
		}
		if output.Len() != 0 {
			t.Errorf("expected no output for dropped citation, got %q", output.String())
		}
	})

	t.Run("missing citation argument errors", func(t *testing.T) {
		app := newTestApp(&bytes.Buffer{})

		err := app.Run(context.Background(), []string{"setgraph", "parse"})
		if err == nil {
			t.Fatal("expected error for missing citation")
		}
	})
}
