package tui

import (
	"context"
	"io"
	"strings"

	"github.com/hpcloud/tail"

	"github.com/fentz26/mlflow-exim/internal/audit"
)

// Feed follows a progress.jsonl file, including lines appended after it was
// opened. The file does not need to exist yet.
type Feed struct {
	t *tail.Tail
}

// Follow starts following path from its first line.
func Follow(path string) (*Feed, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return nil, err
	}
	return &Feed{t: t}, nil
}

// Next blocks until the next event is appended. It returns io.EOF once the
// feed is closed.
func (f *Feed) Next(ctx context.Context) (audit.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return audit.Event{}, ctx.Err()
		case line, ok := <-f.t.Lines:
			if !ok {
				return audit.Event{}, io.EOF
			}
			if line.Err != nil {
				return audit.Event{}, line.Err
			}
			if strings.TrimSpace(line.Text) == "" {
				continue
			}
			return audit.ParseEvent([]byte(line.Text))
		}
	}
}

// Close stops following the file.
func (f *Feed) Close() error {
	err := f.t.Stop()
	f.t.Cleanup()
	return err
}
