// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

package logtail

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/taskhive/taskhive/internal/logger"
)

const (
	appearanceWait = 60 * time.Second
	appearancePoll = time.Second
	readPoll       = 300 * time.Millisecond
)

// Tail follows a .jsonl log file and sends canonical events on the
// returned channel until ctx is cancelled. If the file does not exist it
// waits up to a minute for it to appear; live tailing starts at the
// current end of the file. The channel is closed when tailing stops.
func Tail(ctx context.Context, path string) <-chan Event {
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		tail(ctx, path, out)
	}()
	return out
}

func tail(ctx context.Context, path string, out chan<- Event) {
	log := logger.GetLogtailLogger()

	f, err := waitForFile(ctx, path)
	if err != nil {
		log.Debug().Str("path", path).Msg("Log file never appeared")
		return
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to seek log file")
		return
	}

	reader := bufio.NewReader(f)
	var partial strings.Builder
	for {
		chunk, err := reader.ReadString('\n')
		partial.WriteString(chunk)
		if err != nil {
			// No complete line yet; wait for the writer.
			select {
			case <-ctx.Done():
				return
			case <-time.After(readPoll):
			}
			continue
		}

		line := partial.String()
		partial.Reset()
		for _, event := range ParseLine(line) {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

// waitForFile polls for the file to exist, bounded by appearanceWait.
func waitForFile(ctx context.Context, path string) (*os.File, error) {
	deadline := time.Now().Add(appearanceWait)
	for {
		f, err := os.Open(path)
		if err == nil {
			return f, nil
		}
		if !os.IsNotExist(err) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(appearancePoll):
		}
	}
}
