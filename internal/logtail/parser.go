// Copyright (C) 2026 Taskhive
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logtail parses agent stream-json logs into the canonical event
// shapes consumed by the log websocket, and follows growing .jsonl files.
package logtail

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const (
	rawTextCap      = 500
	systemTextCap   = 300
	inputSummaryCap = 200
)

// Event is the canonical log event delivered to consumers.
type Event struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Input     string          `json:"input,omitempty"`
	InputRaw  json.RawMessage `json:"input_raw,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Cost      *float64        `json:"cost,omitempty"`
	Duration  *int64          `json:"duration,omitempty"`
	Turns     *int            `json:"turns,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// rawEvent is the subset of the stream-json format we care about.
type rawEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	CostUSD    *float64        `json:"cost_usd"`
	DurationMS *int64          `json:"duration_ms"`
	NumTurns   *int            `json:"num_turns"`
	SessionID  string          `json:"session_id"`
	Error      json.RawMessage `json:"error"`
	Message    json.RawMessage `json:"message"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ParseLine converts one raw log line into zero or more canonical events.
// Unparsable lines become a single raw event capped at 500 chars.
func ParseLine(line string) []Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return []Event{{Type: "raw", Text: truncate(line, rawTextCap)}}
	}
	return parseEvent(raw)
}

func parseEvent(raw rawEvent) []Event {
	switch raw.Type {
	case "assistant":
		return parseAssistant(raw.Message)

	case "result":
		return []Event{{
			Type:      "result",
			Subtype:   raw.Subtype,
			Cost:      raw.CostUSD,
			Duration:  raw.DurationMS,
			Turns:     raw.NumTurns,
			SessionID: raw.SessionID,
		}}

	case "error":
		msg := "unknown error"
		if len(raw.Error) > 0 {
			var s string
			if err := json.Unmarshal(raw.Error, &s); err == nil {
				msg = s
			} else {
				msg = string(raw.Error)
			}
		}
		return []Event{{Type: "error", Error: truncate(msg, rawTextCap)}}

	case "system":
		var s string
		if err := json.Unmarshal(raw.Message, &s); err != nil {
			s = string(raw.Message)
		}
		return []Event{{Type: "system", Text: truncate(s, systemTextCap)}}
	}

	return nil
}

// parseAssistant emits one event per text block and one per tool_use.
func parseAssistant(message json.RawMessage) []Event {
	if len(message) == 0 {
		return nil
	}

	// Plain-string messages happen in older log formats.
	var plain string
	if err := json.Unmarshal(message, &plain); err == nil {
		return []Event{{Type: "assistant", Text: plain}}
	}

	var wrapped struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(message, &wrapped); err != nil {
		return nil
	}

	var events []Event
	for _, block := range wrapped.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, Event{Type: "assistant", Text: block.Text})
			}
		case "tool_use":
			events = append(events, Event{
				Type:     "tool_use",
				Tool:     block.Name,
				Input:    toolInputSummary(block.Name, block.Input),
				InputRaw: block.Input,
			})
		}
	}
	return events
}

// toolInputSummary renders a human-readable one-liner for a tool call.
func toolInputSummary(tool string, input json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return truncate(string(input), inputSummaryCap)
	}

	str := func(key string) string {
		if v, ok := fields[key].(string); ok {
			return v
		}
		return ""
	}

	var summary string
	switch strings.ToLower(tool) {
	case "read", "write", "edit", "multiedit", "notebookedit":
		summary = str("file_path")
	case "bash", "shell":
		summary = str("command")
	case "grep", "glob", "search":
		summary = "/" + str("pattern") + "/"
		if path := str("path"); path != "" {
			summary += " " + path
		}
	case "webfetch":
		summary = str("url")
	case "task", "agent":
		summary = str("description")
	case "todowrite":
		if todos, ok := fields["todos"].([]any); ok {
			summary = fmt.Sprintf("%d todos", len(todos))
		}
	}
	if summary == "" || summary == "//" {
		compact, err := json.Marshal(fields)
		if err != nil {
			return ""
		}
		summary = string(compact)
	}
	return truncate(summary, inputSummaryCap)
}

// ParseLogFile reads a whole log file into canonical events. A missing
// file yields an empty slice.
func ParseLogFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, nil
		}
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	events := []Event{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		events = append(events, ParseLine(scanner.Text())...)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("failed to read log file: %w", err)
	}
	return events, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
