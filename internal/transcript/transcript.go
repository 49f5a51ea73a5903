// Package transcript parses the assistant's append-only JSONL session
// files. Each line is one Entry; malformed or partially-written trailing
// lines are skipped, so a reader racing the writer simply picks the line
// up on the next read.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// maxLineSize is the maximum line buffer size for reading JSONL files (10 MB).
const maxLineSize = 10 * 1024 * 1024

// Entry represents a single line from a transcript JSONL file.
type Entry struct {
	UUID              string          `json:"uuid"`
	ParentUUID        string          `json:"parentUuid"`
	Timestamp         time.Time       `json:"timestamp"`
	Type              string          `json:"type"`
	Message           json.RawMessage `json:"message"`
	Raw               json.RawMessage `json:"-"`
	LineIndex         int             `json:"-"`
	IsSidechain       bool            `json:"isSidechain"`
	IsAPIErrorMessage bool            `json:"isApiErrorMessage"`
	Cwd               string          `json:"cwd"`
}

// Usage extracts message.usage.{input_tokens,output_tokens,...} when present.
// Returns the zero value and false when the entry carries no usage block
// (e.g. user messages, or assistant messages before the first token).
func (e *Entry) Usage() (Usage, bool) {
	var wrapper struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(e.Message, &wrapper); err != nil || wrapper.Usage == nil {
		return Usage{}, false
	}
	return *wrapper.Usage, true
}

// CompletedAt reports whether the entry carries a stop/completion
// timestamp. Entries of type other than "assistant" never complete in
// this sense.
func (e *Entry) CompletedAt() (time.Time, bool) {
	if e.Type != "assistant" {
		return time.Time{}, false
	}
	var wrapper struct {
		StopTimestamp *time.Time `json:"stopTimestamp"`
	}
	if err := json.Unmarshal(e.Raw, &wrapper); err != nil || wrapper.StopTimestamp == nil {
		return time.Time{}, false
	}
	return *wrapper.StopTimestamp, true
}

// Usage mirrors the message.usage block of an assistant transcript record.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

// internalTypes are bookkeeping records filtered out before delivery.
var internalTypes = map[string]bool{
	"queue-operation":      true,
	"checkpoint":           true,
	"file-history-snapshot": true,
	"summary":              true,
}

// IsInternal reports whether the entry's type is filtered before delivery.
func (e *Entry) IsInternal() bool {
	return internalTypes[e.Type]
}

// ReadEntriesFile parses one transcript file in file order, skipping
// malformed lines.
func ReadEntriesFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

	lineIndex := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			lineIndex++
			continue
		}

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// Skip malformed lines.
			lineIndex++
			continue
		}

		e.Raw = make(json.RawMessage, len(line))
		copy(e.Raw, line)
		e.LineIndex = lineIndex
		entries = append(entries, e)
		lineIndex++
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	return entries, nil
}
