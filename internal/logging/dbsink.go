package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one diagnostic row destined for the logs table.
type Entry struct {
	Level    string
	Service  string
	Message  string
	Error    string
	Metadata map[string]any
	TenantID string
	DeviceID string
}

// EntryWriter persists log entries. Implemented by the store.
type EntryWriter interface {
	InsertLog(ctx context.Context, e Entry) error
}

const sinkBuffer = 512

// DBSink forwards WARN and ERROR lines to the logs table without ever
// blocking the logging caller. Lines are dropped when the buffer is full.
type DBSink struct {
	service string
	ch      chan Entry
	once    sync.Once
	done    chan struct{}
}

// NewDBSink starts the background inserter.
func NewDBSink(ctx context.Context, writer EntryWriter, service string) *DBSink {
	s := &DBSink{
		service: service,
		ch:      make(chan Entry, sinkBuffer),
		done:    make(chan struct{}),
	}
	go s.run(ctx, writer)
	return s
}

// Write implements io.Writer over zerolog's JSON line output.
func (s *DBSink) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	level, _ := fields["level"].(string)
	switch strings.ToLower(level) {
	case "warn", "error", "fatal":
	default:
		return len(p), nil
	}

	entry := Entry{
		Level:   strings.ToUpper(level),
		Service: s.service,
	}
	if entry.Level == "FATAL" {
		entry.Level = "ERROR"
	}
	entry.Message, _ = fields["message"].(string)
	entry.Error, _ = fields["error"].(string)
	entry.TenantID, _ = fields["tenantId"].(string)
	entry.DeviceID, _ = fields["deviceId"].(string)

	meta := make(map[string]any)
	for k, v := range fields {
		switch k {
		case "level", "message", "error", "time", "component", "tenantId", "deviceId":
		default:
			meta[k] = v
		}
	}
	if len(meta) > 0 {
		entry.Metadata = meta
	}

	select {
	case s.ch <- entry:
	default:
		// Buffer full. The stderr stream still has the line.
	}
	return len(p), nil
}

func (s *DBSink) run(ctx context.Context, writer EntryWriter) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.drain(writer)
			return
		case entry := <-s.ch:
			s.insert(writer, entry)
		}
	}
}

// drain empties whatever is still buffered at shutdown so the final WARN and
// ERROR rows reach the logs table.
func (s *DBSink) drain(writer EntryWriter) {
	for {
		select {
		case entry := <-s.ch:
			s.insert(writer, entry)
		default:
			return
		}
	}
}

func (s *DBSink) insert(writer EntryWriter, entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writer.InsertLog(ctx, entry); err != nil {
		fmt.Fprintf(os.Stderr, "logging: db sink insert failed: %v\n", err)
	}
}

// Flush waits briefly for the background inserter to drain after ctx cancel.
func (s *DBSink) Flush(timeout time.Duration) {
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}
