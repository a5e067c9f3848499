package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskKind names the queue task type.
type TaskKind string

// Task kinds on the wire.
const (
	TaskCrawlBoard TaskKind = "crawl_board"
	TaskCrawlActor TaskKind = "crawl_actor"

	legacyTaskCrawlActor TaskKind = "crawl_bsky_actor"
)

// Task is the queue payload. EmissionID is informational only; executing the
// same task twice is safe regardless of its value.
type Task struct {
	Kind       TaskKind `json:"task_kind"`
	TargetID   string   `json:"target_id"`
	EmissionID string   `json:"emission_id,omitempty"`
}

// TaskFor builds the task that crawls target.
func TaskFor(target Target) Task {
	kind := TaskCrawlBoard
	if target.Platform == PlatformFeed {
		kind = TaskCrawlActor
	}
	return Task{Kind: kind, TargetID: target.ID()}
}

// Target resolves the task's target and checks the kind matches the platform.
// An identifier without a known platform prefix, such as a bare handle or a
// DID, takes its platform from the kind.
func (t Task) Target() (Target, error) {
	prefix, _, ok := strings.Cut(t.TargetID, ":")
	if _, err := ParsePlatform(prefix); !ok || err != nil {
		platform := PlatformForum
		if t.Kind == TaskCrawlActor {
			platform = PlatformFeed
		}
		return Target{Platform: platform, Identifier: t.TargetID}, nil
	}
	target, err := ParseTargetID(t.TargetID)
	if err != nil {
		return Target{}, err
	}
	want := TaskFor(target).Kind
	if t.Kind != want {
		return Target{}, fmt.Errorf("task kind %q does not match target %s", t.Kind, t.TargetID)
	}
	return target, nil
}

// Encode serializes the task for a transport.
func (t Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return data, nil
}

// DecodeTask parses a transport payload.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.Kind == legacyTaskCrawlActor {
		t.Kind = TaskCrawlActor
	}
	switch t.Kind {
	case TaskCrawlBoard, TaskCrawlActor:
	default:
		return Task{}, fmt.Errorf("unknown task kind %q", t.Kind)
	}
	if t.TargetID == "" {
		return Task{}, fmt.Errorf("task target_id is required")
	}
	return t, nil
}
