// Package queue defines the wire format of fetch tasks and the runner contract
// shared by the task engine backends.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/softK1T/crawler-api/internal/crawler"
)

// TaskTypeFetch is the task type name used on the wire.
const TaskTypeFetch = "crawl:fetch"

// Runner executes submitted tasks with handler until ctx ends.
type Runner interface {
	Run(ctx context.Context, handler crawler.TaskHandler) error
}

// EncodeTask serializes a task for the engine. The job id is not part of the
// payload; the engine assigns it.
func EncodeTask(task crawler.FetchTask) ([]byte, error) {
	if task.URL == "" {
		return nil, errors.New("task url is required")
	}
	task.JobID = ""
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	return data, nil
}

// DecodeTask parses a payload produced by EncodeTask.
func DecodeTask(data []byte) (crawler.FetchTask, error) {
	var task crawler.FetchTask
	if err := json.Unmarshal(data, &task); err != nil {
		return crawler.FetchTask{}, fmt.Errorf("unmarshal task: %w", err)
	}
	if task.URL == "" {
		return crawler.FetchTask{}, errors.New("task url is required")
	}
	return task, nil
}
