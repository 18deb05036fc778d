// Package trigger starts processing of the next chunk of a broadcast.
//
// Three modes exist. HTTP calls the service's own /api/process-chunk endpoint and does not
// wait for the answer, so each chunk runs in a fresh invocation. Local hands chunks to an
// in-process worker pool. Redis pushes chunks onto a list that workers in any replica pop.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ProcessFunc runs one chunk; it is the orchestrator's Process with the result dropped.
type ProcessFunc func(ctx context.Context, jobID string, index int) error

var (
	ErrQueueFull = errors.New("trigger queue full")
	ErrStopped   = errors.New("trigger stopped")
)

const (
	ModeHTTP  = "http"
	ModeLocal = "local"
	ModeRedis = "redis"
)

func encodeTask(jobID string, index int) string {
	return jobID + ":" + strconv.Itoa(index)
}

func decodeTask(s string) (string, int, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed task %q", s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("malformed task %q", s)
	}
	return s[:i], idx, nil
}
