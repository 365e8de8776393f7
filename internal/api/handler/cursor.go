package handler

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	queuedomain "github.com/Nafiz1/task-management-api/internal/queue/domain"
	taskdomain "github.com/Nafiz1/task-management-api/internal/task/domain"
)

// cursors are "<unix nanos>|<id>", base64url encoded
func decodeCursor(cursorStr string) (time.Time, string, bool, error) {
	if cursorStr == "" {
		return time.Time{}, "", false, nil
	}

	decoded, err := base64.RawURLEncoding.DecodeString(cursorStr)
	if err != nil {
		return time.Time{}, "", false, err
	}

	decodedParts := strings.Split(string(decoded), "|")
	if len(decodedParts) != 2 || decodedParts[1] == "" {
		return time.Time{}, "", false, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(decodedParts[0], "%d", &nanos); err != nil {
		return time.Time{}, "", false, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return time.Unix(0, nanos).UTC(), decodedParts[1], true, nil
}

func encodeCursor(t time.Time, id string) string {
	cs := fmt.Sprintf("%d|%s", t.UnixNano(), id)
	return base64.RawURLEncoding.EncodeToString([]byte(cs))
}

func DecodeTaskCursor(cursorStr string) (*taskdomain.Cursor, error) {
	t, id, ok, err := decodeCursor(cursorStr)
	if err != nil || !ok {
		return nil, err
	}
	return &taskdomain.Cursor{CreatedAt: t, TaskID: id}, nil
}

func EncodeTaskCursor(task *taskdomain.Task) string {
	return encodeCursor(task.CreatedAt, task.TaskID)
}

func DecodeJobCursor(cursorStr string) (*queuedomain.Cursor, error) {
	t, id, ok, err := decodeCursor(cursorStr)
	if err != nil || !ok {
		return nil, err
	}
	return &queuedomain.Cursor{EnqueuedAt: t, JobID: id}, nil
}

func EncodeJobCursor(job *queuedomain.Job) string {
	return encodeCursor(job.EnqueuedAt, job.JobID)
}
