package main

import (
	"context"
	"errors"
	"testing"

	"github.com/Nafiz1/task-management-api/shared/logger"
	"github.com/stretchr/testify/assert"
)

type fakeServer struct {
	err error
}

func (s *fakeServer) Shutdown(context.Context) error { return s.err }

type fakeProducer struct {
	waited bool
}

func (p *fakeProducer) Wait() { p.waited = true }

func TestShutdown(t *testing.T) {
	tests := []struct {
		name      string
		serverErr error
	}{
		{name: "clean drain", serverErr: nil},
		{name: "drain deadline exceeded", serverErr: context.DeadlineExceeded},
		{name: "drain failure", serverErr: errors.New("listener closed")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := &fakeProducer{}

			err := shutdown(context.Background(), &fakeServer{err: tt.serverErr}, jobs, logger.NewDiscard())

			assert.ErrorIs(t, err, tt.serverErr)
			assert.True(t, jobs.waited, "background enqueues must be awaited")
		})
	}
}
