package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Nafiz1/task-management-api/internal/task/domain"
)

var _ Store = (*MemoryStorage)(nil)

// MemoryStorage is an in-process task store for tests and local runs
type MemoryStorage struct {
	mu    sync.RWMutex
	tasks map[string]domain.Task
	now   func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tasks: make(map[string]domain.Task),
		now:   time.Now,
	}
}

func (m *MemoryStorage) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tasks[task.TaskID] = *task
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, taskID string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return &task, nil
}

func (m *MemoryStorage) List(_ context.Context, filter domain.Filter) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]domain.Task, 0)
	for _, task := range m.tasks {
		if task.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if c := filter.Cursor; c != nil {
			if task.CreatedAt.After(c.CreatedAt) ||
				(task.CreatedAt.Equal(c.CreatedAt) && task.TaskID >= c.TaskID) {
				continue
			}
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, k int) bool {
		if tasks[i].CreatedAt.Equal(tasks[k].CreatedAt) {
			return tasks[i].TaskID > tasks[k].TaskID
		}
		return tasks[i].CreatedAt.After(tasks[k].CreatedAt)
	})

	if len(tasks) > filter.PageSize+1 {
		tasks = tasks[:filter.PageSize+1]
	}
	return tasks, nil
}

func (m *MemoryStorage) Update(_ context.Context, taskID string, update domain.Update) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	if update.Title != nil {
		task.Title = *update.Title
	}
	if update.Description != nil {
		task.Description = *update.Description
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	task.UpdatedAt = m.now().UTC()
	m.tasks[taskID] = task

	return &task, nil
}

func (m *MemoryStorage) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return domain.ErrTaskNotFound
	}
	delete(m.tasks, taskID)
	return nil
}

func (m *MemoryStorage) UpdateStatus(_ context.Context, taskID, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return false, nil
	}
	task.Status = status
	task.UpdatedAt = m.now().UTC()
	m.tasks[taskID] = task
	return true, nil
}

func (m *MemoryStorage) Ping(_ context.Context) error { return nil }
