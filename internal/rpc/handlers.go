package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/driver"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// Version of the daemon
const Version = "0.1.0-dev"

func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("params required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

// ========================================
// Scheduler handlers
// ========================================

// SchedulerStatusResult is the response for scheduler_status.
type SchedulerStatusResult struct {
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Driver    driver.Status     `json:"driver"`
	Breakers  map[string]string `json:"breakers,omitempty"`
	WSClients int               `json:"ws_clients"`
}

func (s *Server) schedulerStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := &SchedulerStatusResult{
		Version:   Version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Driver:    s.driver.Status(),
		WSClients: s.wsHub.ClientCount(),
	}
	if s.breakers != nil {
		result.Breakers = s.breakers()
	}
	return result, nil
}

// PairInfo describes one configured resource pair.
type PairInfo struct {
	Name         string        `json:"name"`
	Self         swap.Resource `json:"self"`
	Counterparty swap.Resource `json:"counterparty"`
	Pending      int           `json:"pending"`
}

// PairsListResult is the response for pairs_list.
type PairsListResult struct {
	Pairs []PairInfo `json:"pairs"`
	Count int        `json:"count"`
}

func (s *Server) pairsList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pairs := s.driver.Pairs()
	result := make([]PairInfo, 0, len(pairs))
	for _, p := range pairs {
		tasks, err := s.store.ListTasks(ctx, p.Self)
		if err != nil {
			return nil, err
		}
		result = append(result, PairInfo{
			Name:         p.Name,
			Self:         p.Self,
			Counterparty: p.Counterparty,
			Pending:      len(tasks),
		})
	}

	return &PairsListResult{
		Pairs: result,
		Count: len(result),
	}, nil
}

// ========================================
// Task handlers
// ========================================

// TaskInfo is a pending task with its recorded observations.
type TaskInfo struct {
	TaskID      swap.TaskID        `json:"task_id"`
	Pair        string             `json:"pair"`
	Path        string             `json:"path"`
	CreatedAt   int64              `json:"created_at"`
	Flags       *storage.TaskFlags `json:"flags"`
	SecretKnown bool               `json:"secret_known"`
}

func (s *Server) taskInfo(ctx context.Context, pair swap.ResourcePair, task *storage.Task) (*TaskInfo, error) {
	flags, err := s.store.GetFlags(ctx, pair.Self, task.TaskID)
	if err != nil {
		return nil, err
	}
	known, err := s.store.HasSecret(ctx, task.TaskID)
	if err != nil {
		return nil, err
	}
	return &TaskInfo{
		TaskID:      task.TaskID,
		Pair:        task.Pair,
		Path:        task.Path,
		CreatedAt:   task.CreatedAt.Unix(),
		Flags:       flags,
		SecretKnown: known,
	}, nil
}

// TasksListParams is the request for tasks_list.
type TasksListParams struct {
	Pair string `json:"pair,omitempty"`
}

// TasksListResult is the response for tasks_list.
type TasksListResult struct {
	Tasks []*TaskInfo `json:"tasks"`
	Count int         `json:"count"`
}

func (s *Server) tasksList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TasksListParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("%v", err)
		}
	}
	if p.Pair != "" {
		if _, ok := s.driver.Pair(p.Pair); !ok {
			return nil, invalidParams("unknown pair %q", p.Pair)
		}
	}

	tasks, err := s.store.ListAllTasks(ctx, p.Pair)
	if err != nil {
		return nil, err
	}

	result := make([]*TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		pair, ok := s.driver.Pair(task.Pair)
		if !ok {
			// Registered under a pair this instance no longer drives.
			continue
		}
		info, err := s.taskInfo(ctx, pair, task)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}

	return &TasksListResult{
		Tasks: result,
		Count: len(result),
	}, nil
}

// TaskParams identifies one task.
type TaskParams struct {
	Pair   string `json:"pair"`
	TaskID string `json:"task_id"`
}

func (s *Server) resolveTask(params json.RawMessage) (swap.ResourcePair, swap.TaskID, error) {
	var p TaskParams
	if err := parseParams(params, &p); err != nil {
		return swap.ResourcePair{}, "", err
	}
	return s.lookup(p.Pair, p.TaskID)
}

func (s *Server) lookup(pairName, taskID string) (swap.ResourcePair, swap.TaskID, error) {
	pair, ok := s.driver.Pair(pairName)
	if !ok {
		return swap.ResourcePair{}, "", invalidParams("unknown pair %q", pairName)
	}
	h, err := swap.ParseTaskID(taskID)
	if err != nil {
		return swap.ResourcePair{}, "", invalidParams("%v", err)
	}
	return pair, h, nil
}

func (s *Server) tasksGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pair, h, err := s.resolveTask(params)
	if err != nil {
		return nil, err
	}

	task, err := s.store.GetTaskRecord(ctx, pair.Self, h)
	if err != nil {
		return nil, err
	}
	return s.taskInfo(ctx, pair, task)
}

// TasksAddParams is the request for tasks_add.
type TasksAddParams struct {
	Pair   string `json:"pair"`
	TaskID string `json:"task_id"`
	// Secret is the hash-lock preimage when this side generated it.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) tasksAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TasksAddParams
	if err := parseParams(params, &p); err != nil {
		return nil, err
	}
	pair, h, err := s.lookup(p.Pair, p.TaskID)
	if err != nil {
		return nil, err
	}

	var secret *swap.Secret
	if p.Secret != "" {
		parsed, err := swap.ParseSecret(p.Secret)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		if !parsed.Opens(h) {
			return nil, invalidParams("%v", storage.ErrSecretMismatch)
		}
		secret = &parsed
	}

	// Register first so a duplicate request leaves nothing behind.
	if err := s.store.AddTask(ctx, pair.Name, pair.Self, h); err != nil {
		if errors.Is(err, storage.ErrTaskExists) {
			return nil, invalidParams("task %s already registered for %s", h.Short(), pair.Name)
		}
		return nil, err
	}

	task, err := s.store.GetTaskRecord(ctx, pair.Self, h)
	if err == nil && secret != nil {
		err = s.store.SaveSecret(ctx, h, *secret, storage.SecretSourceOperator, "")
	}
	if err == nil && s.added != nil {
		err = s.added(ctx, pair, task)
	}
	if err != nil {
		if derr := s.store.DeleteTask(ctx, pair.Self, h); derr != nil {
			s.log.Error("Failed to unregister task", "task", h.Short(), "error", derr)
		}
		return nil, err
	}

	info, err := s.taskInfo(ctx, pair, task)
	if err != nil {
		return nil, err
	}

	s.log.Info("Task added", "pair", pair.Name, "task", h.Short(), "secret", p.Secret != "")
	s.wsHub.Broadcast(EventTaskAdded, info)
	return info, nil
}

func (s *Server) tasksTick(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pair, h, err := s.resolveTask(params)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetTaskRecord(ctx, pair.Self, h); err != nil {
		return nil, err
	}

	res, err := s.driver.TickNow(ctx, pair.Name, h)
	if errors.Is(err, driver.ErrTaskBusy) {
		return nil, fmt.Errorf("task %s: tick already running", h.Short())
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}
