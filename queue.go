/*
Copyright 2024 Roster Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package roster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/apierror"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
)

const (
	TaskTransferRun      = "transfer:run"
	TaskRollbackExpiry   = "transfer:rollback_expiry"
	expiryTaskMaxRetries = 10
)

// Queue represents the asynq client used to schedule transfer work.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cnf       config.QueueConfig
}

// TransferPayload is the body of every transfer task.
type TransferPayload struct {
	TransferID string `json:"transfer_id"`
}

// RedisConnOpt builds the asynq connection options from the redis section of the config.
func RedisConnOpt(conf *config.Configuration) asynq.RedisClientOpt {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}
	return asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) *Queue {
	queueOptions := RedisConnOpt(conf)
	return &Queue{
		Client:    asynq.NewClient(queueOptions),
		Inspector: asynq.NewInspector(queueOptions),
		cnf:       conf.Queue,
	}
}

func newTransferTask(taskType, transferID string, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(TransferPayload{TransferID: transferID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, payload, opts...), nil
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, transferID string) error {
	info, err := q.Client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.WithFields(logrus.Fields{"transfer_id": transferID, "task": task.Type()}).Info("task already enqueued")
		return nil
	}
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, fmt.Sprintf("failed to enqueue %s", task.Type()), err)
	}
	logrus.WithFields(logrus.Fields{
		"transfer_id": transferID,
		"task":        task.Type(),
		"queue":       info.Queue,
	}).Info("task enqueued")
	return nil
}

// EnqueueTransferRun schedules the pipeline of a pending transfer. The task id is the
// transfer id, so initiating twice never runs twice, and asynq never retries it: a failed
// run is terminal and a retry is a new transfer.
func (q *Queue) EnqueueTransferRun(ctx context.Context, transferID string) error {
	task, err := newTransferTask(TaskTransferRun, transferID,
		asynq.TaskID(transferID),
		asynq.Queue(q.cnf.TransferQueue),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, transferID)
}

// EnqueueRollbackExpiry schedules the clearing of can_rollback at the end of the window.
func (q *Queue) EnqueueRollbackExpiry(ctx context.Context, transferID string, at time.Time) error {
	task, err := newTransferTask(TaskRollbackExpiry, transferID,
		asynq.TaskID("expiry-"+transferID),
		asynq.Queue(q.cnf.ExpiryQueue),
		asynq.ProcessAt(at),
		asynq.MaxRetry(expiryTaskMaxRetries),
	)
	if err != nil {
		return err
	}
	return q.enqueue(ctx, task, transferID)
}

// GetTaskInfo looks up the pending run or expiry task of a transfer.
func (q *Queue) GetTaskInfo(taskType, transferID string) (*asynq.TaskInfo, error) {
	switch taskType {
	case TaskTransferRun:
		return q.Inspector.GetTaskInfo(q.cnf.TransferQueue, transferID)
	case TaskRollbackExpiry:
		return q.Inspector.GetTaskInfo(q.cnf.ExpiryQueue, "expiry-"+transferID)
	}
	return nil, fmt.Errorf("unknown task type %s", taskType)
}

func (q *Queue) Close() error {
	if err := q.Inspector.Close(); err != nil {
		return err
	}
	return q.Client.Close()
}

func decodeTransferPayload(t *asynq.Task) (string, error) {
	var payload TransferPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return "", fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if payload.TransferID == "" {
		return "", fmt.Errorf("transfer_id missing from %s payload: %w", t.Type(), asynq.SkipRetry)
	}
	return payload.TransferID, nil
}

// HandleTransferRun runs the pipeline of the transfer named by the task. Failures the
// pipeline already recorded on the transfer complete the task.
func (r *Roster) HandleTransferRun(ctx context.Context, t *asynq.Task) error {
	transferID, err := decodeTransferPayload(t)
	if err != nil {
		return err
	}

	rec, err := r.RunTransfer(ctx, transferID)
	if err == nil {
		return nil
	}
	logger := logrus.WithField("transfer_id", transferID).WithError(err)
	switch {
	case apierror.HasCode(err, apierror.ErrNotFound), apierror.HasCode(err, apierror.ErrInvalidTransition):
		logger.Warn("transfer run skipped")
		return nil
	case rec != nil && rec.Status.Terminal():
		logger.Warn("transfer run failed")
		return nil
	}
	logger.Error("transfer run aborted")
	return err
}

func (r *Roster) HandleRollbackExpiry(ctx context.Context, t *asynq.Task) error {
	transferID, err := decodeTransferPayload(t)
	if err != nil {
		return err
	}
	if _, err := r.ExpireRollbackWindow(ctx, transferID); err != nil {
		if apierror.HasCode(err, apierror.ErrNotFound) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

// NewTaskHandler routes transfer tasks to their handlers.
func NewTaskHandler(r *Roster) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTransferRun, r.HandleTransferRun)
	mux.HandleFunc(TaskRollbackExpiry, r.HandleRollbackExpiry)
	return mux
}
