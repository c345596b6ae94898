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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"

	"github.com/rosterhq/roster/database"
	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

// minTick is the timestamp resolution of the audit tables.
const minTick = time.Microsecond

// auditClock hands out strictly increasing timestamps at the audit tables' resolution,
// even when the wall clock stalls or steps backwards.
type auditClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newAuditClock(now func() time.Time, after time.Time) *auditClock {
	return &auditClock{now: now, last: after}
}

func (c *auditClock) next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().Truncate(minTick)
	if !ts.After(c.last) {
		ts = c.last.Add(minTick)
	}
	c.last = ts
	return ts
}

// stepLogger appends audit entries for one transfer. It keeps created_at strictly
// increasing so entries read back in the order they were written.
type stepLogger struct {
	mu         sync.Mutex
	store      database.IDataSource
	transferID string
	clock      *auditClock
	otel       otellog.Logger
}

func (r *Roster) newStepLogger(ctx context.Context, transferID string) (*stepLogger, error) {
	l := &stepLogger{
		store:      r.datasource,
		transferID: transferID,
		otel:       global.GetLoggerProvider().Logger("roster.steplog"),
	}
	existing, err := r.datasource.GetStepLogs(ctx, transferID)
	if err != nil {
		return nil, err
	}
	var after time.Time
	if n := len(existing); n > 0 {
		after = existing[n-1].CreatedAt
	}
	l.clock = newAuditClock(r.now, after)
	return l, nil
}

func (l *stepLogger) record(ctx context.Context, step model.Step, status model.StepStatus, message string, data map[string]interface{}, elapsed time.Duration) (*model.StepLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := &model.StepLogEntry{
		EntryID:    model.GenerateUUIDWithSuffix("log"),
		TransferID: l.transferID,
		Step:       step,
		Status:     status,
		Message:    message,
		Data:       data,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  l.clock.next(),
	}
	if err := l.store.RecordStepLog(ctx, entry); err != nil {
		logrus.WithFields(logrus.Fields{
			"transfer_id": l.transferID,
			"step":        step,
			"status":      status,
		}).WithError(err).Error("failed to record step log")
		return nil, err
	}
	l.emit(ctx, entry)
	return entry, nil
}

func (l *stepLogger) emit(ctx context.Context, entry *model.StepLogEntry) {
	var rec otellog.Record
	rec.SetTimestamp(entry.CreatedAt)
	rec.SetBody(otellog.StringValue(entry.Message))
	if entry.Status == model.StepFailed {
		rec.SetSeverity(otellog.SeverityWarn)
	} else {
		rec.SetSeverity(otellog.SeverityInfo)
	}
	rec.AddAttributes(
		otellog.String("transfer_id", entry.TransferID),
		otellog.String("step", string(entry.Step)),
		otellog.String("status", string(entry.Status)),
		otellog.Int64("duration_ms", entry.DurationMs),
	)
	l.otel.Emit(ctx, rec)
}

func errorData(err error, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"error": err.Error(),
		"code":  string(apierror.CodeOf(err)),
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func attemptMessage(what string, attempt, max int, err error) string {
	return fmt.Sprintf("%s: attempt %d/%d failed: %v", what, attempt, max, err)
}
