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
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

// attemptsLogged marks an error whose attempts already have audit entries, so the step
// runner does not write another one for it.
type attemptsLogged struct {
	err error
}

func (e *attemptsLogged) Error() string { return e.err.Error() }
func (e *attemptsLogged) Unwrap() error { return e.err }

func (r *Roster) retryPolicy() backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cnf.InitialBackoff()
	policy.MaxInterval = r.cnf.MaxBackoff()
	policy.MaxElapsedTime = 0
	policy.Reset()

	attempts := r.cnf.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(policy, uint64(attempts-1))
}

// retry runs op with the step's retry budget. Each failed attempt is written to the audit
// trail with the time elapsed since the step started. Only external-service errors are
// retried; everything else fails on the first attempt.
func (r *Roster) retry(ctx context.Context, run *stepRun, what string, data map[string]interface{}, op func(ctx context.Context) error) error {
	maxAttempts := r.cnf.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	var logErr error
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cnf.StepTimeout())
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && !apierror.HasCode(err, apierror.ErrExternalService) {
			err = apierror.NewAPIError(apierror.ErrExternalService, what+" timed out", err)
		}

		retryable := apierror.IsRetryable(err)
		logrus.WithFields(logrus.Fields{
			"transfer_id": run.rec.TransferID,
			"step":        run.step,
			"attempt":     attempt,
			"retryable":   retryable,
		}).WithError(err).Warn(what + " failed")

		entryData := errorData(err, data)
		entryData["attempt"] = attempt
		entryData["max_attempts"] = maxAttempts
		entryData["retryable"] = retryable
		if _, logErr = run.log.record(ctx, run.step, model.StepFailed,
			attemptMessage(what, attempt, maxAttempts, err), entryData, run.elapsed()); logErr != nil {
			return backoff.Permanent(logErr)
		}

		if !retryable {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(r.retryPolicy(), ctx))

	if err == nil {
		return nil
	}
	if logErr != nil {
		return logErr
	}
	return &attemptsLogged{err: err}
}

func (run *stepRun) elapsed() time.Duration {
	return run.r.now().Sub(run.started)
}
