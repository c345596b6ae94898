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
	"embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/database"
	"github.com/rosterhq/roster/internal/cache"
	"github.com/rosterhq/roster/internal/media"
	"github.com/rosterhq/roster/internal/notification"
	"github.com/rosterhq/roster/internal/payments"
	redis_db "github.com/rosterhq/roster/internal/redis-db"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

// TaskQueue schedules background work for transfers.
type TaskQueue interface {
	EnqueueTransferRun(ctx context.Context, transferID string) error
	EnqueueRollbackExpiry(ctx context.Context, transferID string, at time.Time) error
}

// Alerter delivers operator alerts without blocking the caller.
type Alerter interface {
	NotifyAsync(alert notification.Alert)
}

// Roster runs club transfers between tenants and their compensating rollbacks.
type Roster struct {
	datasource database.IDataSource
	redis      redis.UniversalClient
	queue      TaskQueue
	cache      cache.Cache
	payments   payments.SubscriptionCanceller
	media      media.Mover
	alerts     Alerter
	cnf        config.TransferConfig
	now        func() time.Time
}

type Option func(*Roster)

func WithRedis(client redis.UniversalClient) Option {
	return func(r *Roster) { r.redis = client }
}

func WithQueue(q TaskQueue) Option {
	return func(r *Roster) { r.queue = q }
}

func WithCache(c cache.Cache) Option {
	return func(r *Roster) { r.cache = c }
}

func WithPayments(p payments.SubscriptionCanceller) Option {
	return func(r *Roster) { r.payments = p }
}

func WithMedia(m media.Mover) Option {
	return func(r *Roster) { r.media = m }
}

func WithAlerter(a Alerter) Option {
	return func(r *Roster) { r.alerts = a }
}

// WithClock replaces the wall clock, which drives every timestamp and the rollback window.
func WithClock(now func() time.Time) Option {
	return func(r *Roster) { r.now = now }
}

// NewRoster wires a Roster from the active configuration. Dependencies passed as options
// are used as given; the rest are built from config.
func NewRoster(db database.IDataSource, opts ...Option) (*Roster, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	r := &Roster{
		datasource: db,
		cnf:        cnf.Transfer,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.redis == nil {
		client, err := redis_db.NewRedisClient([]string{fmt.Sprintf("redis://%s", cnf.Redis.Dns)}, cnf.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		r.redis = client.Client()
	}
	if r.cache == nil {
		r.cache = cache.NewRedisCache(r.redis)
	}
	if r.queue == nil {
		r.queue = NewQueue(cnf)
	}
	if r.payments == nil {
		r.payments = payments.NewStripeClient(cnf.Stripe, nil)
	}
	if r.media == nil {
		if cnf.Media.Bucket == "" {
			r.media = media.PrefixMover{}
		} else {
			mover, err := media.NewS3MoverFromConfig(cnf.Media)
			if err != nil {
				return nil, err
			}
			r.media = mover
		}
	}
	if r.alerts == nil {
		r.alerts = notification.New(cnf.Notification, nil)
	}
	return r, nil
}
