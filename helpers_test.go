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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/database/memstore"
	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/internal/cache"
	"github.com/rosterhq/roster/internal/media"
	"github.com/rosterhq/roster/internal/notification"
	"github.com/rosterhq/roster/model"
)

// testClock advances by tick on every reading so consecutive timestamps differ.
type testClock struct {
	mu   sync.Mutex
	now  time.Time
	tick time.Duration
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), tick: 3 * time.Millisecond}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.tick)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeQueue struct {
	mu       sync.Mutex
	runs     []string
	expiries map[string]time.Time
	err      error
}

func (q *fakeQueue) EnqueueTransferRun(_ context.Context, transferID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.runs = append(q.runs, transferID)
	return nil
}

func (q *fakeQueue) EnqueueRollbackExpiry(_ context.Context, transferID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.expiries == nil {
		q.expiries = make(map[string]time.Time)
	}
	q.expiries[transferID] = at
	return nil
}

// fakePayments fails the first failures calls with err, then succeeds.
type fakePayments struct {
	mu        sync.Mutex
	calls     map[string]int
	cancelled []string
	failures  int
	err       error
}

func (p *fakePayments) CancelSubscription(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[id]++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return p.err
	}
	p.cancelled = append(p.cancelled, id)
	return nil
}

func (p *fakePayments) callsFor(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (a *fakeAlerter) NotifyAsync(alert notification.Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *fakeAlerter) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	events := make([]string, 0, len(a.alerts))
	for _, alert := range a.alerts {
		events = append(events, alert.Event)
	}
	return events
}

type harness struct {
	roster   *Roster
	store    *memstore.Store
	clock    *testClock
	queue    *fakeQueue
	payments *fakePayments
	alerts   *fakeAlerter
	redis    *miniredis.Miniredis
	client   redis.UniversalClient
}

func testConfig(redisAddr string) *config.Configuration {
	return &config.Configuration{
		ProjectName: "roster-test",
		DataSource:  config.DataSourceConfig{Dns: "postgres://localhost/roster"},
		Redis:       config.RedisConfig{Dns: redisAddr},
		Queue: config.QueueConfig{
			TransferQueue: "roster_transfers",
			ExpiryQueue:   "roster_rollback_expiry",
		},
		Transfer: config.TransferConfig{
			RollbackWindowHours: 72,
			MaxAttempts:         3,
			InitialBackoffMs:    1,
			MaxBackoffMs:        2,
			StepTimeoutSec:      1,
			LockTimeoutSec:      1,
		},
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	config.MockConfig(testConfig(mr.Addr()))

	h := &harness{
		store:    memstore.New(),
		clock:    newTestClock(),
		queue:    &fakeQueue{},
		payments: &fakePayments{},
		alerts:   &fakeAlerter{},
		redis:    mr,
		client:   client,
	}
	base := []Option{
		WithRedis(client),
		WithCache(cache.NewRedisCache(client)),
		WithQueue(h.queue),
		WithPayments(h.payments),
		WithMedia(media.PrefixMover{}),
		WithAlerter(h.alerts),
		WithClock(h.clock.Now),
	}
	r, err := NewRoster(h.store, append(base, opts...)...)
	require.NoError(t, err)
	h.roster = r
	return h
}

type clubFixture struct {
	clubID   string
	source   string
	target   string
	subID    string
	stripeID string
	mediaID  string
}

// seedClub writes a club in tenant_a with a live subscription, members, media and
// related rows, plus an empty tenant_b to move it to.
func (h *harness) seedClub() clubFixture {
	f := clubFixture{
		clubID:   "club_" + gofakeit.LetterN(8),
		source:   "tenant_a",
		target:   "tenant_b",
		subID:    "sub_" + gofakeit.LetterN(8),
		stripeID: "sub_" + gofakeit.LetterN(14),
		mediaID:  "media_" + gofakeit.LetterN(8),
	}
	created := "2024-01-10T08:00:00Z"

	h.store.Seed(model.TableTenants,
		model.Record{"id": f.source, "name": gofakeit.Company(), "created_at": created},
		model.Record{"id": f.target, "name": gofakeit.Company(), "created_at": created},
	)
	h.store.Seed(model.TableClubs, model.Record{
		"id": f.clubID, "tenant_id": f.source, "name": gofakeit.Company(), "slug": gofakeit.Username(),
		"stripe_customer_id": "cus_" + gofakeit.LetterN(10), "settings": map[string]interface{}{"courts": 4},
		"created_at": created, "updated_at": created,
	})
	h.store.Seed(model.TableSubscriptions,
		model.Record{"id": f.subID, "club_id": f.clubID, "tenant_id": f.source, "stripe_subscription_id": f.stripeID, "plan": "pro", "status": "active", "created_at": created},
		model.Record{"id": "sub_old", "club_id": f.clubID, "tenant_id": f.source, "stripe_subscription_id": "sub_gone", "plan": "basic", "status": "cancelled", "cancelled_at": created, "created_at": created},
	)
	h.store.Seed(model.TableMemberships,
		model.Record{"id": "mem_1", "club_id": f.clubID, "tenant_id": f.source, "user_id": gofakeit.UUID(), "role": "owner", "status": "active", "created_at": created},
		model.Record{"id": "mem_2", "club_id": f.clubID, "tenant_id": f.source, "user_id": gofakeit.UUID(), "role": "coach", "status": "active", "created_at": created},
	)
	h.store.Seed(model.TableMediaAssets, model.Record{
		"id": f.mediaID, "club_id": f.clubID, "tenant_id": f.source,
		"storage_key": fmt.Sprintf("tenants/%s/clubs/%s/logo.png", f.source, f.clubID), "content_type": "image/png", "created_at": created,
	})
	h.store.Seed(model.TableTeams, model.Record{"id": "team_1", "club_id": f.clubID, "tenant_id": f.source, "name": gofakeit.Color(), "created_at": created})
	h.store.Seed(model.TablePlayers,
		model.Record{"id": "player_1", "club_id": f.clubID, "tenant_id": f.source, "team_id": "team_1", "name": gofakeit.Name(), "created_at": created},
		model.Record{"id": "player_2", "club_id": f.clubID, "tenant_id": f.source, "team_id": "team_1", "name": gofakeit.Name(), "created_at": created},
	)
	h.store.Seed(model.TableCourtBookings, model.Record{
		"id": "booking_1", "club_id": f.clubID, "tenant_id": f.source, "court": "1",
		"starts_at": "2024-06-01T10:00:00Z", "ends_at": "2024-06-01T11:00:00Z", "created_at": created,
	})
	return f
}

func (h *harness) initiate(t *testing.T, f clubFixture) *model.TransferRecord {
	t.Helper()
	rec, err := h.roster.InitiateTransfer(context.Background(), InitiateRequest{
		ClubID:         f.clubID,
		SourceTenantID: f.source,
		TargetTenantID: f.target,
		InitiatedBy:    "ops@roster.test",
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) stepLogs(t *testing.T, transferID string, step model.Step) []*model.StepLogEntry {
	t.Helper()
	logs, err := h.store.GetStepLogs(context.Background(), transferID)
	require.NoError(t, err)
	var out []*model.StepLogEntry
	for _, entry := range logs {
		if entry.Step == step {
			out = append(out, entry)
		}
	}
	return out
}

func unavailable(service string) error {
	return apierror.NewAPIError(apierror.ErrExternalService, service+" unavailable", nil)
}
