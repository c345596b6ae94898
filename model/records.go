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

package model

import "fmt"

// Table is a tenant-scoped table the transfer pipeline is allowed to touch.
type Table string

const (
	TableTenants       Table = "tenants"
	TableClubs         Table = "clubs"
	TableSubscriptions Table = "subscriptions"
	TableMemberships   Table = "memberships"
	TableMediaAssets   Table = "media_assets"
	TableTeams         Table = "teams"
	TablePlayers       Table = "players"
	TableCourtBookings Table = "court_bookings"
)

// RelatedTables hold club-owned rows whose tenant moves with the club.
var RelatedTables = []Table{TableTeams, TablePlayers, TableCourtBookings}

var tableColumns = map[Table][]string{
	TableTenants:       {"id", "name", "created_at"},
	TableClubs:         {"id", "tenant_id", "name", "slug", "stripe_customer_id", "settings", "created_at", "updated_at"},
	TableSubscriptions: {"id", "club_id", "tenant_id", "stripe_subscription_id", "plan", "status", "cancelled_at", "created_at"},
	TableMemberships:   {"id", "club_id", "tenant_id", "user_id", "role", "status", "created_at"},
	TableMediaAssets:   {"id", "club_id", "tenant_id", "storage_key", "content_type", "created_at"},
	TableTeams:         {"id", "club_id", "tenant_id", "name", "created_at"},
	TablePlayers:       {"id", "club_id", "tenant_id", "team_id", "name", "created_at"},
	TableCourtBookings: {"id", "club_id", "tenant_id", "court", "starts_at", "ends_at", "created_at"},
}

func (t Table) Valid() bool {
	_, ok := tableColumns[t]
	return ok
}

// Columns returns the writable columns of the table, primary key first.
func (t Table) Columns() []string {
	return tableColumns[t]
}

// ClubScoped reports whether rows carry a club_id column.
func (t Table) ClubScoped() bool {
	return t != TableClubs && t != TableTenants
}

func (t Table) HasColumn(column string) bool {
	for _, c := range tableColumns[t] {
		if c == column {
			return true
		}
	}
	return false
}

// Record is a generic row keyed by column name.
type Record map[string]interface{}

func (r Record) String(column string) string {
	v, ok := r[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Clone returns a shallow copy so callers can change fields without touching the original.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
