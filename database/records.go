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

package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rosterhq/roster/internal/apierror"
	"github.com/rosterhq/roster/model"
)

func qualifiedTable(table model.Table) (string, error) {
	if !table.Valid() {
		return "", apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("unknown table '%s'", table), nil)
	}
	return "roster." + pq.QuoteIdentifier(string(table)), nil
}

// columnsOf returns the whitelisted columns present in data, sorted for stable statements.
func columnsOf(table model.Table, data model.Record, skipID bool) []string {
	var cols []string
	for k := range data {
		if skipID && k == "id" {
			continue
		}
		if table.HasColumn(k) {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

// columnValue prepares a decoded JSON value for use as a statement argument.
func columnValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case json.Number:
		return val.String(), nil
	default:
		return val, nil
	}
}

func decodeRow(raw []byte) (model.Record, error) {
	var row model.Record
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func (d Datasource) GetRecord(ctx context.Context, table model.Table, id string) (model.Record, bool, error) {
	ctx, span := otel.Tracer("Records").Start(ctx, "Fetching record")
	defer span.End()
	span.SetAttributes(attribute.String("table", string(table)), attribute.String("record.id", id))

	qt, err := qualifiedTable(table)
	if err != nil {
		return nil, false, err
	}

	var raw []byte
	err = d.Conn.QueryRowContext(ctx, `SELECT row_to_json(t) FROM `+qt+` t WHERE t.id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("Failed to read %s '%s'", table, id), err)
	}

	row, err := decodeRow(raw)
	if err != nil {
		return nil, false, apierror.NewAPIError(apierror.ErrPersistence, "Failed to decode record", err)
	}
	return row, true, nil
}

func (d Datasource) CreateRecord(ctx context.Context, table model.Table, id string, data model.Record) error {
	ctx, span := otel.Tracer("Records").Start(ctx, "Inserting record")
	defer span.End()
	span.SetAttributes(attribute.String("table", string(table)), attribute.String("record.id", id))

	qt, err := qualifiedTable(table)
	if err != nil {
		return err
	}

	cols := []string{"id"}
	args := []interface{}{id}
	for _, c := range columnsOf(table, data, true) {
		v, err := columnValue(data[c])
		if err != nil {
			return apierror.NewAPIError(apierror.ErrPersistence, "Failed to encode column "+c, err)
		}
		cols = append(cols, c)
		args = append(args, v)
	}

	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO `+qt+` (`+strings.Join(quoted, ", ")+`) VALUES (`+strings.Join(placeholders, ", ")+`)`,
		args...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("Failed to insert %s '%s'", table, id), err)
	}
	return nil
}

// UpdateRecord writes the given columns of an existing row. Columns absent from data are
// left untouched. A missing row is reported as not found.
func (d Datasource) UpdateRecord(ctx context.Context, table model.Table, id string, data model.Record) error {
	ctx, span := otel.Tracer("Records").Start(ctx, "Updating record")
	defer span.End()
	span.SetAttributes(attribute.String("table", string(table)), attribute.String("record.id", id))

	qt, err := qualifiedTable(table)
	if err != nil {
		return err
	}

	cols := columnsOf(table, data, true)
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, 0, len(cols))
	args := make([]interface{}, 0, len(cols)+1)
	for i, c := range cols {
		v, err := columnValue(data[c])
		if err != nil {
			return apierror.NewAPIError(apierror.ErrPersistence, "Failed to encode column "+c, err)
		}
		sets = append(sets, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1))
		args = append(args, v)
	}
	args = append(args, id)

	result, err := d.Conn.ExecContext(ctx,
		`UPDATE `+qt+` SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE id = $%d`, len(args)),
		args...)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("Failed to update %s '%s'", table, id), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, "Failed to read affected rows", err)
	}
	if affected == 0 {
		return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("%s '%s' not found", table, id), nil)
	}
	return nil
}

// DeleteRecord removes a row. Deleting a row that is already gone succeeds.
func (d Datasource) DeleteRecord(ctx context.Context, table model.Table, id string) error {
	ctx, span := otel.Tracer("Records").Start(ctx, "Deleting record")
	defer span.End()
	span.SetAttributes(attribute.String("table", string(table)), attribute.String("record.id", id))

	qt, err := qualifiedTable(table)
	if err != nil {
		return err
	}

	_, err = d.Conn.ExecContext(ctx, `DELETE FROM `+qt+` WHERE id = $1`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("Failed to delete %s '%s'", table, id), err)
	}
	return nil
}

func (d Datasource) ListRecordsByClub(ctx context.Context, table model.Table, clubID, tenantID string) ([]model.Record, error) {
	ctx, span := otel.Tracer("Records").Start(ctx, "Listing club records")
	defer span.End()
	span.SetAttributes(attribute.String("table", string(table)), attribute.String("club.id", clubID))

	qt, err := qualifiedTable(table)
	if err != nil {
		return nil, err
	}
	if !table.ClubScoped() {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("table '%s' is not club scoped", table), nil)
	}

	rows, err := d.Conn.QueryContext(ctx,
		`SELECT row_to_json(t) FROM `+qt+` t WHERE t.club_id = $1 AND t.tenant_id = $2 ORDER BY t.id`,
		clubID, tenantID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, fmt.Sprintf("Failed to list %s", table), err)
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to scan record", err)
		}
		row, err := decodeRow(raw)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to decode record", err)
		}
		records = append(records, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrPersistence, "Failed to iterate records", err)
	}
	return records, nil
}
