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

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/rosterhq/roster"
)

type CreateTransfer struct {
	ClubID         string                 `json:"club_id"`
	SourceTenantID string                 `json:"source_tenant_id"`
	TargetTenantID string                 `json:"target_tenant_id"`
	InitiatedBy    string                 `json:"initiated_by"`
	RetryOf        string                 `json:"retry_of"`
	MetaData       map[string]interface{} `json:"meta_data"`
}

type RollbackTransfer struct {
	RequestedBy string `json:"requested_by"`
}

func (t *CreateTransfer) ValidateCreateTransfer() error {
	return validation.ValidateStruct(t,
		validation.Field(&t.ClubID, validation.Required),
		validation.Field(&t.SourceTenantID, validation.Required),
		validation.Field(&t.TargetTenantID, validation.Required,
			validation.NotIn(t.SourceTenantID).Error("must differ from source_tenant_id")),
		validation.Field(&t.InitiatedBy, validation.Required),
	)
}

func (t *CreateTransfer) ToInitiateRequest() roster.InitiateRequest {
	return roster.InitiateRequest{
		ClubID:         strings.TrimSpace(t.ClubID),
		SourceTenantID: strings.TrimSpace(t.SourceTenantID),
		TargetTenantID: strings.TrimSpace(t.TargetTenantID),
		InitiatedBy:    strings.TrimSpace(t.InitiatedBy),
		RetryOf:        strings.TrimSpace(t.RetryOf),
		MetaData:       t.MetaData,
	}
}

func (r *RollbackTransfer) ValidateRollbackTransfer() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.RequestedBy, validation.Required),
	)
}
