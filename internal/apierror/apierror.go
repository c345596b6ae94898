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

package apierror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ErrorCode string

const (
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrBadRequest     ErrorCode = "BAD_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrInternalServer ErrorCode = "INTERNAL_SERVER_ERROR"

	// Transfer saga error kinds.
	ErrValidation        ErrorCode = "VALIDATION_ERROR"
	ErrExternalService   ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrPersistence       ErrorCode = "PERSISTENCE_ERROR"
	ErrRollbackConflict  ErrorCode = "ROLLBACK_CONFLICT"
	ErrRollbackIntegrity ErrorCode = "ROLLBACK_INTEGRITY"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

type APIError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func (e APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause when Details carries an error.
func (e APIError) Unwrap() error {
	if err, ok := e.Details.(error); ok {
		return err
	}
	return nil
}

func NewAPIError(code ErrorCode, message string, details interface{}) APIError {
	if details != nil {
		logrus.WithField("code", code).Error(details)
	}
	return APIError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// CodeOf returns the code of the first APIError in err's chain, or ErrInternalServer.
func CodeOf(err error) ErrorCode {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrInternalServer
}

// HasCode reports whether err's chain contains an APIError with the given code.
func HasCode(err error, code ErrorCode) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsRetryable reports whether the error is a transient external-service failure.
func IsRetryable(err error) bool {
	return HasCode(err, ErrExternalService)
}

func MapErrorToHTTPStatus(err error) int {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case ErrNotFound:
			return http.StatusNotFound
		case ErrConflict, ErrRollbackConflict:
			return http.StatusConflict
		case ErrInvalidInput, ErrBadRequest, ErrValidation:
			return http.StatusBadRequest
		case ErrInvalidTransition:
			return http.StatusConflict
		case ErrExternalService:
			return http.StatusBadGateway
		case ErrInternalServer, ErrPersistence, ErrRollbackIntegrity:
			return http.StatusInternalServerError
		default:
			return http.StatusInternalServerError
		}
	}
	return http.StatusInternalServerError
}
