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

// Package media relocates club media objects between tenant storage prefixes.
package media

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/apierror"
)

const ServiceS3 = "s3"

// Mover makes the media object behind resourceKey available under the target tenant and
// returns its new key. Moving an object that already lives under the target tenant
// returns its key unchanged.
type Mover interface {
	MoveMedia(ctx context.Context, resourceKey, fromTenant, toTenant string) (string, error)
}

// S3Mover copies objects inside one bucket. The source object is kept so that a restored
// storage key keeps resolving after a rollback.
type S3Mover struct {
	client s3iface.S3API
	bucket string
}

func NewS3Mover(client s3iface.S3API, bucket string) *S3Mover {
	return &S3Mover{client: client, bucket: bucket}
}

// NewS3MoverFromConfig builds a mover with static credentials. A custom endpoint switches
// to path-style addressing for S3 compatible stores.
func NewS3MoverFromConfig(cnf config.MediaConfig) (*S3Mover, error) {
	awsCfg := aws.NewConfig().WithRegion(cnf.Region)
	if cnf.AccessKeyId != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cnf.AccessKeyId, cnf.SecretAccessKey, ""))
	}
	if cnf.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cnf.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, err
	}
	return NewS3Mover(s3.New(sess), cnf.Bucket), nil
}

func tenantPrefix(tenantID string) string {
	return fmt.Sprintf("tenants/%s/", tenantID)
}

// TargetKey rewrites the tenant prefix of resourceKey.
func TargetKey(resourceKey, fromTenant, toTenant string) (string, error) {
	to := tenantPrefix(toTenant)
	if strings.HasPrefix(resourceKey, to) {
		return resourceKey, nil
	}
	from := tenantPrefix(fromTenant)
	if !strings.HasPrefix(resourceKey, from) {
		return "", apierror.NewAPIError(apierror.ErrValidation,
			fmt.Sprintf("media key %q is not stored under tenant %s", resourceKey, fromTenant), nil)
	}
	return to + strings.TrimPrefix(resourceKey, from), nil
}

func (m *S3Mover) MoveMedia(ctx context.Context, resourceKey, fromTenant, toTenant string) (string, error) {
	target, err := TargetKey(resourceKey, fromTenant, toTenant)
	if err != nil {
		return "", err
	}
	if target == resourceKey {
		return target, nil
	}

	_, err = m.client.CopyObjectWithContext(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(m.bucket),
		CopySource: aws.String((&url.URL{Path: m.bucket + "/" + resourceKey}).EscapedPath()),
		Key:        aws.String(target),
	})
	if err != nil {
		return "", classify(resourceKey, err)
	}
	return target, nil
}

func classify(resourceKey string, err error) error {
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		code := reqErr.StatusCode()
		if code == 429 || code >= 500 || reqErr.Code() == "SlowDown" {
			return apierror.NewAPIError(apierror.ErrExternalService, fmt.Sprintf("s3 copy of %s failed with status %d", resourceKey, code), err)
		}
		return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("s3 rejected copy of %s: %s", resourceKey, reqErr.Code()), err)
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return apierror.NewAPIError(apierror.ErrValidation, fmt.Sprintf("media object %s does not exist", resourceKey), err)
	}
	return apierror.NewAPIError(apierror.ErrExternalService, fmt.Sprintf("s3 copy of %s failed", resourceKey), err)
}

// PrefixMover rewrites keys without touching object storage. It serves deployments that
// keep media outside a bucket this service manages.
type PrefixMover struct{}

func (PrefixMover) MoveMedia(_ context.Context, resourceKey, fromTenant, toTenant string) (string, error) {
	return TargetKey(resourceKey, fromTenant, toTenant)
}
