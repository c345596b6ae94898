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

package media

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosterhq/roster/config"
	"github.com/rosterhq/roster/internal/apierror"
)

type fakeS3 struct {
	s3iface.S3API
	inputs []*s3.CopyObjectInput
	err    error
}

func (f *fakeS3) CopyObjectWithContext(_ aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.CopyObjectOutput{}, nil
}

func TestTargetKey(t *testing.T) {
	key, err := TargetKey("tenants/tenant_a/clubs/club_1/logo.png", "tenant_a", "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, "tenants/tenant_b/clubs/club_1/logo.png", key)

	key, err = TargetKey("tenants/tenant_b/clubs/club_1/logo.png", "tenant_a", "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, "tenants/tenant_b/clubs/club_1/logo.png", key)

	_, err = TargetKey("tenants/tenant_x/logo.png", "tenant_a", "tenant_b")
	assert.True(t, apierror.HasCode(err, apierror.ErrValidation))
}

func TestMoveMedia_CopiesWithinBucket(t *testing.T) {
	fake := &fakeS3{}
	m := NewS3Mover(fake, "roster-media")

	key, err := m.MoveMedia(context.Background(), "tenants/tenant_a/clubs/club 1/logo.png", "tenant_a", "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, "tenants/tenant_b/clubs/club 1/logo.png", key)

	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "roster-media", aws.StringValue(fake.inputs[0].Bucket))
	assert.Equal(t, "roster-media/tenants/tenant_a/clubs/club%201/logo.png", aws.StringValue(fake.inputs[0].CopySource))
	assert.Equal(t, "tenants/tenant_b/clubs/club 1/logo.png", aws.StringValue(fake.inputs[0].Key))
}

func TestMoveMedia_AlreadyMovedSkipsCopy(t *testing.T) {
	fake := &fakeS3{}
	m := NewS3Mover(fake, "roster-media")

	key, err := m.MoveMedia(context.Background(), "tenants/tenant_b/logo.png", "tenant_a", "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, "tenants/tenant_b/logo.png", key)
	assert.Empty(t, fake.inputs)
}

func TestMoveMedia_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{name: "throttled", err: awserr.NewRequestFailure(awserr.New("SlowDown", "slow down", nil), 503, "req-1"), retryable: true},
		{name: "server error", err: awserr.NewRequestFailure(awserr.New("InternalError", "boom", nil), 500, "req-2"), retryable: true},
		{name: "access denied", err: awserr.NewRequestFailure(awserr.New("AccessDenied", "denied", nil), 403, "req-3"), retryable: false},
		{name: "missing object", err: awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil), retryable: false},
		{name: "network", err: errors.New("dial tcp: i/o timeout"), retryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewS3Mover(&fakeS3{err: tt.err}, "roster-media")
			_, err := m.MoveMedia(context.Background(), "tenants/tenant_a/logo.png", "tenant_a", "tenant_b")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, apierror.IsRetryable(err))
		})
	}
}

func TestNewS3MoverFromConfig(t *testing.T) {
	m, err := NewS3MoverFromConfig(config.MediaConfig{
		Bucket:          "roster-media",
		Region:          "eu-west-1",
		Endpoint:        "http://localhost:9000",
		AccessKeyId:     "minio",
		SecretAccessKey: "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, "roster-media", m.bucket)
}

func TestPrefixMover(t *testing.T) {
	key, err := PrefixMover{}.MoveMedia(context.Background(), "tenants/tenant_a/logo.png", "tenant_a", "tenant_b")
	require.NoError(t, err)
	assert.Equal(t, "tenants/tenant_b/logo.png", key)
}
