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

package redlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestLocker_Lock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	mock.ExpectSetNX("transfer-club:club_1", "transfer_1", 5*time.Second).SetVal(true)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Lock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	mock.ExpectSetNX("transfer-club:club_1", "transfer_1", 5*time.Second).SetVal(false)

	err := locker.Lock(context.Background(), 5*time.Second)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	// Simulate a successful unlock
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"transfer-club:club_1"}, "transfer_1").SetVal(int64(1))

	err := locker.Unlock(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_Unlock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	// Simulate a failed unlock (either lock expired or not the lock holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('del', KEYS[1]) else return 0 end"
	mock.ExpectEval(script, []string{"transfer-club:club_1"}, "transfer_1").SetVal(int64(0))

	err := locker.Unlock(context.Background())
	assert.EqualError(t, err, "unlock failed, either lock expired or you're not the lock holder for key transfer-club:club_1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	// Simulate successful lock extension
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"transfer-club:club_1"}, "transfer_1", "5000").SetVal(int64(1))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_ExtendLock_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	// Simulate failed lock extension (either lock expired or not the holder)
	script := "if redis.call('get', KEYS[1]) == ARGV[1] then return redis.call('pexpire', KEYS[1], ARGV[2]) else return 0 end"
	mock.ExpectEval(script, []string{"transfer-club:club_1"}, "transfer_1", "5000").SetVal(int64(0))

	err := locker.ExtendLock(context.Background(), 5*time.Second)
	assert.EqualError(t, err, "lock extension failed for key transfer-club:club_1, either lock expired or you're not the holder")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()
	locker := NewLocker(db, ClubKey("club_1"), "transfer_1")

	mock.ExpectSetNX("transfer-club:club_1", "transfer_1", 5*time.Second).SetVal(true)

	err := locker.WaitLock(context.Background(), 5*time.Second, 2*time.Second)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLocker_WaitLock_Failure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	holder := NewLocker(client, ClubKey("club_1"), "transfer_a")
	waiter := NewLocker(client, ClubKey("club_1"), "transfer_b")

	assert.NoError(t, holder.Lock(context.Background(), 5*time.Second))

	err := waiter.WaitLock(context.Background(), 5*time.Second, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Contains(t, err.Error(), "within the wait timeout")
}

func TestLocker_WaitLock_AcquiresAfterRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	holder := NewLocker(client, ClubKey("club_1"), "transfer_a")
	waiter := NewLocker(client, ClubKey("club_1"), "transfer_b")

	assert.NoError(t, holder.Lock(context.Background(), 5*time.Second))
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Unlock(context.Background())
	}()

	assert.NoError(t, waiter.WaitLock(context.Background(), 5*time.Second, 2*time.Second))
	assert.Equal(t, "transfer_b", mustGet(t, mr, "transfer-club:club_1"))
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	assert.NoError(t, err)
	return v
}

func TestClubKey(t *testing.T) {
	assert.Equal(t, "transfer-club:club_1", ClubKey("club_1"))
}
