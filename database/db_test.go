package database

import (
	"fmt"
	"sync"
	"testing"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/rosterhq/roster/config"
)

func TestGetDBConnection_Failure(t *testing.T) {
	// Reset the instance and once for testing purposes
	instance = nil
	once = sync.Once{}

	mockConfig := &config.Configuration{
		DataSource: config.DataSourceConfig{
			Dns: "invalid-dns",
		},
	}

	_, err := GetDBConnection(mockConfig)
	assert.Error(t, err)
}

func TestConnectDB_Failure(t *testing.T) {
	db, err := ConnectDB("invalid-dns")
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isUniqueViolation(errors.Wrap(&pq.Error{Code: "23505"}, "insert")))
	assert.False(t, isUniqueViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isUniqueViolation(fmt.Errorf("boom")))
}
