package cache

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/kengibson1111/go-tenant-cache/internal"
)

// MockKeyStore is a mock implementation of the KeyStore interface for testing
type MockKeyStore struct {
	mock.Mock
}

var _ internal.KeyStore = (*MockKeyStore)(nil)

// NewMockKeyStore creates a new mock key store
func NewMockKeyStore() *MockKeyStore {
	return &MockKeyStore{}
}

// Get mocks the Get method
func (m *MockKeyStore) Get(ctx context.Context, key string) internal.Result[[]byte] {
	args := m.Called(ctx, key)
	return args.Get(0).(internal.Result[[]byte])
}

// Exists mocks the Exists method
func (m *MockKeyStore) Exists(ctx context.Context, key string) internal.Result[bool] {
	args := m.Called(ctx, key)
	return args.Get(0).(internal.Result[bool])
}

// TTL mocks the TTL method
func (m *MockKeyStore) TTL(ctx context.Context, key string) internal.Result[time.Duration] {
	args := m.Called(ctx, key)
	return args.Get(0).(internal.Result[time.Duration])
}

// GetStrict mocks the GetStrict method
func (m *MockKeyStore) GetStrict(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	var value []byte
	if args.Get(0) != nil {
		value = args.Get(0).([]byte)
	}
	return value, args.Bool(1), args.Error(2)
}

// ExistsStrict mocks the ExistsStrict method
func (m *MockKeyStore) ExistsStrict(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

// TTLStrict mocks the TTLStrict method
func (m *MockKeyStore) TTLStrict(ctx context.Context, key string) (time.Duration, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(time.Duration), args.Bool(1), args.Error(2)
}

// Set mocks the Set method
func (m *MockKeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

// Delete mocks the Delete method
func (m *MockKeyStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

// DeleteByPattern mocks the DeleteByPattern method
func (m *MockKeyStore) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	args := m.Called(ctx, pattern)
	return args.Get(0).(int64), args.Error(1)
}

// Increment mocks the Increment method
func (m *MockKeyStore) Increment(ctx context.Context, key string, by int64, ttlIfNew time.Duration) (int64, error) {
	args := m.Called(ctx, key, by, ttlIfNew)
	return args.Get(0).(int64), args.Error(1)
}

// Flush mocks the Flush method
func (m *MockKeyStore) Flush(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Health mocks the Health method
func (m *MockKeyStore) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close mocks the Close method
func (m *MockKeyStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
