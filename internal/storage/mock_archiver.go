package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockArchiver is a testify mock of ingest.Archiver. The reader is drained
// and passed to the expectation as a string.
type MockArchiver struct {
	mock.Mock
}

// PutObject records the call.
func (m *MockArchiver) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	body, err := io.ReadAll(data)
	if err != nil {
		return "", err //nolint:wrapcheck
	}
	args := m.Called(ctx, path, contentType, string(body))
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
