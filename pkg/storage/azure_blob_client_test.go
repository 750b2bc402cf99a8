package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"go.uber.org/zap"
)

func TestNewBlobRepository(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		wantErr          bool
		errContains      string
	}{
		{
			name:             "empty connection string",
			connectionString: "",
			containerName:    "content",
			wantErr:          true,
			errContains:      "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "",
			wantErr:          true,
			errContains:      "container name is required",
		},
		{
			name:             "missing account key",
			connectionString: "AccountName=test",
			containerName:    "content",
			wantErr:          true,
			errContains:      "account name and key are required",
		},
		{
			name:             "shared key",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			containerName:    "content",
		},
		{
			name:             "development storage",
			connectionString: "UseDevelopmentStorage=true",
			containerName:    "content",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, err := NewBlobRepository(tt.connectionString, tt.containerName, nil, logger)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, repo)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, repo)
		})
	}
}

func TestBlobRepositoryDevelopmentEndpoint(t *testing.T) {
	repo, err := NewBlobRepository("UseDevelopmentStorage=true", "content", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1/content/abc", repo.URL("abc"))
}

func TestExtractBlobPath(t *testing.T) {
	repo, err := NewBlobRepository("AccountName=acct;AccountKey=dGVzdA==;BlobEndpoint=http://localhost:10000/acct", "content", nil, nil)
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
	}{
		{"claim-1", "claim-1"},
		{"content/claim-1", "claim-1"},
		{"http://localhost:10000/acct/content/claim-1", "claim-1"},
		{"http://localhost:10000/acct/content/dir%2Fclaim-1?sv=2021", "dir/claim-1"},
	}
	for _, tt := range tests {
		got, err := repo.extractBlobPath(tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}

	_, err = repo.extractBlobPath("  ")
	assert.Error(t, err)
}

func TestBlobRepositoryFailsFastWhenBreakerOpen(t *testing.T) {
	breaker := concurrency.NewCircuitBreaker(1, time.Hour)
	breaker.RecordFailure()

	repo, err := NewBlobRepository("UseDevelopmentStorage=true", "content", breaker, nil)
	require.NoError(t, err)

	_, err = repo.Write(context.Background(), "claim", bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = repo.Open(context.Background(), "claim")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestBlobRepositoryRoundTrip(t *testing.T) {
	// Requires Azurite on the default port
	repo, err := NewBlobRepository("UseDevelopmentStorage=true", "daedalus-test", nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	claim := NewClaim()
	n, err := repo.Write(ctx, claim, bytes.NewReader([]byte("merged content")))
	if err != nil {
		t.Skip("Azure Blob Storage not available - skipping round trip test")
	}
	assert.EqualValues(t, 14, n)

	data, err := ReadAll(ctx, repo, claim)
	require.NoError(t, err)
	assert.Equal(t, "merged content", string(data))
	require.NoError(t, repo.Remove(ctx, claim))
}
