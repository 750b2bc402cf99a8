package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// Azurite's well-known development account
const (
	devStoreAccount  = "devstoreaccount1"
	devStoreKey      = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devStoreEndpoint = "http://127.0.0.1:10000/devstoreaccount1"
)

// ErrStorageUnavailable is returned while the blob circuit breaker is open
var ErrStorageUnavailable = errors.New("blob storage unavailable")

// BlobRepository stores content as block blobs in one Azure container.
// Claims are blob names. Repeated failures open a circuit breaker so merges
// fail fast instead of waiting on a dead endpoint.
type BlobRepository struct {
	client        *azblob.Client
	serviceURL    string
	containerName string
	logger        *zap.Logger
	breaker       *concurrency.CircuitBreaker

	mu            sync.Mutex
	containerInit bool
}

// NewBlobRepository creates a repository from a standard connection string.
// "UseDevelopmentStorage=true" targets a local Azurite instance.
func NewBlobRepository(connectionString, containerName string, breaker *concurrency.CircuitBreaker, logger *zap.Logger) (*BlobRepository, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if connectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if containerName == "" {
		return nil, fmt.Errorf("container name is required")
	}

	params := parseConnectionString(connectionString)
	if strings.EqualFold(params["UseDevelopmentStorage"], "true") {
		params["AccountName"] = devStoreAccount
		params["AccountKey"] = devStoreKey
		params["BlobEndpoint"] = devStoreEndpoint
	}
	accountName := params["AccountName"]
	accountKey := params["AccountKey"]
	serviceURL := params["BlobEndpoint"]
	if accountName == "" || accountKey == "" {
		return nil, fmt.Errorf("account name and key are required in the connection string")
	}
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	var clientOpts *azblob.ClientOptions
	if strings.HasPrefix(strings.ToLower(serviceURL), "http://") {
		clientOpts = &azblob.ClientOptions{
			ClientOptions: azcore.ClientOptions{
				InsecureAllowCredentialWithHTTP: true,
			},
		}
	}

	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, credential, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	if breaker == nil {
		breaker = concurrency.NewCircuitBreaker(0, 0)
	}
	breaker.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
		logger.Warn("Blob storage circuit breaker changed state",
			zap.String("container", containerName),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})

	return &BlobRepository{
		client:        client,
		serviceURL:    strings.TrimRight(serviceURL, "/"),
		containerName: containerName,
		logger:        logger,
		breaker:       breaker,
	}, nil
}

// Write streams r into the blob named by claim
func (a *BlobRepository) Write(ctx context.Context, claim string, r io.Reader) (int64, error) {
	if a.breaker.IsOpen() {
		return 0, ErrStorageUnavailable
	}
	if err := a.ensureContainer(ctx); err != nil {
		a.breaker.RecordFailure()
		return 0, err
	}

	counter := &countingReader{r: r}
	_, err := a.client.UploadStream(ctx, a.containerName, claim, counter, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: to.Ptr("application/octet-stream"),
		},
	})
	if err != nil {
		a.breaker.RecordFailure()
		a.logger.Error("Failed to upload to blob storage",
			zap.String("claim", claim),
			zap.Int64("size", counter.n),
			zap.Error(err))
		return 0, fmt.Errorf("blob upload failed: %w", err)
	}
	a.breaker.RecordSuccess()

	a.logger.Debug("Uploaded content blob",
		zap.String("claim", claim),
		zap.Int64("size_bytes", counter.n))
	return counter.n, nil
}

// Open streams the blob named by claim. A blob URL is accepted as well.
func (a *BlobRepository) Open(ctx context.Context, claim string) (io.ReadCloser, error) {
	if a.breaker.IsOpen() {
		return nil, ErrStorageUnavailable
	}
	blobPath, err := a.extractBlobPath(claim)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.DownloadStream(ctx, a.containerName, blobPath, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, notFound(claim)
		}
		a.breaker.RecordFailure()
		return nil, fmt.Errorf("failed to download blob: %w", err)
	}
	a.breaker.RecordSuccess()
	return resp.Body, nil
}

// Remove deletes the blob named by claim
func (a *BlobRepository) Remove(ctx context.Context, claim string) error {
	blobPath, err := a.extractBlobPath(claim)
	if err != nil {
		return err
	}
	if _, err := a.client.DeleteBlob(ctx, a.containerName, blobPath, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return notFound(claim)
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// URL returns the blob URL for claim
func (a *BlobRepository) URL(claim string) string {
	return fmt.Sprintf("%s/%s/%s", a.serviceURL, a.containerName, url.PathEscape(claim))
}

func (a *BlobRepository) ensureContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.containerInit {
		return nil
	}

	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerAlreadyExists) {
			a.containerInit = true
			return nil
		}
		return fmt.Errorf("failed to ensure container: %w", err)
	}

	a.containerInit = true
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func parseConnectionString(connectionString string) map[string]string {
	parts := strings.Split(connectionString, ";")
	params := make(map[string]string, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		idx := strings.Index(part, "=")
		if idx <= 0 {
			continue
		}
		params[part[:idx]] = part[idx+1:]
	}
	return params
}

func (a *BlobRepository) extractBlobPath(reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", apperrors.NewValidationError("blob reference is required", "BLOB_REFERENCE_EMPTY", nil)
	}

	if strings.HasPrefix(strings.ToLower(ref), strings.ToLower(a.serviceURL)) {
		ref = ref[len(a.serviceURL):]
	}
	if idx := strings.Index(ref, "?"); idx != -1 {
		ref = ref[:idx]
	}
	if decoded, err := url.PathUnescape(ref); err == nil && decoded != "" {
		ref = decoded
	}
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		ref = u.Path
	}

	ref = strings.TrimPrefix(ref, "/")
	ref = strings.TrimPrefix(ref, a.containerName+"/")
	if ref == "" {
		return "", apperrors.NewValidationError("blob path is empty", "BLOB_REFERENCE_EMPTY", nil)
	}
	return ref, nil
}
