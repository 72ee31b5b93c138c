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
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"go.uber.org/zap"
)

// BlobStorageClient stores action results too large to travel inline
type BlobStorageClient interface {
	UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error)
	DownloadResult(ctx context.Context, blobURL string) ([]byte, error)
}

// Azurite's fixed development account
var devStoreAccount = blobAccount{
	name:       "devstoreaccount1",
	key:        "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==",
	serviceURL: "http://127.0.0.1:10000/devstoreaccount1",
}

// blobAccount is the part of a storage connection string needed for
// shared key access.
type blobAccount struct {
	name       string
	key        string
	serviceURL string
}

// parseBlobAccount reads a standard Azure storage connection string.
// "UseDevelopmentStorage=true" selects Azurite.
func parseBlobAccount(connectionString string) (blobAccount, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(connectionString, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && k != "" {
			fields[k] = v
		}
	}

	if strings.EqualFold(fields["UseDevelopmentStorage"], "true") {
		acct := devStoreAccount
		if proxy := fields["DevelopmentStorageProxyUri"]; proxy != "" {
			acct.serviceURL = strings.TrimRight(proxy, "/")
		}
		return acct, nil
	}

	acct := blobAccount{name: fields["AccountName"], key: fields["AccountKey"], serviceURL: fields["BlobEndpoint"]}
	if acct.name == "" || acct.key == "" {
		return blobAccount{}, errors.New("account name and key are required in the connection string")
	}
	if acct.serviceURL == "" {
		protocol, suffix := fields["DefaultEndpointsProtocol"], fields["EndpointSuffix"]
		if protocol == "" {
			protocol = "https"
		}
		if suffix == "" {
			suffix = "core.windows.net"
		}
		acct.serviceURL = protocol + "://" + acct.name + ".blob." + suffix
	}
	acct.serviceURL = strings.TrimRight(acct.serviceURL, "/")
	return acct, nil
}

// AzureBlobClient keeps offloaded results in one Azure Blob Storage
// container, creating it on first upload. Plain HTTP endpoints are accepted
// so a local Azurite works.
type AzureBlobClient struct {
	container  *container.Client
	name       string
	serviceURL string
	logger     *zap.Logger

	mu      sync.Mutex
	created bool
}

var _ BlobStorageClient = (*AzureBlobClient)(nil)

func NewAzureBlobClient(connectionString, containerName string, logger *zap.Logger) (*AzureBlobClient, error) {
	if connectionString == "" {
		return nil, errors.New("connection string is required")
	}
	if containerName == "" {
		return nil, errors.New("container name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	acct, err := parseBlobAccount(connectionString)
	if err != nil {
		return nil, err
	}
	cred, err := azblob.NewSharedKeyCredential(acct.name, acct.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	opts := &container.ClientOptions{ClientOptions: azcore.ClientOptions{
		InsecureAllowCredentialWithHTTP: strings.HasPrefix(strings.ToLower(acct.serviceURL), "http://"),
	}}

	cc, err := container.NewClientWithSharedKeyCredential(acct.serviceURL+"/"+containerName, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}

	return &AzureBlobClient{
		container:  cc,
		name:       containerName,
		serviceURL: acct.serviceURL,
		logger:     logger.With(zap.String("container", containerName)),
	}, nil
}

// UploadResult stores data as a JSON block blob and returns its URL
func (a *AzureBlobClient) UploadResult(ctx context.Context, blobPath string, data []byte, metadata map[string]string) (string, error) {
	if err := a.createContainer(ctx); err != nil {
		return "", err
	}

	meta := make(map[string]*string, len(metadata))
	for k, v := range metadata {
		meta[k] = to.Ptr(v)
	}

	bb := a.container.NewBlockBlobClient(blobPath)
	if _, err := bb.UploadBuffer(ctx, data, &azblob.UploadBufferOptions{
		Metadata:    meta,
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/json")},
	}); err != nil {
		a.logger.Error("Failed to upload result blob",
			zap.String("blob_path", blobPath),
			zap.Int("size_bytes", len(data)),
			zap.Error(err))
		return "", fmt.Errorf("blob upload failed: %w", err)
	}

	a.logger.Debug("Uploaded result blob", zap.String("blob_path", blobPath), zap.Int("size_bytes", len(data)))
	return bb.URL(), nil
}

// DownloadResult accepts the URL returned by UploadResult or a path relative
// to the container.
func (a *AzureBlobClient) DownloadResult(ctx context.Context, reference string) ([]byte, error) {
	blobPath, err := extractBlobPath(a.serviceURL, a.name, reference)
	if err != nil {
		return nil, err
	}

	resp, err := a.container.NewBlobClient(blobPath).DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download blob %s: %w", blobPath, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", blobPath, err)
	}
	return data, nil
}

func (a *AzureBlobClient) createContainer(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.created {
		return nil
	}
	if _, err := a.container.Create(ctx, nil); err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("failed to create container: %w", err)
	}
	a.created = true
	return nil
}

// extractBlobPath reduces a blob URL (SAS query included) or a relative
// reference to the blob's path inside containerName.
func extractBlobPath(serviceURL, containerName, reference string) (string, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", errors.New("blob reference is required")
	}
	if serviceURL != "" && len(ref) >= len(serviceURL) && strings.EqualFold(ref[:len(serviceURL)], serviceURL) {
		ref = ref[len(serviceURL):]
	}

	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid blob reference %q: %w", reference, err)
	}

	p := strings.TrimPrefix(u.Path, "/")
	p = strings.TrimPrefix(p, containerName+"/")
	if p == "" || p == containerName {
		return "", errors.New("blob path is empty")
	}
	return p, nil
}
