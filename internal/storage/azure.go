package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/rs/zerolog"
)

// AzureBlobBackend implements the Backend interface for Azure Blob Storage
type AzureBlobBackend struct {
	client        *azblob.Client
	containerName string
	logger        zerolog.Logger
}

// AzureBlobConfig holds Azure Blob Storage backend configuration
type AzureBlobConfig struct {
	// Connection string authentication (simplest)
	ConnectionString string

	// Account-based authentication
	AccountName string
	AccountKey  string

	// SAS token authentication
	SASToken string

	// Managed Identity authentication (for Azure-hosted deployments)
	UseManagedIdentity bool

	// Container name (required)
	ContainerName string

	// Custom endpoint (for Azurite testing)
	Endpoint string
}

// NewAzureBlobBackend creates a new Azure Blob Storage backend
func NewAzureBlobBackend(cfg *AzureBlobConfig, logger zerolog.Logger) (*AzureBlobBackend, error) {
	if cfg.ContainerName == "" {
		return nil, fmt.Errorf("Azure container name is required")
	}

	log := logger.With().Str("component", "azure-storage").Logger()

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountName != "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName)
	}

	var client *azblob.Client
	var err error

	// Try authentication methods in order of preference
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client from connection string: %w", err)
		}
		log.Info().Msg("Using connection string authentication for Azure Blob Storage")

	case cfg.AccountName != "" && cfg.SASToken != "":
		serviceURL := fmt.Sprintf("%s?%s", endpoint, strings.TrimPrefix(cfg.SASToken, "?"))
		client, err = azblob.NewClientWithNoCredential(serviceURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with SAS token: %w", err)
		}
		log.Info().Msg("Using SAS token authentication for Azure Blob Storage")

	case cfg.AccountName != "" && cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with shared key: %w", err)
		}
		log.Info().Msg("Using shared key authentication for Azure Blob Storage")

	case cfg.UseManagedIdentity && cfg.AccountName != "":
		cred, credErr := azidentity.NewDefaultAzureCredential(nil)
		if credErr != nil {
			return nil, fmt.Errorf("failed to create managed identity credential: %w", credErr)
		}
		client, err = azblob.NewClient(endpoint, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure client with managed identity: %w", err)
		}
		log.Info().Msg("Using managed identity authentication for Azure Blob Storage")

	default:
		return nil, fmt.Errorf("no valid Azure authentication method configured. Provide connection_string, account_name+account_key, account_name+sas_token, or account_name+use_managed_identity")
	}

	backend := &AzureBlobBackend{
		client:        client,
		containerName: cfg.ContainerName,
		logger:        log,
	}

	// Verify the container is reachable
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	containerClient := client.ServiceClient().NewContainerClient(cfg.ContainerName)
	if _, err := containerClient.GetProperties(ctx, nil); err != nil {
		log.Warn().Err(err).Str("container", cfg.ContainerName).Msg("Could not verify container exists (may need to create it)")
	} else {
		log.Info().Str("container", cfg.ContainerName).Msg("Successfully connected to Azure Blob Storage container")
	}

	return backend, nil
}

// Write writes data to Azure Blob Storage
func (b *AzureBlobBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader writes data from a reader to Azure Blob Storage
func (b *AzureBlobBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	start := time.Now()
	contentType := contentTypeFor(path)

	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlockBlobClient(path)

	_, err := blobClient.UploadStream(ctx, reader, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write to Azure Blob Storage: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int64("size", size).
		Str("container", b.containerName).
		Dur("duration", time.Since(start)).
		Msg("Wrote to Azure Blob Storage")

	return nil
}

// Read reads data from Azure Blob Storage
func (b *AzureBlobBackend) Read(ctx context.Context, path string) ([]byte, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(path)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Azure blob body: %w", err)
	}

	return data, nil
}

// ReadTo streams data from Azure Blob Storage into the writer
func (b *AzureBlobBackend) ReadTo(ctx context.Context, path string, writer io.Writer) error {
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(path)

	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to read from Azure Blob Storage: %w", err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(writer, resp.Body); err != nil {
		return fmt.Errorf("failed to copy Azure blob: %w", err)
	}

	return nil
}

// List lists blobs with the given prefix
func (b *AzureBlobBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var blobs []string

	containerClient := b.client.ServiceClient().NewContainerClient(b.containerName)
	pager := containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list Azure blobs: %w", err)
		}

		for _, blobItem := range page.Segment.BlobItems {
			if blobItem.Name != nil {
				blobs = append(blobs, *blobItem.Name)
			}
		}
	}

	return blobs, nil
}

// Delete deletes a blob from Azure Blob Storage
func (b *AzureBlobBackend) Delete(ctx context.Context, path string) error {
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(path)

	if _, err := blobClient.Delete(ctx, nil); err != nil {
		if isAzureNotFoundError(err) {
			return nil
		}
		return fmt.Errorf("failed to delete from Azure Blob Storage: %w", err)
	}

	b.logger.Debug().Str("path", path).Msg("Deleted from Azure Blob Storage")
	return nil
}

// Exists checks if a blob exists in Azure Blob Storage
func (b *AzureBlobBackend) Exists(ctx context.Context, path string) (bool, error) {
	blobClient := b.client.ServiceClient().NewContainerClient(b.containerName).NewBlobClient(path)

	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if isAzureNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check Azure blob existence: %w", err)
	}

	return true, nil
}

// Close closes the Azure Blob backend (no-op for Azure)
func (b *AzureBlobBackend) Close() error {
	return nil
}

// isAzureNotFoundError checks if an error indicates the blob doesn't exist
func isAzureNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404
	}

	errStr := err.Error()
	return strings.Contains(errStr, "BlobNotFound") ||
		strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "NotFound")
}
