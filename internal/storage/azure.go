package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/airweave/syncd/internal/syncerrors"
)

// AzureBackend stores artifacts as blobs in an Azure Storage container.
type AzureBackend struct {
	accountName     string
	containerName   string
	containerClient *container.Client
}

// NewAzureBackend creates an Azure blob backend for the given account and
// container. Authentication follows the ambient credential chain: a storage
// account key from AZURE_STORAGE_ACCOUNT_KEY if set, then managed identity,
// then the default Azure credential.
func NewAzureBackend(accountName, containerName string) (*AzureBackend, error) {
	if accountName == "" || containerName == "" {
		return nil, fmt.Errorf("azure storage account and container are required")
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)

	var client *azblob.Client
	if accountKey := os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"); accountKey != "" {
		credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client with shared key: %w", err)
		}
	} else {
		var credential azcore.TokenCredential
		var err error
		if os.Getenv("AZURE_USE_MSI") == "true" {
			credential, err = azidentity.NewManagedIdentityCredential(nil)
		} else {
			credential, err = azidentity.NewDefaultAzureCredential(nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		client, err = azblob.NewClient(serviceURL, credential, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob client: %w", err)
		}
	}

	return &AzureBackend{
		accountName:     accountName,
		containerName:   containerName,
		containerClient: client.ServiceClient().NewContainerClient(containerName),
	}, nil
}

// WriteJSON marshals v and uploads it at path
func (a *AzureBackend) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return syncerrors.NewStorageError("marshal", path, err)
	}
	return a.WriteFile(ctx, path, data)
}

// ReadJSON downloads path and unmarshals it into v
func (a *AzureBackend) ReadJSON(ctx context.Context, path string, v any) error {
	data, err := a.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return syncerrors.NewStorageError("unmarshal", path, err)
	}
	return nil
}

// WriteFile uploads raw bytes at path
func (a *AzureBackend) WriteFile(ctx context.Context, path string, data []byte) error {
	blobClient := a.containerClient.NewBlockBlobClient(normalizeBlobName(path))
	if _, err := blobClient.UploadBuffer(ctx, data, nil); err != nil {
		return syncerrors.NewStorageError("write", path, err)
	}
	return nil
}

// ReadFile downloads the blob at path
func (a *AzureBackend) ReadFile(ctx context.Context, path string) ([]byte, error) {
	blobClient := a.containerClient.NewBlobClient(normalizeBlobName(path))
	resp, err := blobClient.DownloadStream(ctx, nil)
	if err != nil {
		if isBlobNotFound(err) {
			return nil, syncerrors.NewStorageNotFoundError(path)
		}
		return nil, syncerrors.NewStorageError("read", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, syncerrors.NewStorageError("read", path, err)
	}
	return data, nil
}

// Exists reports whether a blob lives at path
func (a *AzureBackend) Exists(ctx context.Context, path string) (bool, error) {
	blobClient := a.containerClient.NewBlobClient(normalizeBlobName(path))
	if _, err := blobClient.GetProperties(ctx, nil); err != nil {
		if isBlobNotFound(err) {
			return false, nil
		}
		return false, syncerrors.NewStorageError("stat", path, err)
	}
	return true, nil
}

// Delete removes the blob at path, or every blob under it when path names a
// directory-like prefix.
func (a *AzureBackend) Delete(ctx context.Context, path string) error {
	name := normalizeBlobName(path)

	blobClient := a.containerClient.NewBlobClient(name)
	if _, err := blobClient.Delete(ctx, nil); err == nil {
		return nil
	} else if !isBlobNotFound(err) {
		return syncerrors.NewStorageError("delete", path, err)
	}

	// Not a single blob; treat as a prefix and sweep everything under it.
	prefix := name + "/"
	pager := a.containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return syncerrors.NewStorageError("delete", path, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			if _, err := a.containerClient.NewBlobClient(*item.Name).Delete(ctx, nil); err != nil && !isBlobNotFound(err) {
				return syncerrors.NewStorageError("delete", *item.Name, err)
			}
		}
	}
	return nil
}

// ListFiles returns the blob paths directly under prefix
func (a *AzureBackend) ListFiles(ctx context.Context, prefix string) ([]string, error) {
	blobPrefix := normalizeBlobName(prefix) + "/"

	pager := a.containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &blobPrefix,
	})

	var files []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, syncerrors.NewStorageError("list", prefix, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			// Skip blobs nested deeper than one level.
			rest := strings.TrimPrefix(*item.Name, blobPrefix)
			if strings.Contains(rest, "/") {
				continue
			}
			files = append(files, *item.Name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// ListDirs returns the unique first path segments under prefix
func (a *AzureBackend) ListDirs(ctx context.Context, prefix string) ([]string, error) {
	blobPrefix := normalizeBlobName(prefix) + "/"

	pager := a.containerClient.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: &blobPrefix,
	})

	seen := make(map[string]bool)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, syncerrors.NewStorageError("list", prefix, err)
		}
		for _, item := range resp.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rest := strings.TrimPrefix(*item.Name, blobPrefix)
			if idx := strings.Index(rest, "/"); idx > 0 {
				seen[rest[:idx]] = true
			}
		}
	}

	dirs := make([]string, 0, len(seen))
	for dir := range seen {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs, nil
}

func normalizeBlobName(path string) string {
	return strings.Trim(strings.ReplaceAll(path, "\\", "/"), "/")
}

func isBlobNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BlobNotFound")
}
