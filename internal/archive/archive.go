// Package archive keeps a copy of every raw stream event that became a
// mention, for later replay and debugging.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/sirupsen/logrus"
)

// Archiver stores raw events
type Archiver interface {
	Archive(ctx context.Context, tweetID string, receivedAt time.Time, raw []byte) error
	List(ctx context.Context, day time.Time) ([]string, error)
}

// BlobName is the object key for an event received at t
func BlobName(tweetID string, t time.Time) string {
	return fmt.Sprintf("%s%s.json", DayPrefix(t), tweetID)
}

// DayPrefix is the key prefix shared by all events of t's UTC day
func DayPrefix(t time.Time) string {
	return "events/" + t.UTC().Format("2006/01/02") + "/"
}

// BlobArchive stores events in Azure Blob Storage
type BlobArchive struct {
	client        *azblob.Client
	containerName string
}

// Ensure BlobArchive implements Archiver
var _ Archiver = (*BlobArchive)(nil)

// NewBlobArchive creates a new Azure Blob archive using managed identity
func NewBlobArchive(ctx context.Context, accountName, containerName string) (*BlobArchive, error) {
	if accountName == "" {
		return nil, fmt.Errorf("storage account name is required")
	}

	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", accountName)
	client, err := azblob.NewClient(serviceURL, credential, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure blob client: %w", err)
	}

	archive := &BlobArchive{
		client:        client,
		containerName: containerName,
	}

	if err := archive.ensureContainer(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure container exists: %w", err)
	}

	return archive, nil
}

func (a *BlobArchive) ensureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.containerName, nil)
	if err != nil {
		if !strings.Contains(err.Error(), "ContainerAlreadyExists") {
			return fmt.Errorf("failed to create container: %w", err)
		}
		logrus.Debugf("Container %s already exists", a.containerName)
	} else {
		logrus.Infof("Created container %s", a.containerName)
	}
	return nil
}

// Archive uploads the raw event
func (a *BlobArchive) Archive(ctx context.Context, tweetID string, receivedAt time.Time, raw []byte) error {
	name := BlobName(tweetID, receivedAt)
	if _, err := a.client.UploadBuffer(ctx, a.containerName, name, raw, nil); err != nil {
		return fmt.Errorf("failed to upload blob %s: %w", name, err)
	}
	logrus.Debugf("Archived event %s", name)
	return nil
}

// List returns the blob names archived on day
func (a *BlobArchive) List(ctx context.Context, day time.Time) ([]string, error) {
	prefix := DayPrefix(day)

	var names []string
	pager := a.client.NewListBlobsFlatPager(a.containerName, &azblob.ListBlobsFlatOptions{
		Prefix: &prefix,
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list blobs: %w", err)
		}
		for _, blob := range page.Segment.BlobItems {
			if blob.Name != nil {
				names = append(names, *blob.Name)
			}
		}
	}
	return names, nil
}

// NoopArchive discards events. Used when no storage account is configured.
type NoopArchive struct{}

var _ Archiver = NoopArchive{}

// Archive does nothing
func (NoopArchive) Archive(context.Context, string, time.Time, []byte) error { return nil }

// List returns nothing
func (NoopArchive) List(context.Context, time.Time) ([]string, error) { return nil, nil }
