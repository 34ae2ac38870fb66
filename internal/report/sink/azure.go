package sink

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/pkg/errors"
)

// Azure uploads report snapshots to an Azure Blob Storage container.
type Azure struct {
	container string
	client    *azblob.Client
}

// NewAzure builds an Azure sink for container under account, reading the
// shared key from the conventional AZURE_STORAGE_ACCOUNT_KEY environment
// variable.
func NewAzure(account, container string) (*Azure, error) {
	key := os.Getenv("AZURE_STORAGE_ACCOUNT_KEY")
	cred, err := azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, errors.Wrap(err, "build azure shared key credential")
	}
	serviceURL := "https://" + account + ".blob.core.windows.net/"
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create azure blob client")
	}
	return &Azure{container: container, client: client}, nil
}

func (a *Azure) Put(ctx context.Context, key string, r io.Reader) error {
	body, err := ioutil.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "buffer report body")
	}
	_, err = a.client.UploadBuffer(ctx, a.container, key, bytes.NewBuffer(body).Bytes(), nil)
	return errors.Wrap(err, "upload blob")
}
