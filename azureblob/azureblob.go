// Package azureblob implements the relocation storage capability on Azure Blob
// Storage: infinite blob leases, user delegation SAS tokens and asynchronous
// copy-from-URL.
package azureblob

import (
	"errors"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"go.uber.org/zap"

	br "gitlab.com/secure-storage/blobrelocator"
)

// DefaultCopyPollInterval is how often a pending copy is checked for completion.
const DefaultCopyPollInterval = 2 * time.Second

// AzureBlob holds the identity used against every storage account and one
// service client per account endpoint.
type AzureBlob struct {
	Credential    azcore.TokenCredential
	ClientOptions *service.ClientOptions

	mu      sync.Mutex
	clients map[string]*service.Client
}

// NewAzureBlob returns a new instance of AzureBlob using cred for all endpoints.
func NewAzureBlob(cred azcore.TokenCredential) *AzureBlob {
	return &AzureBlob{
		Credential: cred,
		clients:    make(map[string]*service.Client),
	}
}

// ServiceClient returns the cached client for the endpoint of loc.
func (a *AzureBlob) ServiceClient(loc br.ObjectLocator) (*service.Client, error) {
	endpoint := loc.Endpoint()

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.clients[endpoint]; ok {
		return c, nil
	}
	c, err := service.NewClient(endpoint+"/", a.Credential, a.ClientOptions)
	if err != nil {
		return nil, br.WrapError(br.EINVALID, err, "blob service client for %s", endpoint)
	}
	a.clients[endpoint] = c
	return c, nil
}

// classify maps an SDK error to an application error. Errors carrying a
// service response get code; anything else means the service was not reached.
func classify(err error, code string, format string, args ...interface{}) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return br.WrapError(code, err, format, args...)
	}
	return br.WrapError(br.EUNREACHABLE, err, format, args...)
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
