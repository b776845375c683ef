package blobrelocator

import (
	"net/url"
	"strings"
)

// ObjectLocator identifies a single object by storage endpoint, container and
// object name. Object names may contain "/" separators.
type ObjectLocator struct {
	Scheme    string `json:"scheme"`
	Host      string `json:"host"`
	Container string `json:"container"`
	Name      string `json:"name"`
}

// ParseLocator parses an absolute object URI of the form
// scheme://host/container/name. Query strings and fragments are dropped.
func ParseLocator(rawURI string) (ObjectLocator, error) {
	u, err := url.Parse(rawURI)
	if err != nil {
		return ObjectLocator{}, WrapError(EMALFORMED, err, "invalid object uri %q", rawURI)
	}
	if !u.IsAbs() || u.Host == "" {
		return ObjectLocator{}, Errorf(EMALFORMED, "object uri %q is not absolute", rawURI)
	}

	container, name, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || container == "" || name == "" {
		return ObjectLocator{}, Errorf(EMALFORMED, "object uri %q has no container or object name", rawURI)
	}

	return ObjectLocator{
		Scheme:    strings.ToLower(u.Scheme),
		Host:      strings.ToLower(u.Host),
		Container: container,
		Name:      name,
	}, nil
}

// Endpoint returns the storage endpoint, e.g. https://account.blob.core.windows.net.
func (l ObjectLocator) Endpoint() string {
	return l.Scheme + "://" + l.Host
}

// Account returns the first DNS label of the host. For gs:// locators that is
// the bucket name.
func (l ObjectLocator) Account() string {
	account, _, _ := strings.Cut(l.Host, ".")
	return account
}

// Rebase returns a locator for the same container and object name under endpoint.
func (l ObjectLocator) Rebase(endpoint string) (ObjectLocator, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return ObjectLocator{}, WrapError(EINVALID, err, "invalid endpoint %q", endpoint)
	}
	if !u.IsAbs() || u.Host == "" || (u.Path != "" && u.Path != "/") {
		return ObjectLocator{}, Errorf(EINVALID, "endpoint %q must be scheme://host", endpoint)
	}
	return ObjectLocator{
		Scheme:    strings.ToLower(u.Scheme),
		Host:      strings.ToLower(u.Host),
		Container: l.Container,
		Name:      l.Name,
	}, nil
}

// String returns the object URI with escaped path segments.
func (l ObjectLocator) String() string {
	u := url.URL{
		Scheme: l.Scheme,
		Host:   l.Host,
		Path:   "/" + l.Container + "/" + l.Name,
	}
	return u.String()
}
