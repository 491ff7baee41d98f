package mlflow

import (
	"net/url"
	"strings"

	"github.com/fentz26/mlflow-exim/internal/config"
	"github.com/fentz26/mlflow-exim/internal/errs"
)

// Flavour identifies the model registry behind a model name.
type Flavour int

const (
	// Classic is the workspace model registry: stages, no aliases on old servers.
	Classic Flavour = iota
	// Catalog is the unity-catalog registry: three-part names, aliases, no stages.
	Catalog
)

func (f Flavour) String() string {
	if f == Catalog {
		return "catalog"
	}
	return "classic"
}

// SupportsStages reports whether stage transitions exist in this registry.
func (f Flavour) SupportsStages() bool {
	return f == Classic
}

// RegistryFlavour picks the registry for a model name. Catalog names are
// dotted (catalog.schema.model).
func RegistryFlavour(name string) Flavour {
	if strings.Contains(name, ".") {
		return Catalog
	}
	return Classic
}

// registryPath returns the REST path of a registry endpoint for the model.
func registryPath(f Flavour, endpoint string) string {
	if f == Catalog {
		return apiPrefix + "unity-catalog/" + endpoint
	}
	return apiPrefix + endpoint
}

// IsCatalogURI reports whether the tracking URI selects the catalog registry.
func IsCatalogURI(uri string) bool {
	return uri == "databricks-uc"
}

// ResolveHost maps a tracking URI to the base URL of its REST API. Databricks
// URIs take their host from DATABRICKS_HOST.
func ResolveHost(tc config.TrackingConfig) (string, error) {
	uri := strings.TrimSpace(tc.URI)
	if config.IsDatabricks(uri) {
		host := strings.TrimRight(tc.Host, "/")
		if host == "" {
			return "", errs.Errorf(errs.KindInvalid, "resolve tracking uri",
				"%s requires %s", uri, config.EnvDatabricksHost)
		}
		if !strings.Contains(host, "://") {
			host = "https://" + host
		}
		return host, nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return "", errs.E(errs.KindInvalid, "resolve tracking uri", err)
	}
	switch u.Scheme {
	case "http", "https":
		return strings.TrimRight(uri, "/"), nil
	case "", "file":
		return "", errs.Errorf(errs.KindInvalid, "resolve tracking uri",
			"%q is a local file store; run an MLflow tracking server in front of it", uri)
	default:
		return "", errs.Errorf(errs.KindInvalid, "resolve tracking uri", "unsupported scheme %q", u.Scheme)
	}
}
