// Package version provides build and version information for mlflow-exim.
package version

import "fmt"

// Product is the identifier attached to every outbound request so the tracking
// server's audit trail can attribute traffic to this tool.
const Product = "mlflow-export-import"

// Version is set at build time via -ldflags:
//
//	go build -ldflags "-X github.com/fentz26/mlflow-exim/internal/version.Version=x.y.z"
var Version = "0.1.0-dev"

// UserAgent returns the User-Agent header value for outbound requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Product, Version)
}
