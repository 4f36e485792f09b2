package plugin

import (
	"net/http"

	"go.uber.org/zap"
)

// Context provides dependencies to adapter factories.
type Context struct {
	// Logger is a structured logger for the adapter to use.
	// Adapters should use logger.Named("adapterid") for namespacing.
	Logger *zap.Logger

	// HTTPClient is shared by adapters that talk HTTP to their backend.
	HTTPClient *http.Client
}

// NewContext creates a new factory context.
func NewContext(logger *zap.Logger, httpClient *http.Client) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Context{
		Logger:     logger,
		HTTPClient: httpClient,
	}
}
