package cli

import (
	"context"

	"github.com/valter-silva-au/obscore/internal/mcp"
	"github.com/valter-silva-au/obscore/pkg/models"
	"go.uber.org/zap"
)

// Platform is the set of running engines behind serve and mcp serve.
type Platform interface {
	Start(ctx context.Context) error
	Stop() error
	MCPDeps() mcp.Deps
}

// Set during app initialization in app.go.
var (
	BasePath    string
	NewPlatform func(cfg *models.Config, logger *zap.Logger) (Platform, error)
)
