package app

import (
	"github.com/stacklok/datasource-federation-server/internal/federation"
	"github.com/stacklok/datasource-federation-server/internal/history"
	"github.com/stacklok/datasource-federation-server/internal/registry"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

// AppComponents groups all application components
//
//nolint:revive // This name is fine
type AppComponents struct {
	// Store persists source and composition configurations
	Store store.Store

	// Registry resolves names to bound sources
	Registry *registry.Registry

	// Engine executes federated queries
	Engine *federation.Engine

	// History records executed queries
	History history.Recorder
}
