// Package api serves chat, dream and record inspection over HTTP.
package api

import (
	"github.com/felixgeelhaar/enkidu/internal/dream"
	"github.com/felixgeelhaar/enkidu/internal/guard"
	"github.com/felixgeelhaar/enkidu/internal/index"
	"github.com/felixgeelhaar/enkidu/internal/runtime"
	"github.com/felixgeelhaar/enkidu/internal/semantic"
	"github.com/felixgeelhaar/enkidu/internal/vault"
)

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g. "127.0.0.1:7777").
	ListenAddr string
	// WatchVault re-imports vault files and drops the retrieval caches when
	// markdown under the data directory changes.
	WatchVault bool
}

// Deps are the components the handlers call. Semantic, Index and Vault
// are optional. Layout locates the watched vault directories.
type Deps struct {
	Layout   guard.Layout
	Runtime  *runtime.Runtime
	Dream    *dream.Pass
	Index    *index.Cache
	Semantic *semantic.Retriever
	Vault    *vault.Vault
}
