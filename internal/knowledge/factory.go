package knowledge

import (
	"fmt"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"github.com/Echoxiawan/KBaseCase/internal/embeddings"
	"go.uber.org/zap"
)

// New builds the backend selected by cfg.Provider. Provider "none"
// returns a nil Store and no error. The encoder is only used by the local
// and qdrant backends.
func New(cfg config.KnowledgeConfig, encoder embeddings.Provider, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("knowledge")

	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case "none", "":
		return nil, nil
	case "dify":
		store, err = unwrap(NewDifyClient(cfg.Dify, logger))
	case "local":
		store, err = unwrap(NewLocalStore(cfg.Local, encoder, 0, logger))
	case "qdrant":
		store, err = unwrap(NewQdrantStore(cfg.Qdrant, encoder, 0, logger))
	default:
		err = fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("%s knowledge base: %w", cfg.Provider, err)
	}
	return store, nil
}

// unwrap keeps a typed nil out of the Store interface.
func unwrap[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
