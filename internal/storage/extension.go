package storage

import (
	"context"

	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/host"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

// Extension loads document state from a DB and stores it back.
type Extension struct {
	host.NopHooks

	db     *DB
	logger *logging.Logger
}

var _ host.Hooks = (*Extension)(nil)

// NewExtension creates an Extension backed by db.
func NewExtension(db *DB, logger *logging.Logger) *Extension {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Extension{db: db, logger: logger.WithComponent("storage")}
}

// OnLoadDocument returns the stored state, if any.
func (e *Extension) OnLoadDocument(ctx context.Context, p *host.LoadPayload) ([]byte, error) {
	state, err := e.db.Fetch(ctx, p.DocumentName)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("fetched document", "document", p.DocumentName, "bytes", len(state))
	return state, nil
}

// OnStoreDocument persists the payload state.
func (e *Extension) OnStoreDocument(ctx context.Context, p *host.StorePayload) error {
	if err := e.db.Store(ctx, p.DocumentName, p.State); err != nil {
		if errors.Is(err, errors.ErrStorageBusy) {
			e.logger.Warn("database busy, store skipped", "document", p.DocumentName)
		}
		return err
	}
	e.logger.Debug("stored document", "document", p.DocumentName, "bytes", len(p.State), "socket_id", p.SocketID)
	return nil
}

// OnDestroy closes the database.
func (e *Extension) OnDestroy(context.Context) error {
	return e.db.Close()
}
