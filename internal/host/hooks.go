package host

import "context"

// ConfigurePayload is passed to OnConfigure once, before the host serves.
type ConfigurePayload struct {
	Host Host
}

// LoadPayload is passed to OnLoadDocument and AfterLoadDocument.
type LoadPayload struct {
	DocumentName string
	Document     Document
	Host         Host
}

// StorePayload is passed to OnStoreDocument and AfterStoreDocument.
type StorePayload struct {
	DocumentName string
	Document     Document
	// SocketID is the connection whose close triggered the store,
	// SocketIDServer for debounced server-initiated stores or
	// SocketIDShutdown for the flush in Close.
	SocketID string
	// State is the document state being persisted.
	State []byte
}

// ChangePayload is passed to OnChange after a change was applied.
type ChangePayload struct {
	DocumentName      string
	Document          Document
	TransactionOrigin Origin
	Update            []byte
}

// AwarenessPayload is passed to OnAwarenessUpdate for locally originated
// presence changes.
type AwarenessPayload struct {
	DocumentName string
	Document     Document
	Awareness    Awareness
	Added        []uint64
	Updated      []uint64
	Removed      []uint64
}

// ConnectionPayload is passed to OnDisconnect.
type ConnectionPayload struct {
	DocumentName string
	Document     Document
	SocketID     string
	// Connections is the number of local connections left.
	Connections int
}

// StatelessPayload is passed to BeforeBroadcastStateless.
type StatelessPayload struct {
	DocumentName string
	Document     Document
	Payload      string
}

// Hooks is implemented by host extensions. Hooks run in registration order;
// an error from OnConfigure or OnLoadDocument aborts the operation, errors
// from the others are logged by the host.
type Hooks interface {
	OnConfigure(ctx context.Context, p *ConfigurePayload) error
	// OnLoadDocument may return previously persisted state to merge into
	// the new document.
	OnLoadDocument(ctx context.Context, p *LoadPayload) ([]byte, error)
	AfterLoadDocument(ctx context.Context, p *LoadPayload) error
	OnStoreDocument(ctx context.Context, p *StorePayload) error
	AfterStoreDocument(ctx context.Context, p *StorePayload) error
	OnChange(ctx context.Context, p *ChangePayload) error
	OnAwarenessUpdate(ctx context.Context, p *AwarenessPayload) error
	OnDisconnect(ctx context.Context, p *ConnectionPayload) error
	BeforeBroadcastStateless(ctx context.Context, p *StatelessPayload) error
	OnDestroy(ctx context.Context) error
}

// NopHooks implements every hook as a no-op. Embed it and override the
// hooks an extension needs.
type NopHooks struct{}

var _ Hooks = NopHooks{}

func (NopHooks) OnConfigure(context.Context, *ConfigurePayload) error { return nil }

func (NopHooks) OnLoadDocument(context.Context, *LoadPayload) ([]byte, error) { return nil, nil }

func (NopHooks) AfterLoadDocument(context.Context, *LoadPayload) error { return nil }

func (NopHooks) OnStoreDocument(context.Context, *StorePayload) error { return nil }

func (NopHooks) AfterStoreDocument(context.Context, *StorePayload) error { return nil }

func (NopHooks) OnChange(context.Context, *ChangePayload) error { return nil }

func (NopHooks) OnAwarenessUpdate(context.Context, *AwarenessPayload) error { return nil }

func (NopHooks) OnDisconnect(context.Context, *ConnectionPayload) error { return nil }

func (NopHooks) BeforeBroadcastStateless(context.Context, *StatelessPayload) error { return nil }

func (NopHooks) OnDestroy(context.Context) error { return nil }
