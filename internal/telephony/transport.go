package telephony

import "context"

// ProviderEventKind is what a Transport reports. The Adapter maps these onto
// its public EventKind vocabulary.
type ProviderEventKind int

const (
	ProviderRegistered ProviderEventKind = iota + 1
	ProviderUnregistered
	ProviderOffline
	ProviderError
	ProviderIncoming
	ProviderAccepted
	ProviderAnswered
	ProviderDisconnected
	ProviderCanceled
	ProviderTokenWillExpire
)

type ProviderEvent struct {
	Kind ProviderEventKind
	Call ProviderCall
	Err  error
}

// ProviderCall is one provider connection. ID is the provider call id.
type ProviderCall interface {
	ID() string
	Params() map[string]string
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Hangup(ctx context.Context) error
	SetHold(ctx context.Context, hold bool) error
}

// Transport is one registered provider endpoint. Implementations report
// through TransportConfig.Emit, which never blocks and may be called from
// any goroutine, including from inside Transport methods.
type Transport interface {
	Register(ctx context.Context) error
	Connect(ctx context.Context, params map[string]string) (ProviderCall, error)
	UpdateToken(ctx context.Context, token string) error
	Destroy()
}

type TransportConfig struct {
	Identity string
	Token    string
	Emit     func(ProviderEvent)
}

// TransportFactory builds a fresh Transport for every registration.
type TransportFactory func(cfg TransportConfig) (Transport, error)
