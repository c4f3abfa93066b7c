package port

import "github.com/olyamironova/spot-exchange/internal/domain"

// Publisher receives one event per mutating book operation. Implementations
// must not block the caller.
type Publisher interface {
	Publish(ev domain.Event)
}

type NopPublisher struct{}

func (NopPublisher) Publish(domain.Event) {}
