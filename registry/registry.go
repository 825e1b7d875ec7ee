// Package registry advertises live assistant sessions so other tools on the
// host can find the callback endpoint of a running session.
package registry

import (
	"context"
	"time"
)

// ServiceInstance describes one advertised session.
type ServiceInstance struct {
	ID        string    `json:"id"`     // session ID
	Addr      string    `json:"addr"`   // host callback endpoint
	Remote    string    `json:"remote"` // extension endpoint
	StartedAt time.Time `json:"startedAt"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, id string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
