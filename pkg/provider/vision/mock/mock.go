// Package mock provides a test double for the vision package's Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/llmrtc/llmrtc/pkg/provider/vision"
)

// DescribeCall records a single invocation of Provider.Describe.
type DescribeCall struct {
	Req vision.Request
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Describe. If nil and Err is nil, a zero-value
	// Result is returned.
	Result *vision.Result

	// Err, if non-nil, is returned as the error from Describe.
	Err error

	// Calls records every invocation of Describe.
	Calls []DescribeCall
}

// Describe records the call and returns Result, Err.
func (p *Provider) Describe(_ context.Context, req vision.Request) (*vision.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, DescribeCall{Req: req})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result != nil {
		return p.Result, nil
	}
	return &vision.Result{}, nil
}

// CallCount returns the number of Describe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements vision.Provider at compile time.
var _ vision.Provider = (*Provider)(nil)
