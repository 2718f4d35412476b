// Copyright 2024 Courier Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"fmt"

	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/pipeline"
)

// Gateway lets code outside a handler act as an endpoint: send, publish and request inside a unit
// of work, or call a query synchronously.
type Gateway struct {
	endpoint *Endpoint
	uow      *pipeline.Composite
}

// Gateway returns a gateway acting as e. Replies to its requests arrive on the queue of e.
func (h *Host) Gateway(e *Endpoint) (*Gateway, error) {
	composite, err := pipeline.NewComposite(pipeline.Registration{
		Middleware: pipeline.NewUnitOfWork(h.uow, h.cfg.logger),
	})
	if err != nil {
		return nil, err
	}
	return &Gateway{endpoint: e, uow: composite}, nil
}

func (g *Gateway) context() *messaging.MessageContext {
	return messaging.NewMessageContext(g.endpoint.host.runtime(), g.endpoint.identity, nil)
}

// Execute runs fn in a fresh unit of work. Messages staged by fn are delivered when it returns
// nil and discarded otherwise.
func (g *Gateway) Execute(ctx context.Context, fn func(ctx context.Context, ic messaging.IntegrationContext) error) error {
	return g.uow.Execute(ctx, g.context(), func(ctx context.Context, mc *messaging.MessageContext) error {
		return fn(ctx, mc)
	})
}

// RPC sends request right away and waits for its reply of type R, or for ctx to end.
func RPC[R any](ctx context.Context, g *Gateway, request any) (R, error) {
	var zero R
	reply, err := g.context().RPCRequest(ctx, request)
	if err != nil {
		return zero, err
	}
	typed, ok := reply.(R)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrUnexpectedReply, reply, zero)
	}
	return typed, nil
}
