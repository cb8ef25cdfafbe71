// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloud provides components for interacting with Google Cloud services.
// This file defines a reusable Pub/Sub message listener that hands every
// message to a "Command" and settles the message based on the outcome.
//
// Logic Flow:
//  1. An instance of PubSubListener is created with a client and a subscription ID.
//  2. A "Command" (usually the generation workflow) is attached to the listener.
//  3. The `Listen` method starts a goroutine that receives messages until the
//     context is cancelled.
//  4. Each message runs the Command inside its own span.
//  5. Settlement:
//     - success: the message is acknowledged.
//     - a failure worth retrying (quota, server errors): the message is nacked
//     so Pub/Sub redelivers it under the subscription's retry policy. Work
//     interrupted by shutdown is nacked too.
//     - any other failure (a malformed request, a safety block): the message is
//     acknowledged and logged, because redelivery would fail the same way.
//
// Structs:
//   - PubSubListener: Manages the connection to a Pub/Sub subscription and holds
//     the command that will process incoming messages.
//
// Functions:
//   - NewPubSubListener: Constructor for creating a new PubSubListener.
//   - SetCommand: Attaches a processing command to the listener.
//   - Listen: Starts the background process to receive and handle messages.
package cloud

import (
	"context"
	"errors"
	"log/slog"

	"cloud.google.com/go/pubsub"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Settlement is what the listener did with a message.
type Settlement string

const (
	Acked   Settlement = "ack"
	Nacked  Settlement = "nack"
	Dropped Settlement = "drop" // Acknowledged after a permanent failure.
)

// PubSubListener connects a subscription to a processing command. Listeners
// have a life-cycle independent of individual API requests, so they live here
// with the other cloud clients.
type PubSubListener struct {
	client       *pubsub.Client
	subscription *pubsub.Subscription
	command      cor.Command
	onSettle     func(msg *pubsub.Message, outcome Settlement)
}

// NewPubSubListener is the constructor for creating a PubSubListener.
//
// Inputs:
//   - pubsubClient: An authenticated *pubsub.Client for connecting to the service.
//   - subscriptionID: The string ID of the subscription (e.g., "generation-requests-sub").
//   - command: The command to run per message; may be nil and set later.
//
// Outputs:
//   - *PubSubListener: A pointer to the newly created and configured listener.
//   - error: Always nil; kept so callers handle construction failures uniformly.
func NewPubSubListener(
	pubsubClient *pubsub.Client,
	subscriptionID string,
	command cor.Command,
) (cmd *PubSubListener, err error) {
	cmd = &PubSubListener{
		client:       pubsubClient,
		subscription: pubsubClient.Subscription(subscriptionID),
		command:      command,
	}
	return cmd, nil
}

// SetCommand attaches a command to the listener. A command that is already set
// is kept, so the initial configuration is not overwritten by accident.
func (m *PubSubListener) SetCommand(command cor.Command) {
	if m.command == nil {
		m.command = command
	}
}

// Command returns the attached command, or nil.
func (m *PubSubListener) Command() cor.Command {
	return m.command
}

// OnSettle registers a callback invoked after each message is settled.
func (m *PubSubListener) OnSettle(fn func(msg *pubsub.Message, outcome Settlement)) {
	m.onSettle = fn
}

// Listen starts receiving in a background goroutine and returns a channel that
// is closed when receiving stops.
//
// Inputs:
//   - ctx: Controls the lifecycle of the listener. Cancelling it stops Receive.
func (m *PubSubListener) Listen(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	slog.Info("listening", "subscription", m.subscription.ID())

	go func() {
		defer close(done)
		tracer := otel.Tracer("message-listener")

		err := m.subscription.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
			spanCtx, span := tracer.Start(msgCtx, "receive-message")
			defer span.End()
			span.SetAttributes(attribute.String("message_id", msg.ID))

			chainCtx := cor.NewBaseContext()
			chainCtx.SetContext(spanCtx)
			chainCtx.Add(cor.CtxIn, string(msg.Data))
			m.command.Execute(chainCtx)

			outcome := settle(chainCtx.Err())
			switch outcome {
			case Acked:
				span.SetStatus(codes.Ok, "success")
				msg.Ack()
			case Nacked:
				span.SetStatus(codes.Error, "failed, will be redelivered")
				slog.WarnContext(spanCtx, "generation failed, message will be redelivered", "message_id", msg.ID, "error", chainCtx.Err())
				msg.Nack()
			default:
				span.SetStatus(codes.Error, "failed permanently")
				slog.ErrorContext(spanCtx, "generation failed permanently, dropping message", "message_id", msg.ID, "error", chainCtx.Err())
				msg.Ack()
			}
			if m.onSettle != nil {
				m.onSettle(msg, outcome)
			}
		})
		if err != nil {
			slog.Error("error receiving data", "subscription", m.subscription.ID(), "error", err)
		}
	}()
	return done
}

func settle(err error) Settlement {
	switch {
	case err == nil:
		return Acked
	case generation.IsRetryable(err), errors.Is(err, context.Canceled):
		return Nacked
	default:
		return Dropped
	}
}
