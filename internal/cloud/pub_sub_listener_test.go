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

package cloud_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/jaycherian/gcp-go-media-generation/internal/cloud"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-generation/internal/core/generation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// outcomeCommand fails according to the message body.
type outcomeCommand struct {
	*cor.BaseCommand
}

func (c *outcomeCommand) Execute(context cor.Context) {
	in, _ := cor.GetAs[string](context, c.GetInputParam())
	switch in {
	case "retry":
		c.Fail(context, &generation.SubmissionError{Kind: generation.SubmissionTransient, StatusCode: 503, Err: errors.New("unavailable")})
	case "bad":
		c.Fail(context, &generation.SubmissionError{Kind: generation.SubmissionClient, StatusCode: 400, Err: errors.New("invalid argument")})
	default:
		context.Add(c.GetOutputParam(), in)
		c.Succeed(context)
	}
}

func newTestPubSub(t *testing.T) *pubsub.Client {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPubSubListenerSettlesByOutcome(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := newTestPubSub(t)

	topic, err := client.CreateTopic(ctx, "generation-requests")
	require.NoError(t, err)
	defer topic.Stop()
	_, err = client.CreateSubscription(ctx, "generation-requests-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	listener, err := cloud.NewPubSubListener(client, "generation-requests-sub", nil)
	require.NoError(t, err)
	listener.SetCommand(&outcomeCommand{BaseCommand: cor.NewBaseCommand("outcome")})

	var mu sync.Mutex
	outcomes := make(map[string]cloud.Settlement)
	settled := make(chan struct{})
	listener.OnSettle(func(msg *pubsub.Message, outcome cloud.Settlement) {
		mu.Lock()
		defer mu.Unlock()
		// Nacked messages are redelivered; only the first outcome counts.
		if _, seen := outcomes[string(msg.Data)]; seen {
			return
		}
		outcomes[string(msg.Data)] = outcome
		if len(outcomes) == 3 {
			close(settled)
		}
	})

	done := listener.Listen(ctx)
	for _, body := range []string{"ok", "retry", "bad"} {
		_, err := topic.Publish(ctx, &pubsub.Message{Data: []byte(body)}).Get(ctx)
		require.NoError(t, err)
	}

	select {
	case <-settled:
	case <-time.After(10 * time.Second):
		t.Fatal("messages were not settled in time")
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]cloud.Settlement{
		"ok":    cloud.Acked,
		"retry": cloud.Nacked,
		"bad":   cloud.Dropped,
	}, outcomes)
}

func TestPubSubListenerKeepsExistingCommand(t *testing.T) {
	client := newTestPubSub(t)
	first := &outcomeCommand{BaseCommand: cor.NewBaseCommand("first")}
	listener, err := cloud.NewPubSubListener(client, "sub", first)
	require.NoError(t, err)

	listener.SetCommand(&outcomeCommand{BaseCommand: cor.NewBaseCommand("second")})
	assert.Same(t, first, listener.Command())
}
