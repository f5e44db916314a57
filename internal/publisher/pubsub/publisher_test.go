package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/mfnews-scraper/internal/news"
	pubsubpublisher "github.com/JakeFAU/mfnews-scraper/internal/publisher/pubsub"
)

func TestPublisherPublishesJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "mfnews-test", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "refreshes")
	require.NoError(t, err)
	sub, err := client.CreateSubscription(ctx, "refreshes-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := pubsubpublisher.New(topic)
	defer pub.Close()

	event := news.RefreshEvent{ID: "evt-1", Records: 18, PagesFetched: 3, StopReason: news.PageStatusEmpty}
	id, err := pub.Publish(ctx, "refresh", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	received := make(chan *pubsub.Message, 1)
	recvCtx, stop := context.WithCancel(ctx)
	go func() {
		_ = sub.Receive(recvCtx, func(_ context.Context, msg *pubsub.Message) {
			msg.Ack()
			select {
			case received <- msg:
			default:
			}
		})
	}()

	select {
	case msg := <-received:
		stop()
		assert.Equal(t, "refresh", msg.Attributes["event"])
		var got news.RefreshEvent
		require.NoError(t, json.Unmarshal(msg.Data, &got))
		assert.Equal(t, event.ID, got.ID)
		assert.Equal(t, 18, got.Records)
		assert.Equal(t, news.PageStatusEmpty, got.StopReason)
	case <-ctx.Done():
		stop()
		t.Fatal("timed out waiting for message")
	}
}

func TestPublisherWithoutTopic(t *testing.T) {
	t.Parallel()

	_, err := pubsubpublisher.New(nil).Publish(context.Background(), "refresh", "x")
	require.Error(t, err)
}
