package job

import (
	"context"
	"testing"

	"creditsystem/internal/infrastructure/mq"
	"creditsystem/internal/logging"
	"creditsystem/internal/model"
	"creditsystem/internal/repository"
	"creditsystem/internal/repository/memory"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOutbox(t *testing.T, store *memory.Store, keys ...string) {
	t.Helper()
	err := store.Transaction(context.Background(), func(tx repository.Tx) error {
		for _, k := range keys {
			if err := tx.CreateOutbox(context.Background(), &model.OutboxMessage{
				MessageKey: k,
				EventType:  model.EventCreditsGranted,
				Topic:      "credit-ledger-events",
				Payload:    `{"key":"` + k + `"}`,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func pending(t *testing.T, store *memory.Store) []*model.OutboxMessage {
	t.Helper()
	msgs, err := store.GetPendingMessages(context.Background(), 0)
	require.NoError(t, err)
	return msgs
}

func TestOutboxSender_SendsPending(t *testing.T) {
	store := memory.New()
	seedOutbox(t, store, "PAY1", "PAY2")

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	publisher := mq.NewKafkaPublisher(producer)
	defer publisher.Close()

	sender := NewOutboxSender(store, publisher, 0, 3, logging.Nop())
	assert.Equal(t, 2, sender.ProcessPending(context.Background()))
	assert.Empty(t, pending(t, store))

	// 没有待发送消息时不会调用生产者
	assert.Equal(t, 0, sender.ProcessPending(context.Background()))
}

func TestOutboxSender_RetriesThenFails(t *testing.T) {
	store := memory.New()
	seedOutbox(t, store, "PAY1")

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}
	publisher := mq.NewKafkaPublisher(producer)
	defer publisher.Close()

	sender := NewOutboxSender(store, publisher, 0, 3, logging.Nop())
	ctx := context.Background()

	assert.Equal(t, 0, sender.ProcessPending(ctx))
	msgs := pending(t, store)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].RetryCount)

	assert.Equal(t, 0, sender.ProcessPending(ctx))
	require.Len(t, pending(t, store), 1)

	// 第三次失败达到上限，不再重试
	assert.Equal(t, 0, sender.ProcessPending(ctx))
	assert.Empty(t, pending(t, store))
}

func TestOutboxSender_StartStops(t *testing.T) {
	store := memory.New()
	sender := NewOutboxSender(store, mq.NewLogPublisher(logging.Nop()), 0, 0, logging.Nop())

	done := make(chan struct{})
	go func() {
		sender.Start(context.Background())
		close(done)
	}()
	sender.Stop()
	<-done
}
