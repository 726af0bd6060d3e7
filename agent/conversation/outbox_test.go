package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent/persistence"
	"github.com/BaSui01/roundtable/types"
)

func TestOutbox_DeliversInSequenceOrderPerConversation(t *testing.T) {
	store := persistence.NewMemoryConversationStore()
	ctx := context.Background()
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, store.CreateConversation(ctx, &types.Conversation{ID: id, Mode: types.ModeFree, Status: types.ConversationActive},
			[]*types.Participant{{Identity: types.UserSender("u1"), Role: types.RoleOwner}}))
	}
	o := NewOutbox(zap.NewNop())

	var mu sync.Mutex
	seen := map[string][]int64{}
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &types.Message{
				ConversationID: fmt.Sprintf("c%d", i%2+1),
				Sender:         types.UserSender("u1"),
				Content:        "hi",
				Status:         types.MessageSent,
			}
			_, err := o.Persist(ctx, store, msg, func(context.Context) {
				mu.Lock()
				defer mu.Unlock()
				seen[msg.ConversationID] = append(seen[msg.ConversationID], msg.SequenceNumber)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	require.NoError(t, o.Wait(ctx))

	for _, id := range []string{"c1", "c2"} {
		got := seen[id]
		require.Len(t, got, 20, id)
		for i, seq := range got {
			assert.Equal(t, int64(i+1), seq, id)
		}
	}
	assert.Empty(t, o.lanes, "idle lanes are released")
}

func TestOutbox_EnqueueWaitsBehindQueuedDeliveries(t *testing.T) {
	o := NewOutbox(nil)
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}

	first := o.Enqueue(context.Background(), "c1", func(context.Context) {
		<-release
		record("first")
	})
	second := o.Enqueue(context.Background(), "c1", func(context.Context) { record("second") })
	other := o.Enqueue(context.Background(), "c2", func(context.Context) { record("other") })

	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("other conversations must not wait")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(ctx), context.DeadlineExceeded)

	close(release)
	<-first
	<-second
	require.NoError(t, o.Wait(context.Background()))
	assert.Equal(t, []string{"other", "first", "second"}, order)
}

func TestOutbox_PanickingDeliveryDoesNotStallLane(t *testing.T) {
	o := NewOutbox(nil)
	<-o.Enqueue(context.Background(), "c1", func(context.Context) { panic("boom") })

	ran := false
	<-o.Enqueue(context.Background(), "c1", func(context.Context) { ran = true })
	assert.True(t, ran)
}

func TestOutbox_FailedAppendQueuesNothing(t *testing.T) {
	o := NewOutbox(nil)
	store := persistence.NewMemoryConversationStore()
	_, err := o.Persist(context.Background(), store, &types.Message{ConversationID: "missing", Sender: types.UserSender("u1")}, func(context.Context) {
		t.Error("must not deliver")
	})
	assert.Error(t, err)
	require.NoError(t, o.Wait(context.Background()))
}
