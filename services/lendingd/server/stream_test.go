package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"onloan/core/events"
	"onloan/native/lending"
	"onloan/storage/journal"
)

func TestHubFiltersAndDropsSlowSubscribers(t *testing.T) {
	hub := NewHub()
	updates, _, cancel := hub.Subscribe(journal.Filter{Type: lending.TypeLoanCreated})
	defer cancel()
	_, dropped, cancelSlow := hub.Subscribe(journal.Filter{})
	defer cancelSlow()
	require.Equal(t, 2, hub.Subscribers())

	hub.Emit(lending.PauseChanged{})
	hub.Emit(events.Record{Seq: 1, Type: lending.TypeDepositToPool})
	hub.Emit(events.Record{Seq: 2, Type: lending.TypeLoanCreated})
	rec := <-updates
	require.Equal(t, uint64(2), rec.Seq)

	for i := 0; i < subscriberBuffer+1; i++ {
		hub.Emit(events.Record{Seq: uint64(3 + i), Type: lending.TypeDepositToPool})
	}
	select {
	case <-dropped:
	default:
		t.Fatal("expected the slow subscriber to be dropped")
	}
	require.Equal(t, 1, hub.Subscribers())
}

func TestEventStreamDeliversLiveRecords(t *testing.T) {
	h := newHarness(t)
	h.deposit(lenderAddr, "100")

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?after=0&account=" + lenderAddr.Hex()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool { return h.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)
	rec := h.do(http.MethodPost, "/v1/pool/withdraw", &lenderAddr, map[string]string{"amount": "40"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var got events.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, lending.TypeWithdrawalFromPool, got.Type)
	require.Equal(t, lenderAddr.Hex(), got.Subject)
}

func TestEventStreamReplaysFromCursor(t *testing.T) {
	h := newHarness(t)
	h.deposit(lenderAddr, "100")
	h.deposit(lenderAddr, "5")

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?after=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var got events.Record
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, lending.TypeDepositToPool, got.Type)
	require.Equal(t, "5", got.Attributes["amount"])
}

func TestEventStreamReplaysBacklogAcrossPages(t *testing.T) {
	h := newHarness(t)
	const deposits = backlogPageSize + 20
	for i := 0; i < deposits; i++ {
		h.deposit(lenderAddr, "1")
	}

	srv := httptest.NewServer(h.handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?after=1"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	readSeq := func() uint64 {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var got events.Record
		require.NoError(t, json.Unmarshal(data, &got))
		return got.Seq
	}
	for want := uint64(2); want <= deposits; want++ {
		require.Equal(t, want, readSeq())
	}

	h.deposit(lenderAddr, "1")
	require.Equal(t, uint64(deposits+1), readSeq())
}
