package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent([]byte(`{"kind":"wallet","key":" 0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ","fields":{"sol_amount":12.5}}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, model.KindWallet, ev.Kind)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", ev.Key)
	assert.Equal(t, fixedNow, ev.Timestamp)
	assert.Equal(t, json.Number("12.5"), ev.Fields["sol_amount"])

	_, err = DecodeEvent([]byte(`{"kind":"nft","key":"x"}`), fixedNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = DecodeEvent([]byte(`{"kind":"token"}`), fixedNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = DecodeEvent([]byte(`not json`), fixedNow)
	assert.Error(t, err)
}

func TestReadEventsArrayAndNDJSON(t *testing.T) {
	arr := `
[
  {"kind":"token","key":"mintA","symbol":"AAA","timestamp":"2026-06-01T10:00:00Z","fields":{"price_usd":1}},
  {"kind":"pattern","key":"mintB"}
]`
	events, err := ReadEvents(strings.NewReader(arr), fixedNow)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "AAA", events[0].Symbol)
	assert.Equal(t, time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC), events[0].Timestamp)
	assert.NotNil(t, events[1].Fields)

	nd := "{\"kind\":\"token\",\"key\":\"a\"}\n{\"kind\":\"wallet\",\"key\":\"b\"}\n"
	events, err = ReadEvents(strings.NewReader(nd), fixedNow)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	events, err = ReadEvents(strings.NewReader("  \n"), fixedNow)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = ReadEvents(strings.NewReader(`[{"kind":"token"}]`), fixedNow)
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		msg := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestConsumerKeepsPerKeyOrderAndCommits(t *testing.T) {
	reader := &fakeReader{}
	for i := 0; i < 20; i++ {
		key := []string{"mintA", "mintB", "mintC"}[i%3]
		value := fmt.Sprintf(`{"kind":"token","key":%q,"fields":{"seq":%d}}`, key, i)
		if i == 7 {
			value = `garbage`
		}
		reader.msgs = append(reader.msgs, kafka.Message{Key: []byte(key), Value: []byte(value), Offset: int64(i)})
	}

	var mu sync.Mutex
	seen := map[string][]string{}
	handled := 0
	handler := func(_ context.Context, ev model.Event) error {
		mu.Lock()
		seen[ev.Key] = append(seen[ev.Key], ev.Fields["seq"].(json.Number).String())
		handled++
		mu.Unlock()
		return nil
	}

	consumer := NewConsumer(reader, handler, Options{Workers: 4, Now: func() time.Time { return fixedNow }}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return reader.commits() == 20 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 19, handled, "the undecodable message is skipped but still committed")
	assert.True(t, reader.closed)
	for key, seqs := range seen {
		for i := 1; i < len(seqs); i++ {
			prev, _ := strconv.Atoi(seqs[i-1])
			cur, _ := strconv.Atoi(seqs[i])
			assert.Less(t, prev, cur, "events for %s handled out of order", key)
		}
	}
}

func TestConsumerSameKeySameLane(t *testing.T) {
	c := NewConsumer(&fakeReader{}, nil, Options{Workers: 8}, zerolog.Nop())
	first := c.lane([]byte("mintA"))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.lane([]byte("mintA")))
	}
	single := NewConsumer(&fakeReader{}, nil, Options{}, zerolog.Nop())
	assert.Equal(t, 0, single.lane([]byte("anything")))
}

func TestConsumerStopsOnReaderEOF(t *testing.T) {
	reader := &eofReader{}
	c := NewConsumer(reader, func(context.Context, model.Event) error { return nil }, Options{}, zerolog.Nop())
	assert.NoError(t, c.Run(context.Background()))
}

type eofReader struct{ fakeReader }

func (r *eofReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.EOF
}
