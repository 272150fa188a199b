// Package ingest turns raw event payloads into model.Event values, either
// from a Kafka topic or from a JSON document on disk.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basel95f-code/solana-memecoin-bot-sub009/internal/model"
)

// ErrInvalidEvent marks payloads that decode but cannot be evaluated.
var ErrInvalidEvent = errors.New("invalid event")

// DecodeEvent parses one JSON event. Numbers are kept as json.Number so rule
// thresholds compare exactly; the key is normalized and a missing timestamp
// defaults to now.
func DecodeEvent(data []byte, now time.Time) (model.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev model.Event
	if err := dec.Decode(&ev); err != nil {
		return model.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return finish(ev, now)
}

func finish(ev model.Event, now time.Time) (model.Event, error) {
	switch ev.Kind {
	case model.KindToken, model.KindWallet, model.KindPattern:
	default:
		return model.Event{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	ev.Key = model.NormalizeKey(ev.Key)
	if ev.Key == "" {
		return model.Event{}, fmt.Errorf("%w: missing key", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	if ev.Fields == nil {
		ev.Fields = map[string]any{}
	}
	return ev, nil
}

// ReadEvents reads either a JSON array of events or newline-delimited JSON.
func ReadEvents(r io.Reader, now time.Time) ([]model.Event, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		var raw []model.Event
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode events: %w", err)
		}
		out := make([]model.Event, 0, len(raw))
		for i, ev := range raw {
			ev, err := finish(ev, now)
			if err != nil {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			out = append(out, ev)
		}
		return out, nil
	}

	var out []model.Event
	for i := 0; ; i++ {
		var ev model.Event
		if err := dec.Decode(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		ev, err := finish(ev, now)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
