package redis

import (
	"context"
	"encoding/json"
	"log"

	goredis "github.com/go-redis/redis/v8"

	"optiontrader/internal/model"
)

// Subscribe pattern-subscribes to every event channel and decodes the
// payloads into events. The returned channel closes when ctx is done.
// Undecodable payloads are logged and skipped.
func (p *Publisher) Subscribe(ctx context.Context, buffer int) <-chan model.Event {
	out := make(chan model.Event, buffer)
	ps := p.client.PSubscribe(ctx, p.keys.Pattern())

	go func() {
		defer close(out)
		defer ps.Close()
		log.Printf("[redis] subscribed to %s", p.keys.Pattern())

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ev, err := decodeEvent(msg)
				if err != nil {
					log.Printf("[redis] bad payload on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- ev:
				default:
					log.Printf("[redis] subscriber buffer full, dropping %s event", ev.Kind)
				}
			}
		}
	}()
	return out
}

func decodeEvent(msg *goredis.Message) (model.Event, error) {
	var ev model.Event
	err := json.Unmarshal([]byte(msg.Payload), &ev)
	return ev, err
}
