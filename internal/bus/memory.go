package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus with the same ack/nack/dead-letter semantics
// as the Redis adapter. It backs -disable-bus deployments and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	closed bool
	seq    int64
	topics map[string][]*memorySubscription
	dead   map[string][]Message
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string][]*memorySubscription),
		dead:   make(map[string][]Message),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("bus: topic is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus: closed")
	}
	b.seq++
	msg := Message{ID: fmt.Sprintf("mem-%d", b.seq), Payload: encoded, Deliveries: 1}
	groups := make(map[string]*memorySubscription)
	for _, sub := range b.topics[topic] {
		// One consumer per group receives each message.
		if _, taken := groups[sub.cfg.Group]; !taken {
			groups[sub.cfg.Group] = sub
		}
	}
	b.mu.Unlock()
	for _, sub := range groups {
		sub.deliver(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(cfg SubscriptionConfig) (Subscription, error) {
	if cfg.Handler == nil {
		return nil, errors.New("bus: handler is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" || strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("bus: topic and group are required")
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		bus:    b,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan Message, 256),
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errors.New("bus: closed")
	}
	b.topics[cfg.Topic] = append(b.topics[cfg.Topic], sub)
	b.mu.Unlock()
	for i := 0; i < cfg.MaxInFlight; i++ {
		sub.wg.Add(1)
		go sub.worker()
	}
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, list := range b.topics {
		subs = append(subs, list...)
	}
	b.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

// DeadLetters returns the messages parked on a topic's dead-letter stream.
func (b *MemoryBus) DeadLetters(topic string) []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.dead[topic]...)
}

func (b *MemoryBus) parkDead(topic string, msg Message) {
	b.mu.Lock()
	b.dead[topic] = append(b.dead[topic], msg)
	b.mu.Unlock()
}

type memorySubscription struct {
	bus    *MemoryBus
	cfg    SubscriptionConfig
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan Message

	once sync.Once
	wg   sync.WaitGroup
}

func (s *memorySubscription) deliver(msg Message) {
	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	}
}

func (s *memorySubscription) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			s.dispatch(msg)
		}
	}
}

func (s *memorySubscription) dispatch(msg Message) {
	err := s.cfg.Handler(s.ctx, msg)
	if err == nil {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	if msg.Deliveries >= s.cfg.MaxDeliveries {
		s.bus.parkDead(s.cfg.Topic+DeadLetterSuffix, msg)
		if s.cfg.DeadLetter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			s.cfg.DeadLetter(ctx, msg)
			cancel()
		}
		return
	}
	msg.Deliveries++
	go s.deliver(msg)
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		list := s.bus.topics[s.cfg.Topic]
		for i, sub := range list {
			if sub == s {
				s.bus.topics[s.cfg.Topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		s.cancel()
		s.wg.Wait()
	})
}
