// Package pubsub dispatches confirmation events to registered listeners.
// Listeners are never owned by the publisher: a closed or slow subscriber
// is skipped rather than waited on.
package pubsub

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
)

const subscriberBufferSize = 32

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{
		topic:   topic,
		payload: msg,
	}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]Subscribers),
	}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	s := NewSubscriber()
	b.topics[topic][s.id] = s

	return s
}

func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	b.mu.Unlock()
}

// Publish delivers msg to every active subscriber of topic and returns how
// many received it.
func (b *PubSub) Publish(topic string, msg []byte) int {
	b.mu.RLock()
	topicSubscribers := make([]*Subscriber, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		topicSubscribers = append(topicSubscribers, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range topicSubscribers {
		if s.signal(NewMessage(msg, topic)) {
			delivered++
		}
	}
	return delivered
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.Mutex
}

func NewSubscriber() *Subscriber {
	id := make([]byte, 16)
	rand.Read(id)

	return &Subscriber{
		id:       hex.EncodeToString(id),
		messages: make(chan *Message, subscriberBufferSize),
		active:   true,
	}
}

func (s *Subscriber) Id() string {
	return s.id
}

func (s *Subscriber) signal(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return false
	}
	select {
	case s.messages <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	s.active = false
	close(s.messages)
}
