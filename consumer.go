// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"gopkg.in/tomb.v2"
)

const (
	DefaultConsumerRestartDelay    = 2 * time.Second
	DefaultConsumerRestartMaxDelay = 30 * time.Second
)

type (
	// Subscription binds a queue to a delivery handler.
	Subscription struct {
		Name          string // unique per tunnel, reported to callbacks
		Queue         string // queue to consume from, must already exist
		ConsumerTag   string // generated from Name when empty
		PrefetchCount int    // unacknowledged deliveries the broker keeps in flight, 0 = unlimited
		Concurrency   int    // concurrent HandleMessage calls, defaults to 1
	}

	subscription struct {
		Subscription
		handler DeliveryHandler
	}

	// consumerManager (re)starts every subscription on each connected session.
	// A session is one tomb tracking all consume and worker goroutines of one
	// physical connection; it is killed when the connection goes away.
	consumerManager struct {
		conn    DurableConnection
		watcher Watcher

		restartDelay    time.Duration
		restartMaxDelay time.Duration

		mu            sync.Mutex
		subscriptions []*subscription
		names         map[string]struct{}
		session       *tomb.Tomb
	}
)

func newConsumerManager(conn DurableConnection, watcher Watcher) *consumerManager {
	return &consumerManager{
		conn:            conn,
		watcher:         watcher,
		restartDelay:    DefaultConsumerRestartDelay,
		restartMaxDelay: DefaultConsumerRestartMaxDelay,
		names:           map[string]struct{}{},
	}
}

func (m *consumerManager) add(sub Subscription, handler DeliveryHandler) error {
	if sub.Name == "" || sub.Queue == "" || handler == nil {
		m.watcher.Errorf("invalid parameters to register subscription")
		return ErrInvalidSubscription
	}
	if sub.Concurrency <= 0 {
		sub.Concurrency = 1
	}
	if sub.ConsumerTag == "" {
		sub.ConsumerTag = fmt.Sprintf("%s-%s", sub.Name, uuid.NewString())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.names[sub.Name]; ok {
		m.watcher.Errorf("subscription %s already registered", sub.Name)
		return ErrSubscriptionAlreadyRegistered
	}

	s := &subscription{Subscription: sub, handler: handler}
	handler.HandlingComplete().Subscribe(func(d *Delivery) error {
		return d.Ack()
	})

	m.names[sub.Name] = struct{}{}
	m.subscriptions = append(m.subscriptions, s)

	if m.session != nil && m.session.Alive() {
		session := m.session
		session.Go(func() error { return m.consume(session, s) })
	}

	return nil
}

// start opens a new session for the current connection.
func (m *consumerManager) start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		m.session.Kill(nil)
	}

	session := new(tomb.Tomb)
	m.session = session

	// keeps the session alive until killed so subscriptions added later can join it
	session.Go(func() error {
		<-session.Dying()
		return nil
	})

	for _, s := range m.subscriptions {
		s := s
		session.Go(func() error { return m.consume(session, s) })
	}

	m.watcher.Infof("consumer session started with %d subscriptions", len(m.subscriptions))
}

// stop kills the current session without waiting for in-flight handlers.
func (m *consumerManager) stop() *tomb.Tomb {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.session
	if session != nil {
		session.Kill(nil)
		m.session = nil
	}

	return session
}

// consume runs one subscription for the lifetime of a session. A consumer
// whose channel fails while the connection stays up is restarted on a new
// channel after a backoff.
func (m *consumerManager) consume(session *tomb.Tomb, s *subscription) error {
	watcher := m.watcher.WithField("subscription", s.Name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.restartDelay
	b.MaxInterval = m.restartMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if m.consumeChannel(session, s, watcher) {
			b.Reset()
		}

		wait := b.NextBackOff()
		select {
		case <-session.Dying():
			return nil
		default:
		}

		watcher.Warnf("restarting consumer for queue: %s in %s", s.Queue, wait.Round(time.Millisecond))

		select {
		case <-session.Dying():
			return nil
		case <-time.After(wait):
		}
	}
}

// consumeChannel consumes from one channel until it fails or the session
// dies. It reports whether the consumer was started.
func (m *consumerManager) consumeChannel(session *tomb.Tomb, s *subscription, watcher Watcher) bool {
	ch, err := m.conn.Channel()
	if err != nil {
		watcher.Errorf("failed to get channel for queue: %s: %v", s.Queue, err)
		return false
	}

	if s.PrefetchCount > 0 {
		if err := ch.Qos(s.PrefetchCount, 0, false); err != nil {
			watcher.Errorf("failed to set qos for queue: %s: %v", s.Queue, err)
			_ = ch.Close()
			return false
		}
	}

	deliveries, err := ch.Consume(s.Queue, s.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		watcher.Errorf("failure to declare consumer for queue: %s: %v", s.Queue, err)
		_ = ch.Close()
		return false
	}

	watcher.Infof("started consuming from queue: %s", s.Queue)

	ctx := session.Context(context.Background())
	workers := make(chan struct{}, s.Concurrency)
	var inflight sync.WaitGroup

	defer func() {
		inflight.Wait()
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	for {
		select {
		case <-session.Dying():
			if err := ch.Cancel(s.ConsumerTag, false); err != nil && !ch.IsClosed() {
				watcher.Warnf("failed to cancel consumer %s: %v", s.ConsumerTag, err)
			}
			return true

		case received, ok := <-deliveries:
			if !ok {
				watcher.Warnf("delivery channel closed for queue: %s", s.Queue)
				return true
			}

			select {
			case workers <- struct{}{}:
			case <-session.Dying():
				// unacknowledged, the broker redelivers it
				return true
			}

			delivery := NewDelivery(received)
			inflight.Add(1)
			session.Go(func() error {
				defer inflight.Done()
				defer func() { <-workers }()

				s.handler.HandleMessage(ctx, delivery)
				return nil
			})
		}
	}
}
