// Copyright (c) 2025, The GoKit Authors
// MIT License
// All rights reserved.

package tunnelmq

import (
	"context"
	"errors"
	"reflect"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// OutcomeHandled means the callback accepted the message.
	OutcomeHandled DispatchOutcome = iota + 1
	// OutcomeNotHandled means the callback ran but declined the message.
	OutcomeNotHandled
	// OutcomeFailed means the message could not be handled: type mismatch,
	// deserialization failure, callback error or panic.
	OutcomeFailed
)

type (
	// DispatchOutcome is the result of running a delivery through a handler.
	DispatchOutcome int

	// Callback is the application function invoked with the decoded message.
	// Returning an error wrapping ErrMessageNotHandled declines the message;
	// any other error marks it as failed.
	Callback[T any] func(ctx context.Context, msg T, metadata *DeliveryMetadata) error

	// Hook is an extension point run before or after a delivery is handled.
	Hook func(ctx context.Context, delivery *Delivery)

	// DeliveryHandler turns one delivery into one callback invocation plus
	// lifecycle notifications. HandlingComplete fires exactly once per call
	// to HandleMessage and HandleMessage never panics.
	DeliveryHandler interface {
		HandleMessage(ctx context.Context, delivery *Delivery) DispatchOutcome
		HandlingComplete() *Event[*Delivery]
		MessageWasNotHandled() *Event[*Delivery]
		TypeName() string
	}

	// HandlerOption configures a MessageHandler.
	HandlerOption func(*handlerConfig)

	handlerConfig struct {
		serializer   Serializer
		typeNames    TypeNameSerializer
		errorHandler ErrorHandler
		watcher      Watcher
		before       Hook
		after        Hook
		tracer       trace.Tracer
	}

	// MessageHandler is the DeliveryHandler for messages of type T.
	// After construction it only holds read-only configuration, so concurrent
	// HandleMessage calls are safe.
	MessageHandler[T any] struct {
		subscriptionName string
		typeName         string
		callback         Callback[T]
		cfg              handlerConfig

		handlingComplete     *Event[*Delivery]
		messageWasNotHandled *Event[*Delivery]
	}
)

// WithSerializer sets the payload serializer. JSON by default.
func WithSerializer(serializer Serializer) HandlerOption {
	return func(c *handlerConfig) {
		c.serializer = serializer
	}
}

// WithTypeNameSerializer sets how the expected type tag is computed.
func WithTypeNameSerializer(typeNames TypeNameSerializer) HandlerOption {
	return func(c *handlerConfig) {
		c.typeNames = typeNames
	}
}

// WithErrorHandler sets the handler failed deliveries are delegated to.
func WithErrorHandler(errorHandler ErrorHandler) HandlerOption {
	return func(c *handlerConfig) {
		c.errorHandler = errorHandler
	}
}

// WithHandlerWatcher sets the log sink.
func WithHandlerWatcher(watcher Watcher) HandlerOption {
	return func(c *handlerConfig) {
		c.watcher = watcher
	}
}

// WithBeforeHandling sets the hook run before each delivery.
func WithBeforeHandling(hook Hook) HandlerOption {
	return func(c *handlerConfig) {
		c.before = hook
	}
}

// WithAfterHandling sets the hook run after each delivery, whatever the outcome.
func WithAfterHandling(hook Hook) HandlerOption {
	return func(c *handlerConfig) {
		c.after = hook
	}
}

// WithTracer sets the tracer used for consumer spans.
func WithTracer(tracer trace.Tracer) HandlerOption {
	return func(c *handlerConfig) {
		c.tracer = tracer
	}
}

func noopHook(context.Context, *Delivery) {}

// NewMessageHandler creates the handler for messages of type T consumed by
// the subscription named subscriptionName.
func NewMessageHandler[T any](subscriptionName string, callback Callback[T], opts ...HandlerOption) *MessageHandler[T] {
	cfg := handlerConfig{
		serializer: JSONSerializer(),
		typeNames:  GoTypeNameSerializer(),
		watcher:    DefaultWatcher(),
		before:     noopHook,
		after:      noopHook,
		tracer:     otel.Tracer("tunnelmq-message-handler"),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.errorHandler == nil {
		cfg.errorHandler = NewDefaultErrorHandler(cfg.watcher)
	}

	cfg.watcher = cfg.watcher.WithField("subscription", subscriptionName)

	return &MessageHandler[T]{
		subscriptionName:     subscriptionName,
		typeName:             cfg.typeNames.Serialize(reflect.TypeOf((*T)(nil)).Elem()),
		callback:             callback,
		cfg:                  cfg,
		handlingComplete:     newEvent[*Delivery]("handling complete", cfg.watcher),
		messageWasNotHandled: newEvent[*Delivery]("message was not handled", cfg.watcher),
	}
}

// TypeName returns the type tag deliveries must carry to reach the callback.
func (h *MessageHandler[T]) TypeName() string {
	return h.typeName
}

// HandlingComplete fires once per delivery after cleanup; downstream code
// uses it to acknowledge the delivery.
func (h *MessageHandler[T]) HandlingComplete() *Event[*Delivery] {
	return h.handlingComplete
}

// MessageWasNotHandled fires for every delivery whose outcome is not OutcomeHandled.
func (h *MessageHandler[T]) MessageWasNotHandled() *Event[*Delivery] {
	return h.messageWasNotHandled
}

// HandleMessage runs the pipeline for one delivery: before hook, type check,
// deserialization, callback, error delegation and cleanup.
func (h *MessageHandler[T]) HandleMessage(ctx context.Context, delivery *Delivery) (outcome DispatchOutcome) {
	watcher := h.cfg.watcher.WithField("messageID", delivery.MessageID)

	ctx, span := NewConsumerSpan(ctx, h.cfg.tracer, delivery.Headers, delivery.Type)

	defer func() {
		if r := recover(); r != nil {
			outcome = OutcomeFailed
			watcher.Errorf("unexpected panic while handling message: %v", r)
		}
		h.complete(ctx, delivery, outcome, span, watcher)
	}()

	if watcher.IsDebugEnabled() {
		watcher.Debugf("received message: %s", delivery.Type)
	}

	if err := recoverAsError(func() error { h.cfg.before(ctx, delivery); return nil }); err != nil {
		watcher.Errorf("before handling hook failed: %v", err)
	}

	outcome, err := h.process(ctx, delivery)
	if err == nil {
		return outcome
	}

	span.RecordError(err)
	watcher.Errorf("error to process message: %v", err)

	herr := recoverAsError(func() error {
		return h.cfg.errorHandler.HandleError(ctx, delivery, err)
	})
	if herr != nil {
		watcher.Errorf("error handler failed: %v", herr)
	}

	return OutcomeFailed
}

func (h *MessageHandler[T]) process(ctx context.Context, delivery *Delivery) (DispatchOutcome, error) {
	if delivery.Type != h.typeName {
		return OutcomeFailed, &TypeMismatchError{Expected: h.typeName, Actual: delivery.Type}
	}

	var msg T
	if err := recoverAsError(func() error {
		return h.cfg.serializer.Deserialize(delivery.Body, &msg)
	}); err != nil {
		return OutcomeFailed, &DeserializationError{Type: h.typeName, Err: err}
	}

	err := recoverAsError(func() error {
		return h.callback(ctx, msg, delivery.Metadata(h.subscriptionName))
	})

	switch {
	case err == nil:
		return OutcomeHandled, nil
	case errors.Is(err, ErrMessageNotHandled):
		return OutcomeNotHandled, nil
	default:
		return OutcomeFailed, err
	}
}

// complete runs the cleanup steps. None of them can stop the others.
func (h *MessageHandler[T]) complete(ctx context.Context, delivery *Delivery, outcome DispatchOutcome, span trace.Span, watcher Watcher) {
	if outcome != OutcomeHandled {
		h.messageWasNotHandled.fire(delivery)
	}

	if err := recoverAsError(func() error { h.cfg.after(ctx, delivery); return nil }); err != nil {
		watcher.Errorf("after handling hook failed: %v", err)
	}

	h.handlingComplete.fire(delivery)

	if outcome == OutcomeHandled {
		span.SetStatus(codes.Ok, "success")
		if watcher.IsDebugEnabled() {
			watcher.Debugf("message processed properly")
		}
	} else {
		span.SetStatus(codes.Error, outcome.String())
	}
	span.End()
}

func (o DispatchOutcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeNotHandled:
		return "not handled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}
