package modhub

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// dispatchTask delivers one event to one module. It carries everything it
// needs by value so nothing is read from the catalog when it runs.
type dispatchTask struct {
	gmc      *GlobalModuleContext
	moduleID string
	module   Module
	handler  EventHandler
	event    *Event
	link     trace.Link
}

func (t *dispatchTask) TaskName() string {
	return "dispatch:" + t.event.Identifier() + "->" + t.moduleID
}

func (t *dispatchTask) Run(ctx context.Context) (err error) {
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(eventAttributes(t.event)...),
		trace.WithAttributes(attribute.String("modhub.module", t.moduleID)),
	}
	if t.link.SpanContext.IsValid() {
		opts = append(opts, trace.WithLinks(t.link))
	}
	ctx, span := t.gmc.tracer.Start(ctx, "modhub.dispatch "+t.event.Identifier(), opts...)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			t.gmc.reportFailure(ctx, t.moduleID, t.event.Identifier(), err)
		}
	}()

	var result *Event
	if t.handler != nil {
		result, err = t.handler(ctx, t.event)
	} else {
		result, err = t.module.Exec(ctx, t.event)
	}
	if err != nil {
		return err
	}
	if result != nil {
		span.AddEvent("result", trace.WithAttributes(attribute.String("modhub.result", result.Identifier())))
		t.gmc.TriggerEvent(ctx, result)
	}
	return nil
}

// hookTask runs a lifecycle hook on the module's runner.
type hookTask struct {
	gmc      *GlobalModuleContext
	moduleID string
	kind     string
	fn       func(context.Context) error
}

func (t *hookTask) TaskName() string {
	return t.kind + ":" + t.moduleID
}

func (t *hookTask) Run(ctx context.Context) error {
	if err := t.fn(ctx); err != nil {
		t.gmc.logger.Error("Lifecycle hook failed", "module", t.moduleID, "hook", t.kind, "error", err)
		return err
	}
	t.gmc.logger.Debug("Lifecycle hook completed", "module", t.moduleID, "hook", t.kind)
	return nil
}

func eventAttributes(event *Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("modhub.event", event.Identifier()),
		attribute.String("modhub.event_id", event.ID()),
		attribute.String("modhub.event_source", event.Source()),
		attribute.Int("modhub.payload_size", event.Payload().Size()),
	}
	if channel, ok := event.Channel(); ok {
		attrs = append(attrs, attribute.Int("modhub.channel", channel))
	}
	return attrs
}

func dispatchCount(n int) attribute.KeyValue {
	return attribute.Int("modhub.dispatched", n)
}
