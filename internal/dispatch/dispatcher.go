// Package dispatch is the single entry point for business operations. It
// resolves the operation, maps its parameters, runs the remote call or report
// and always answers with an envelope.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	callcontext "github.com/iago/erpnext-dispatch/internal/context"
	"github.com/iago/erpnext-dispatch/internal/domain"
	"github.com/iago/erpnext-dispatch/internal/failure"
	"github.com/iago/erpnext-dispatch/internal/fieldmap"
	"github.com/rs/zerolog"
)

// Catalog resolves operation names.
type Catalog interface {
	Lookup(name string) (domain.OperationDescriptor, bool)
	Names() []string
	Operations() []domain.OperationDescriptor
	Fields() *fieldmap.Table
}

// Client runs one non-report operation kind against ERPNext.
type Client interface {
	Execute(ctx context.Context, kind domain.OperationKind, doctype string, params map[string]any) (any, error)
}

// Reports runs a report by report type.
type Reports interface {
	RunType(ctx context.Context, request domain.ReportRequest, reportType string) (*domain.ReportResult, error)
}

type Dependencies struct {
	Catalog    Catalog
	Client     Client
	Reports    Reports
	Normalizer *failure.Normalizer
	Logger     zerolog.Logger
}

type Dispatcher struct {
	catalog    Catalog
	client     Client
	reports    Reports
	normalizer *failure.Normalizer
	log        zerolog.Logger
}

func New(deps Dependencies) *Dispatcher {
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = failure.NewNormalizer(nil)
	}
	return &Dispatcher{
		catalog:    deps.Catalog,
		client:     deps.Client,
		reports:    deps.Reports,
		normalizer: normalizer,
		log:        deps.Logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch runs the named operation. It never panics and never returns a nil
// envelope: every failure ends up as a failure envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (envelope domain.Envelope) {
	start := time.Now()
	name = strings.TrimSpace(name)
	event := d.log.With().
		Str("operation", name).
		Str("request_id", callcontext.RequestID(ctx)).
		Str("source", callcontext.Source(ctx)).
		Logger()

	defer func() {
		if recovered := recover(); recovered != nil {
			event.Error().
				Interface("panic", recovered).
				Dur("duration", time.Since(start)).
				Msg("operation panicked")
			envelope = failureEnvelope(d.normalizer.Panic(recovered))
		}
	}()

	descriptor, ok := d.catalog.Lookup(name)
	if !ok {
		envelope = d.fail(failure.UnsupportedOperation(name, d.catalog.Names()))
		event.Warn().Str("error_code", string(envelope.ErrorCode)).Dur("duration", time.Since(start)).Msg("operation rejected")
		return envelope
	}

	data, message, err := d.run(ctx, descriptor, params)
	if err != nil {
		envelope = d.fail(err)
		event.Warn().
			Str("kind", string(descriptor.Kind)).
			Str("error_code", string(envelope.ErrorCode)).
			Err(err).
			Dur("duration", time.Since(start)).
			Msg("operation failed")
		return envelope
	}

	event.Info().
		Str("kind", string(descriptor.Kind)).
		Dur("duration", time.Since(start)).
		Msg("operation completed")
	return domain.Envelope{Success: true, Message: message, Data: data}
}

func (d *Dispatcher) run(ctx context.Context, descriptor domain.OperationDescriptor, params map[string]any) (any, string, error) {
	native, err := d.catalog.Fields().Map(descriptor.FieldMap, params)
	if err != nil {
		return nil, "", err
	}

	if descriptor.Kind == domain.KindRunReport && !descriptor.Raw {
		reportType, request := reportRequest(descriptor, native)
		result, err := d.reports.RunType(ctx, request, reportType)
		if err != nil {
			return nil, "", err
		}
		return result, result.ReportName + " retrieved successfully", nil
	}

	data, err := d.client.Execute(ctx, descriptor.Kind, descriptor.DocType, native)
	if err != nil {
		return nil, "", err
	}
	if descriptor.Raw {
		return data, fmt.Sprintf("Report %s executed successfully", text(native[paramReportName])), nil
	}
	return data, successMessage(descriptor), nil
}

// Fail turns an error raised around a dispatch, such as undecodable job
// parameters, into the failure envelope Dispatch would have produced.
func (d *Dispatcher) Fail(err error) domain.Envelope {
	return d.fail(err)
}

func (d *Dispatcher) fail(err error) domain.Envelope {
	return failureEnvelope(d.normalizer.Normalize(err))
}

func failureEnvelope(normalized failure.Normalized) domain.Envelope {
	details := normalized.Details
	if details == nil {
		details = map[string]any{}
	}
	return domain.Envelope{
		Success:   false,
		Message:   normalized.Message,
		ErrorCode: normalized.Kind,
		Details:   details,
	}
}

// Operations lists every dispatchable operation sorted by name.
func (d *Dispatcher) Operations() []domain.OperationDescriptor {
	return d.catalog.Operations()
}

// Describe returns one descriptor, or a validation error naming the
// supported operations.
func (d *Dispatcher) Describe(name string) (domain.OperationDescriptor, error) {
	descriptor, ok := d.catalog.Lookup(strings.TrimSpace(name))
	if !ok {
		return domain.OperationDescriptor{}, failure.UnsupportedOperation(name, d.catalog.Names())
	}
	return descriptor, nil
}

var verbs = map[domain.OperationKind]string{
	domain.KindCreate: "created",
	domain.KindUpdate: "updated",
	domain.KindSubmit: "submitted",
	domain.KindGet:    "retrieved",
}

func successMessage(descriptor domain.OperationDescriptor) string {
	subject := descriptor.Subject
	if subject == "" {
		subject = descriptor.DocType
	}
	if descriptor.Kind == domain.KindList {
		return fmt.Sprintf("%s list retrieved successfully", subject)
	}
	verb := descriptor.Verb
	if verb == "" {
		var ok bool
		if verb, ok = verbs[descriptor.Kind]; !ok {
			verb = "processed"
		}
	}
	return fmt.Sprintf("%s %s successfully", subject, verb)
}
