package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"igloomcp/internal/query"
	"igloomcp/internal/render"
	"igloomcp/internal/report"
	"igloomcp/internal/sqlguard"
)

// Envelope is the uniform tool response shape.
type Envelope struct {
	Status    string         `json:"status"`
	Data      any            `json:"data,omitempty"`
	Error     *ErrorBody     `json:"error,omitempty"`
	Timing    map[string]any `json:"timing"`
	Warnings  []string       `json:"warnings"`
	RequestID string         `json:"request_id"`
}

// ErrorBody is the structured error payload for non-success envelopes.
type ErrorBody struct {
	Kind             string   `json:"kind"`
	Message          string   `json:"message"`
	SafeAlternatives []string `json:"safe_alternatives,omitempty"`
	Guidance         []string `json:"guidance,omitempty"`
	Candidates       []string `json:"candidates,omitempty"`
	CurrentVersion   int      `json:"current_version,omitempty"`
	QueryID          string   `json:"query_id,omitempty"`
	ExecutionID      string   `json:"execution_id,omitempty"`
	Detail           string   `json:"detail,omitempty"`
	Hints            []string `json:"hints,omitempty"`
	FieldPath        string   `json:"field_path,omitempty"`
}

// Dispatcher validates, coerces, executes and times tool calls.
type Dispatcher struct {
	registry *Registry
	log      *zap.Logger
}

// NewDispatcher wires a dispatcher over a registry.
func NewDispatcher(registry *Registry, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, log: log}
}

// Dispatch runs one tool call and always returns an envelope; transport
// errors are the only thing it cannot express.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage) *Envelope {
	start := time.Now()

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return d.finish(start, "", nil, &Envelope{
				Status: "error",
				Error:  &ErrorBody{Kind: "validation_failed", Message: "arguments are not a JSON object"},
			})
		}
	}

	requestID, _ := args["request_id"].(string)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	args["request_id"] = requestID

	log := d.log.With(zap.String("tool", name), zap.String("request_id", requestID))

	tool := d.registry.Get(name)
	if tool == nil {
		return d.finish(start, requestID, log, &Envelope{
			Status: "error",
			Error:  &ErrorBody{Kind: "validation_failed", Message: fmt.Sprintf("unknown tool %q", name)},
		})
	}

	coerceArgs(tool.InputSchema, args)
	if err := validateArgs(tool.compiled, args); err != nil {
		return d.finish(start, requestID, log, &Envelope{
			Status: "error",
			Error: &ErrorBody{
				Kind:    "validation_failed",
				Message: err.Error(),
				Hints:   []string{"check the tool's declared parameter schema; undeclared parameters are rejected"},
			},
		})
	}

	data, warnings, err := tool.Handler(ctx, args)
	if err != nil {
		env := &Envelope{Status: "error", Error: classify(err)}
		env.Warnings = warnings
		return d.finish(start, requestID, log, env)
	}

	env := &Envelope{Status: "success", Data: data, Warnings: warnings}
	if withStatus, ok := data.(interface{ EnvelopeStatus() string }); ok {
		env.Status = withStatus.EnvelopeStatus()
	}
	return d.finish(start, requestID, log, env)
}

func (d *Dispatcher) finish(start time.Time, requestID string, log *zap.Logger, env *Envelope) *Envelope {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	env.RequestID = requestID
	if env.Warnings == nil {
		env.Warnings = []string{}
	}
	if env.Timing == nil {
		env.Timing = map[string]any{}
	}
	env.Timing["total_duration_ms"] = time.Since(start).Milliseconds()

	if log != nil {
		if env.Status == "success" {
			log.Debug("tool call finished", zap.Any("timing", env.Timing))
		} else {
			kind := ""
			if env.Error != nil {
				kind = env.Error.Kind
			}
			log.Warn("tool call failed", zap.String("status", env.Status), zap.String("kind", kind))
		}
	}
	return env
}

// classify maps core errors onto the response taxonomy. Unknown errors
// become io_error rather than leaking internals.
func classify(err error) *ErrorBody {
	var denied *sqlguard.DeniedError
	if errors.As(err, &denied) {
		return &ErrorBody{
			Kind:             "denied",
			Message:          err.Error(),
			SafeAlternatives: denied.SafeAlternatives,
		}
	}
	var timeout *query.TimeoutError
	if errors.As(err, &timeout) {
		return &ErrorBody{
			Kind:        "timeout",
			Message:     err.Error(),
			Guidance:    timeout.Guidance,
			QueryID:     timeout.QueryID,
			ExecutionID: timeout.ExecutionID,
		}
	}
	var exec *query.ExecutionError
	if errors.As(err, &exec) {
		return &ErrorBody{
			Kind:        "execution_error",
			Message:     exec.Message,
			Detail:      exec.Detail,
			QueryID:     exec.QueryID,
			ExecutionID: exec.ExecutionID,
		}
	}
	var reqErr *query.RequestError
	if errors.As(err, &reqErr) {
		return &ErrorBody{
			Kind:      "validation_failed",
			Message:   reqErr.Message,
			FieldPath: reqErr.Field,
			Hints:     reqErr.Hints,
		}
	}
	var validation *sqlguard.ValidationError
	if errors.As(err, &validation) {
		return &ErrorBody{
			Kind:    "validation_failed",
			Message: validation.Message,
			Hints:   validation.Hints,
		}
	}
	var selErr *report.SelectorError
	if errors.As(err, &selErr) {
		return &ErrorBody{
			Kind:       "selector_error",
			Message:    err.Error(),
			Detail:     selErr.Kind,
			Candidates: selErr.Candidates,
		}
	}
	var conflict *report.VersionConflictError
	if errors.As(err, &conflict) {
		return &ErrorBody{
			Kind:           "version_conflict",
			Message:        err.Error(),
			CurrentVersion: conflict.CurrentVersion,
		}
	}
	var lockErr *report.LockTimeoutError
	if errors.As(err, &lockErr) {
		return &ErrorBody{Kind: "lock_timeout", Message: err.Error()}
	}
	var chartErr *report.ChartTooLargeError
	if errors.As(err, &chartErr) {
		return &ErrorBody{Kind: "chart_too_large", Message: err.Error()}
	}
	var formatErr *render.UnsupportedFormatError
	if errors.As(err, &formatErr) {
		return &ErrorBody{Kind: "unsupported_format", Message: err.Error()}
	}
	var notFoundQ *query.NotFoundError
	if errors.As(err, &notFoundQ) {
		return &ErrorBody{Kind: "validation_failed", Message: err.Error()}
	}
	var notFoundR *report.NotFoundError
	if errors.As(err, &notFoundR) {
		return &ErrorBody{Kind: "selector_error", Message: err.Error(), Detail: report.SelectorNotFound}
	}
	return &ErrorBody{Kind: "io_error", Message: err.Error()}
}

// coerceArgs converts loosely-typed parameters toward their declared
// schema types: numeric strings become numbers, "true"/"false" become
// booleans. Suffixed forms like "30s" stay as-is and fail validation.
func coerceArgs(schema map[string]any, args map[string]any) {
	props, _ := schema["properties"].(map[string]any)
	for key, raw := range args {
		prop, ok := props[key].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		s, isString := raw.(string)
		if !isString {
			continue
		}
		switch declared {
		case "integer":
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				args[key] = float64(n)
			}
		case "number":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				args[key] = f
			}
		case "boolean":
			if b, err := strconv.ParseBool(s); err == nil {
				args[key] = b
			}
		}
	}
}

func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	// The validator wants the json.Number representation.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(doc)
}
