// Package bots runs Bot code in an embedded JavaScript runtime.
//
// A bot is CommonJS-style source that assigns a handler:
//
//	exports.handler = async function (medplum, event) {
//	  const msg = event.input;           // hl7 message for HL7 v2 input
//	  return msg.buildAck();
//	};
//
// Each execution gets a fresh VM.
package bots

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/metrics"
	"github.com/Dharshan-K/medplum/gateway/internal/repo"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
	"github.com/Dharshan-K/medplum/pkg/hl7"
	"github.com/Dharshan-K/medplum/pkg/protocol"
)

// ErrExecution wraps every failure raised while running a bot.
var ErrExecution = errors.New("bot execution failed")

// Request describes one bot invocation.
type Request struct {
	Agent         *repo.Agent
	Bot           *repo.Bot
	RunAs         *store.Membership
	ContentType   string
	Input         string
	RemoteAddress string
	ForwardedFor  string
	// Repo, when set, backs medplum.readResource inside the bot.
	Repo repo.Reader
}

// Result carries the handler's return value. HL7 messages are returned as
// ER7 text.
type Result struct {
	ReturnValue any
}

// Engine executes bots with a per-run timeout.
type Engine struct {
	store   store.Store
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Engine. s may be nil, in which case no audit events are
// written.
func New(s store.Store, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		store:   s,
		timeout: timeout,
		metrics: m,
		logger:  logger.With("component", "bots"),
	}
}

// Execute runs the bot's handler against the request input.
func (e *Engine) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Bot == nil {
		return nil, fmt.Errorf("%w: no bot", ErrExecution)
	}
	start := time.Now()
	e.metrics.Incr(metrics.BotExecutions, 1)

	result, err := e.run(ctx, req)
	if err != nil {
		e.metrics.Incr(metrics.BotFailures, 1)
		err = fmt.Errorf("%w: %s", ErrExecution, err.Error())
	}
	e.audit(ctx, req, time.Since(start), err)
	return result, err
}

func (e *Engine) run(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Bot.Code) == "" {
		return nil, errors.New("bot has no code")
	}
	logger := e.logger.With("bot_id", req.Bot.ID)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	exports := vm.NewObject()
	module := vm.NewObject()
	module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)
	vm.Set("console", newConsole(vm, logger))

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	if _, err := vm.RunString(req.Bot.Code); err != nil {
		return nil, describe(err)
	}

	handler := module.Get("exports").ToObject(vm).Get("handler")
	if handler == nil || goja.IsUndefined(handler) {
		handler = exports.Get("handler")
	}
	fn, ok := goja.AssertFunction(handler)
	if !ok {
		return nil, errors.New("bot does not export a handler function")
	}

	event, err := buildEvent(vm, req)
	if err != nil {
		return nil, err
	}
	ret, err := fn(goja.Undefined(), newClient(ctx, vm, req.Repo), event)
	if err != nil {
		return nil, describe(err)
	}

	if p, ok := ret.Export().(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			return nil, errors.New(p.Result().String())
		default:
			return nil, errors.New("bot handler did not settle")
		}
	}
	return &Result{ReturnValue: exportValue(ret)}, nil
}

// buildEvent assembles the handler's event argument. HL7 v2 input is parsed
// and handed over as a message object.
func buildEvent(vm *goja.Runtime, req Request) (goja.Value, error) {
	var input any = req.Input
	if req.ContentType == protocol.ContentTypeHL7V2 {
		msg, err := hl7.Parse(req.Input)
		if err != nil {
			return nil, err
		}
		input = msg
	}

	event := map[string]any{
		"bot":           toPlain(req.Bot),
		"contentType":   req.ContentType,
		"input":         input,
		"remoteAddress": req.RemoteAddress,
		"forwardedFor":  req.ForwardedFor,
	}
	if req.Agent != nil {
		event["agent"] = toPlain(req.Agent)
	}
	if req.RunAs != nil {
		event["requester"] = map[string]any{"reference": req.RunAs.Profile}
	}
	return vm.ToValue(event), nil
}

// toPlain converts a struct into generic JSON values so JS sees its json
// field names.
func toPlain(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out any
	_ = json.Unmarshal(b, &out)
	return out
}

func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	switch x := v.Export().(type) {
	case *hl7.Message:
		return x.ToString()
	default:
		return x
	}
}

// describe turns a goja error into a short message without stack frames.
func describe(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.DeadlineExceeded) {
			return errors.New("bot timed out")
		}
		return fmt.Errorf("bot interrupted: %v", interrupted.Value())
	}
	var exc *goja.Exception
	if errors.As(err, &exc) && exc.Value() != nil {
		return errors.New(exc.Value().String())
	}
	return err
}

func (e *Engine) audit(ctx context.Context, req Request, elapsed time.Duration, execErr error) {
	if e.store == nil {
		return
	}
	outcome := "success"
	detail := map[string]any{"duration_ms": elapsed.Milliseconds()}
	if execErr != nil {
		outcome = "failure"
		detail["error"] = execErr.Error()
	}
	if req.Agent != nil {
		detail["agent"] = repo.Reference("Agent", req.Agent.ID)
	}
	raw, _ := json.Marshal(detail)

	var projectID string
	if req.RunAs != nil {
		projectID = req.RunAs.ProjectID
	}
	err := e.store.LogAuditEvent(context.WithoutCancel(ctx), &store.AuditEvent{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		Action:     "bot.execute",
		ResourceID: repo.Reference("Bot", req.Bot.ID),
		Outcome:    outcome,
		Detail:     raw,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		e.logger.Warn("audit bot execution failed", "bot_id", req.Bot.ID, "error", err)
	}
}
