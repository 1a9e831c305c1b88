package turn

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/moikas-code/kuuzuki/internal/permission"
	"github.com/moikas-code/kuuzuki/internal/plugin"
	"github.com/moikas-code/kuuzuki/internal/provider"
	"github.com/moikas-code/kuuzuki/internal/session"
	"github.com/moikas-code/kuuzuki/internal/tool"
)

// executeToolCall runs the full tool procedure for one ready call:
// resolve, validate, hooks, permission, execute, record. Failures the
// model should see end up in the part, not in an error return.
func (r *run) executeToolCall(ctx context.Context, ev provider.Event) error {
	e := r.engine

	part := r.findToolPart(ev.CallID)
	if part == nil {
		part = r.newPart(session.PartTool)
		part.Tool = &session.ToolPart{Name: ev.ToolName, CallID: ev.CallID, State: session.ToolPending}
	}
	part.Tool.Input = ev.Args

	resolved, resolution := e.resolver.Resolve(r.input.SessionID, ev.ToolName)
	meta := map[string]any{"resolved_via": string(resolution.Via)}
	part.Tool.Name = resolution.Name

	call := tool.Call{
		SessionID: r.input.SessionID,
		MessageID: r.assistant.ID,
		CallID:    ev.CallID,
		AgentName: r.settings.agent,
	}
	if err := json.Unmarshal(ev.Args, &call.Args); err != nil {
		return r.failPart(ctx, part, "invalid tool arguments: "+err.Error(), meta)
	}

	if resolution.Via == tool.ViaFallback {
		// Graceful fallback: a structured error part, no prompt, and the
		// stream continues.
		result, _ := resolved.Execute(ctx, call)
		if result != nil {
			part.Tool.Output = result.Output
			meta = mergeMeta(meta, result.Metadata)
		}
		return r.failPart(ctx, part, "unknown tool", meta)
	}

	args, vmeta, invalid := e.validator.Validate(resolved, call.Args)
	if invalid != nil {
		part.Tool.Output = invalid.Output
		return r.failPart(ctx, part, "invalid tool arguments", mergeMeta(meta, invalid.Metadata))
	}
	call.Args = args
	meta = mergeMeta(meta, vmeta)

	if e.plugins != nil {
		info := plugin.ToolCallInfo{
			Tool:      resolution.Name,
			CallID:    ev.CallID,
			SessionID: r.input.SessionID,
			MessageID: r.assistant.ID,
		}
		hookArgs := plugin.ToolArgs{Args: call.Args}
		e.plugins.ToolExecuteBefore(ctx, info, &hookArgs)
		call.Args = hookArgs.Args
	}

	if gated, ok := resolved.(tool.Gated); ok {
		if spec := gated.Permission(call); spec != nil {
			err := e.gate.Ask(ctx, permission.Request{
				SessionID: r.input.SessionID,
				MessageID: r.assistant.ID,
				CallID:    ev.CallID,
				Type:      spec.Type,
				Pattern:   spec.Pattern,
				Title:     spec.Title,
				Metadata:  spec.Metadata,
				AgentName: r.settings.agent,
			})
			if err != nil {
				reason := "Permission denied"
				var rejected *permission.RejectedError
				if errors.As(err, &rejected) && rejected.Reason != "" {
					reason = rejected.Reason
				}
				return r.failPart(ctx, part, reason, meta)
			}
		}
	}

	part.Tool.State = session.ToolRunning
	part.Tool.TimeStart = time.Now()
	if err := e.sessions.WritePart(ctx, part); err != nil {
		return err
	}

	execCtx := ctx
	if e.tracer != nil {
		var span trace.Span
		execCtx, span = e.tracer.Start(ctx, "tool.execute",
			attribute.String("tool", resolution.Name),
			attribute.String("session_id", r.input.SessionID))
		defer span.End()
	}
	started := time.Now()
	result, execErr := resolved.Execute(execCtx, call)
	elapsed := time.Since(started)

	if e.metrics != nil {
		status := "completed"
		if execErr != nil {
			status = "error"
		}
		e.metrics.ToolExecutionCounter.WithLabelValues(resolution.Name, status).Inc()
		e.metrics.ToolExecutionDuration.WithLabelValues(resolution.Name).Observe(elapsed.Seconds())
	}

	if execErr != nil {
		if ctx.Err() != nil {
			return r.failPart(ctx, part, "cancelled", meta)
		}
		return r.failPart(ctx, part, execErr.Error(), meta)
	}

	out := plugin.ToolOutput{}
	if result != nil {
		out = plugin.ToolOutput{Title: result.Title, Output: result.Output, Metadata: result.Metadata}
	}
	if e.plugins != nil {
		e.plugins.ToolExecuteAfter(ctx, plugin.ToolCallInfo{
			Tool:      resolution.Name,
			CallID:    ev.CallID,
			SessionID: r.input.SessionID,
			MessageID: r.assistant.ID,
		}, &out)
	}

	part.Tool.State = session.ToolCompleted
	part.Tool.Title = out.Title
	part.Tool.Output = out.Output
	part.Tool.Metadata = mergeMeta(meta, out.Metadata)
	part.Tool.TimeEnd = time.Now()
	return e.sessions.WritePart(context.WithoutCancel(ctx), part)
}

// findToolPart locates the pending part created at tool-call-start.
func (r *run) findToolPart(callID string) *session.Part {
	if r.toolParts == nil {
		return nil
	}
	return r.toolParts[callID]
}

// failPart settles a tool part in the error state. Writes go through a
// detached context so cancellation cannot lose the final transition.
func (r *run) failPart(ctx context.Context, part *session.Part, reason string, meta map[string]any) error {
	part.Tool.State = session.ToolError
	part.Tool.Error = reason
	part.Tool.Metadata = meta
	if part.Tool.TimeStart.IsZero() {
		part.Tool.TimeStart = time.Now()
	}
	part.Tool.TimeEnd = time.Now()
	return r.engine.sessions.WritePart(context.WithoutCancel(ctx), part)
}

func mergeMeta(base, extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return base
	}
	if base == nil {
		base = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
