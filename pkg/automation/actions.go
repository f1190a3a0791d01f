package automation

import (
	"context"
	"strconv"
	"time"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/rules"
)

func eventFields(event Event) map[string]string {
	fields := make(map[string]string, len(event.Data)+4)
	for k, v := range event.Data {
		fields[k] = v
	}
	fields["event_id"] = event.EventID
	fields["event_type"] = event.EventType
	fields["source"] = event.Source
	fields["severity"] = string(event.Severity)
	return fields
}

func (e *Engine) runAction(ctx context.Context, action Action, fields map[string]string) ActionResult {
	start := time.Now()
	result := ActionResult{Type: action.Type}

	output, target, err := e.dispatch(ctx, action, fields)
	result.Target = target
	result.Output = output
	result.Duration = time.Since(start)
	e.actionsExecuted.Add(1)

	if err != nil {
		result.Error = err.Error()
		e.logger.Warnf("Automation action failed, type: %s, target: %s, error: %v", action.Type, target, err)
		return result
	}
	result.Success = true
	return result
}

func (e *Engine) dispatch(ctx context.Context, action Action, fields map[string]string) (string, string, error) {
	params := make(map[string]string, len(action.Parameters))
	for k, v := range action.Parameters {
		rendered, err := rules.Expand(v, fields)
		if err != nil {
			return "", "", err
		}
		params[k] = rendered
	}

	if action.Type == ActionNotify {
		message := params["message"]
		e.logger.Infof("Automation notification, message: %s", message)
		e.broker.Publish(EngineEvent{Type: EventNotification, Message: message, Timestamp: time.Now()})
		return message, "", nil
	}

	targetTemplate := action.Target
	if targetTemplate == "" {
		targetTemplate = "{{instance_id}}"
		if action.Type == ActionScale {
			targetTemplate = "{{plugin_id}}"
		}
	}
	target, err := rules.Expand(targetTemplate, fields)
	if err != nil {
		return "", "", err
	}
	if e.controller == nil {
		return "", target, errors.NewInternalError("no lifecycle controller configured", nil)
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = e.options.ActionTimeout
	}
	actionCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch action.Type {
	case ActionStart:
		return "", target, e.controller.StartInstanceWithDependencies(actionCtx, target)

	case ActionStop:
		var stopTimeout time.Duration
		if raw := params["timeout"]; raw != "" {
			stopTimeout, err = time.ParseDuration(raw)
			if err != nil {
				return "", target, errors.NewValidationError("invalid stop timeout", err).WithContext("timeout", raw)
			}
		}
		return "", target, e.controller.StopInstanceGracefully(actionCtx, target, stopTimeout)

	case ActionRestart:
		return "", target, e.controller.RestartInstance(actionCtx, target)

	case ActionRestartZeroDowntime:
		replacement, err := e.controller.RestartInstanceZeroDowntime(actionCtx, target)
		return replacement, target, err

	case ActionScale:
		count, err := strconv.Atoi(params["instances"])
		if err != nil {
			return "", target, errors.NewValidationError("scale action requires an integer instances parameter", err).
				WithContext("plugin_id", target)
		}
		result, err := e.controller.ScalePlugin(actionCtx, target, count)
		return strconv.Itoa(result.Current), target, err

	default:
		return "", target, errors.NewValidationError("unknown automation action", nil).WithContext("type", string(action.Type))
	}
}
