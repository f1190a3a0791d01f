package lifecycle

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/core-tools/hsu-plugin-lifecycle/pkg/errors"
	"github.com/core-tools/hsu-plugin-lifecycle/pkg/policy"
)

// ExecuteAction runs a policy action against the manager. An empty target
// refers to the instance being evaluated.
func (m *Manager) ExecuteAction(ctx context.Context, action policy.Action, evalCtx policy.EvaluationContext) error {
	target := action.Target
	if target == "" {
		target = evalCtx.InstanceID
	}

	m.logger.Infof("Executing policy action, type: %s, target: %s, operation: %s", action.Type, target, evalCtx.Operation)

	switch action.Type {
	case policy.ActionNotify:
		m.broker.Publish(Event{
			EventID:    uuid.NewString(),
			Type:       EventNotification,
			InstanceID: evalCtx.InstanceID,
			PluginID:   evalCtx.PluginID,
			Message:    action.Parameters["message"],
			Data:       action.Parameters,
			Timestamp:  time.Now(),
		})
		return nil

	case policy.ActionStart:
		if target == "" {
			return errors.NewValidationError("start action requires a target", nil)
		}
		return m.StartInstanceWithDependencies(ctx, target)

	case policy.ActionStop:
		if target == "" {
			return errors.NewValidationError("stop action requires a target", nil)
		}
		return m.StopInstanceGracefully(ctx, target, 0)

	case policy.ActionRestart:
		if target == "" {
			return errors.NewValidationError("restart action requires a target", nil)
		}
		return m.RestartInstance(ctx, target)

	case policy.ActionScale:
		pluginID := action.Target
		if pluginID == "" {
			pluginID = evalCtx.PluginID
		}
		count, err := strconv.Atoi(action.Parameters["instances"])
		if err != nil {
			return errors.NewValidationError("scale action requires an integer instances parameter", err).
				WithContext("plugin_id", pluginID)
		}
		_, err = m.ScalePlugin(ctx, pluginID, count)
		return err

	case policy.ActionCustom:
		m.logger.Infof("Custom policy action, target: %s, parameters: %v", target, action.Parameters)
		return nil

	default:
		return errors.NewValidationError("unknown action type", nil).WithContext("type", string(action.Type))
	}
}
