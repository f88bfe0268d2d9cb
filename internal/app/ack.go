package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taoyao-code/version-manager/internal/storage"
	"github.com/taoyao-code/version-manager/internal/storage/models"
	"github.com/taoyao-code/version-manager/internal/thirdparty"
)

// ErrNoUnackedChange 设备没有待确认的受控文件变更
var ErrNoUnackedChange = errors.New("no unacked controlled file change")

// AckResult 确认操作的结果
type AckResult struct {
	AckedEventID int64  `json:"acked_event_id"`
	OldState     string `json:"old_state"`
	NewState     string `json:"new_state"`
}

// AckControlledFiles 确认设备当前的受控文件变更，operator 记录确认人。
// 确认只追加事件，不改写历史；新状态由分类器基于确认后的事件流重算，
// 不直接置 ok（基线不符等其它异常不会被确认动作掩盖）。
func (r *Reconciler) AckControlledFiles(ctx context.Context, dev *models.Device, operator, note string) (*AckResult, error) {
	unacked, err := r.repo.HasUnackedFilesChange(ctx, dev.ID)
	if err != nil {
		return nil, fmt.Errorf("check unacked files change: %w", err)
	}
	if !unacked {
		return nil, ErrNoUnackedChange
	}
	changeEv, err := r.repo.GetLatestEventOfTypes(ctx, dev.ID, []string{models.EventControlledFileChange})
	if err != nil {
		return nil, fmt.Errorf("load change event: %w", err)
	}
	if changeEv == nil {
		return nil, ErrNoUnackedChange
	}

	now := time.Now()
	result := &AckResult{AckedEventID: changeEv.ID, OldState: dev.LastState}
	var notifyEvent *thirdparty.StandardEvent

	err = r.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		payload, _ := json.Marshal(map[string]any{
			"acked_event_id": changeEv.ID,
			"operator":       operator,
			"note":           note,
		})
		if err := tx.AppendEvent(ctx, &models.Event{
			DeviceID:  dev.ID,
			EventType: models.EventControlledFileAck,
			Message:   "controlled file changes acknowledged",
			Payload:   payload,
		}); err != nil {
			return fmt.Errorf("append ack event: %w", err)
		}
		if r.appM != nil {
			r.appM.EventsTotal.WithLabelValues(models.EventControlledFileAck).Inc()
		}

		latest, err := tx.GetLatestSnapshot(ctx, dev.ID)
		if err != nil {
			return fmt.Errorf("load latest snapshot: %w", err)
		}
		if latest == nil {
			return fmt.Errorf("device %d has change events but no snapshot", dev.ID)
		}
		prevSucc := latest
		if !latest.Success {
			if prevSucc, err = tx.GetLatestSuccessfulSnapshot(ctx, dev.ID); err != nil {
				return fmt.Errorf("load successful snapshot: %w", err)
			}
		}
		bl, err := tx.GetBaselineFor(ctx, dev.ClusterID, dev.Supplier, dev.DeviceType)
		if err != nil {
			return fmt.Errorf("load baseline: %w", err)
		}

		newState, message, err := r.classify(ctx, tx, dev, bl, latest, prevSucc, now)
		if err != nil {
			return err
		}
		result.NewState = newState

		if newState != dev.LastState {
			if err := tx.AppendEvent(ctx, &models.Event{
				DeviceID:  dev.ID,
				EventType: models.EventStateChange,
				OldState:  dev.LastState,
				NewState:  newState,
				Message:   message,
			}); err != nil {
				return fmt.Errorf("append state change event: %w", err)
			}
			if r.appM != nil {
				r.appM.EventsTotal.WithLabelValues(models.EventStateChange).Inc()
				r.appM.StateTransitions.WithLabelValues(dev.LastState, newState).Inc()
			}
			notifyEvent = thirdparty.NewEvent(thirdparty.EventStateChanged, dev.DeviceSerial,
				(&thirdparty.StateChangedData{
					DeviceID:  dev.ID,
					OldState:  dev.LastState,
					NewState:  newState,
					Message:   message,
					ChangedAt: now.Unix(),
				}).ToMap())
		}
		return tx.UpdateDeviceState(ctx, dev.ID, newState, now)
	})
	if err != nil {
		return nil, err
	}

	if notifyEvent != nil {
		r.notifier.Publish(ctx, notifyEvent)
	}
	return result, nil
}
