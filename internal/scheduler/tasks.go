package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TaskCampaignStart = "campaign.start"

// CampaignStartPayload asks the worker to start a scheduled campaign.
type CampaignStartPayload struct {
	CampaignID string    `json:"campaignId"`
	SendAt     time.Time `json:"sendAt"`
	// Version is the version of the Scheduled event that produced the task.
	Version int `json:"version"`
}

// taskID makes re-enqueueing the same schedule a no-op.
func (p CampaignStartPayload) taskID() string {
	return fmt.Sprintf("%s:%s:%d", TaskCampaignStart, p.CampaignID, p.Version)
}

func NewCampaignStartTask(payload CampaignStartPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCampaignStart, data), nil
}

func ParseCampaignStartPayload(task *asynq.Task) (CampaignStartPayload, error) {
	var payload CampaignStartPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return CampaignStartPayload{}, err
	}
	return payload, nil
}
