package workflow

import (
	"context"

	"github.com/risehq/rise-gateway/pkg/channel"
)

// Catalog adapts the workflow repository to the view the channel binding
// layer joins against.
type Catalog struct {
	repository *Repository
}

func NewCatalog(repository *Repository) *Catalog {
	return &Catalog{repository: repository}
}

func (c *Catalog) ListForChannel(ctx context.Context, channelName string) ([]channel.WorkflowInfo, error) {
	workflows, err := c.repository.List(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]channel.WorkflowInfo, 0, len(workflows))
	for _, workflow := range workflows {
		infos = append(infos, toInfo(workflow, channelName))
	}

	return infos, nil
}

func (c *Catalog) GetForChannel(ctx context.Context, workflowID, channelName string) (*channel.WorkflowInfo, error) {
	workflow, err := c.repository.Get(ctx, workflowID)
	if err != nil {
		if IsWorkflowNotFound(err) {
			return nil, nil
		}

		return nil, err
	}

	info := toInfo(workflow, channelName)

	return &info, nil
}

func toInfo(workflow *WorkflowDefinition, channelName string) channel.WorkflowInfo {
	return channel.WorkflowInfo{
		ID:               workflow.WorkflowID,
		Name:             workflow.Name,
		Status:           workflow.Status,
		PublishedVersion: workflow.PublishedVersion,
		ChannelEnabled:   workflow.ChannelEnabled(channelName),
	}
}
