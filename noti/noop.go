package noti

import (
	"github.com/rs/zerolog/log"

	"github.com/agentvillage/update-pipeline/service"
)

type noopClient struct{}

// NewNoopClient returns a Client that only logs what it would have sent
func NewNoopClient() Client {
	return &noopClient{}
}

func (c *noopClient) SendMessages(text string, _ service.RolloutEventType, _ map[string]string) (map[string]string, error) {
	if len(text) > 0 {
		log.Debug().Msgf("Slack disabled. Would've sent the following message: %s", text)
	}
	return nil, nil
}

func (c *noopClient) UpdateMessages(messages map[string]string, text, _ string) error {
	if len(messages) > 0 {
		log.Debug().Msgf("Slack disabled. Would've updated messages to: %s", text)
	}
	return nil
}

func (c *noopClient) AddFileToThreads(messages map[string]string, fileName, _ string) error {
	if len(messages) > 0 {
		log.Debug().Msgf("Slack disabled. Would've uploaded file named: %s", fileName)
	}
	return nil
}
