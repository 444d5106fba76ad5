/*
Copyright 2025 The update-pipeline authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package noti

import (
	"fmt"
	"maps"
	"slices"

	"github.com/slack-go/slack"

	"github.com/agentvillage/update-pipeline/service"
)

type SlackOption struct {
	Token   string
	Channel string
	Debug   bool
}

type slackClientWrapper struct {
	client  *slack.Client
	channel string
}

func NewSlackClient(option SlackOption) Client {
	if option.Token == "" {
		return &QuietNoti{}
	}

	return &slackClientWrapper{
		client:  slack.New(option.Token, slack.OptionDebug(option.Debug)),
		channel: option.Channel,
	}
}

func (w *slackClientWrapper) SendMessages(text string, eventType service.RolloutEventType, meta map[string]string) (map[string]string, error) {
	messages := map[string]string{}
	channelID, ts, _, err := w.client.SendMessage(w.channel, messageBlocks(text, slackHeader(eventType), meta))
	if err != nil {
		return nil, fmt.Errorf("error sending message to %s: %w", w.channel, err)
	}
	messages[channelID] = ts
	return messages, nil
}

func (w *slackClientWrapper) UpdateMessages(messages map[string]string, text, context string) error {
	for channelID, ts := range messages {
		if _, _, _, err := w.client.UpdateMessage(channelID, ts, slack.MsgOptionText(text, false)); err != nil {
			return fmt.Errorf("error updating message %s in channel %s: %w", ts, channelID, err)
		}
	}
	return nil
}

func (w *slackClientWrapper) AddFileToThreads(messages map[string]string, fileName, content string) error {
	for channelID, ts := range messages {
		fileParams := slack.UploadFileV2Parameters{
			Title:           fileName,
			Content:         content,
			Channel:         channelID,
			ThreadTimestamp: ts,
		}
		if _, err := w.client.UploadFileV2(fileParams); err != nil {
			return fmt.Errorf("error while uploading output to %s in slack channel %s: %w", ts, channelID, err)
		}
	}

	return nil
}

func messageBlocks(text string, header string, meta map[string]string) slack.MsgOption {
	fields := make([]*slack.TextBlockObject, len(meta))
	keys := slices.Sorted(maps.Keys(meta))
	for c, k := range keys {
		fields[c] = slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", k, meta[k]), false, false)
	}
	action := fmt.Sprintf("%s:%s", meta[service.MetaChannel], meta[service.MetaRollout])
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, header, true, false)),
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false), fields, nil),
		slack.NewActionBlock("",
			slack.NewButtonBlockElement("pause", "pause:"+action,
				slack.NewTextBlockObject("plain_text", "Pause", false, false),
			).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement("rollback", "rollback:"+action,
				slack.NewTextBlockObject("plain_text", "Rollback", false, false),
			).WithStyle(slack.StyleDanger),
		),
	}

	return slack.MsgOptionBlocks(blocks...)
}

func slackHeader(eventType service.RolloutEventType) string {
	header := "Event"
	switch eventType {
	case service.EventRolloutStarted:
		header = "Rollout Started"
	case service.EventStageAdvanced:
		header = "Stage Advanced"
	case service.EventRolloutPaused:
		header = "Rollout Paused"
	case service.EventRolloutResumed:
		header = "Rollout Resumed"
	case service.EventRolloutCompleted:
		header = "Rollout Completed"
	case service.EventRollbackInitiated:
		header = "Rollback Initiated"
	case service.EventRollbackCompleted:
		header = "Rollback Completed"
	}
	return header
}
