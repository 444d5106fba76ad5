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

import "github.com/agentvillage/update-pipeline/service"

// Client delivers rollout lifecycle notifications. SendMessages returns the
// sent message handles keyed by channel so later calls can attach output to
// the same thread.
type Client interface {
	SendMessages(text string, eventType service.RolloutEventType, meta map[string]string) (map[string]string, error)
	UpdateMessages(messages map[string]string, text, context string) error
	AddFileToThreads(messages map[string]string, fileName, content string) error
}
