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
package watcher

import (
	"context"
	"io"
	"net/http"

	"github.com/gravitational/trace"
)

// Client extends the regular http.Client with a GetContent method doing a
// GET against a URL and failing on any non-200 status. Upstream registry
// responses are small JSON documents, so the whole body is read eagerly.
type Client struct {
	*http.Client
	userAgent string
}

// GetContent sends a GET HTTP request and fails if the response is not 200
func (c *Client) GetContent(ctx context.Context, targetURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	res, err := c.Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, trace.Errorf("non-200 status code received: '%d'", res.StatusCode)
	}
	return body, nil
}
