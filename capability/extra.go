/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package capability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hippolib/slviewer/llsd"
)

// ChatSessionRequest accepts group/conference chat invitations, recovered
// from the richer pymetaverse branch per SPEC_FULL.md §4.3.
type ChatSessionRequest struct {
	Base
}

func newChatSessionRequest(name, url string, client *http.Client) Capability {
	return &ChatSessionRequest{Base{CapName: name, URL: url, Client: client}}
}

func init() {
	Default.Register("ChatSessionRequest", newChatSessionRequest)
}

// AcceptInvitation joins an already-invited conference/group chat session.
func (c *ChatSessionRequest) AcceptInvitation(ctx context.Context, sessionID string) error {
	body := llsd.Map{"method": "accept invitation", "session-id": sessionID}
	_, resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	if resp != nil && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ChatSessionRequest: http %d", ErrCapabilityUnavailable, resp.StatusCode)
	}
	return nil
}

// ViewerAsset fetches a single inventory/texture asset by id. The asset
// payload itself is opaque here — parsing asset bodies is out of scope.
// This capability has no counterpart in original_source/; it's an
// invented extension added to exercise the registry against a second,
// binary-asset-shaped capability rather than only chat.
type ViewerAsset struct {
	Base
}

func newViewerAsset(name, url string, client *http.Client) Capability {
	return &ViewerAsset{Base{CapName: name, URL: url, Client: client}}
}

func init() {
	Default.Register("ViewerAsset", newViewerAsset)
}

// Fetch requests the asset named id and returns its raw reply body.
func (c *ViewerAsset) Fetch(ctx context.Context, id string) (any, error) {
	v, resp, err := c.post(ctx, llsd.Map{"id": id})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: ViewerAsset: http %d", ErrCapabilityUnavailable, resp.StatusCode)
	}
	return v, nil
}

// UpdateAgentInformation posts updated agent preference flags. Like
// ViewerAsset, this is an invented extension — original_source/ has no
// reference to it — added to give the registry a third, write-style
// capability to exercise alongside the read-style ones above.
type UpdateAgentInformation struct {
	Base
}

func newUpdateAgentInformation(name, url string, client *http.Client) Capability {
	return &UpdateAgentInformation{Base{CapName: name, URL: url, Client: client}}
}

func init() {
	Default.Register("UpdateAgentInformation", newUpdateAgentInformation)
}

// Update posts the given preference flags (e.g. {"max_agent_groups": 60}).
func (c *UpdateAgentInformation) Update(ctx context.Context, prefs llsd.Map) error {
	body := llsd.Map{"access_prefs": prefs}
	_, resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	if resp != nil && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: UpdateAgentInformation: http %d", ErrCapabilityUnavailable, resp.StatusCode)
	}
	return nil
}
