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

	log "github.com/sirupsen/logrus"

	"github.com/hippolib/slviewer/llsd"
)

// Seed is the bootstrap capability every simulator fetches first: POST the
// list of wanted capability names, get back name -> url.
type Seed struct {
	Base
}

func newSeed(name, url string, client *http.Client) Capability {
	return &Seed{Base{CapName: name, URL: url, Client: client}}
}

func init() {
	Default.Register("Seed", newSeed)
}

// GetCapabilities requests wanted names from the seed URL and instantiates
// every name present in both the reply and reg, per spec.md §4.3: "For
// each name present in both the reply and the registry, it instantiates
// the client and stores it in the Simulator's capability map."
func (s *Seed) GetCapabilities(ctx context.Context, reg *Registry, wanted []string) (map[string]Capability, error) {
	arr := make(llsd.Array, len(wanted))
	for i, n := range wanted {
		arr[i] = n
	}
	v, resp, err := s.post(ctx, arr)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: Seed: http %d", ErrCapabilityUnavailable, resp.StatusCode)
	}
	reply, ok := v.(llsd.Map)
	if !ok {
		return nil, fmt.Errorf("%w: Seed: reply was not a map", ErrCapabilityUnavailable)
	}

	caps := make(map[string]Capability)
	for name, rawURL := range reply {
		if !reg.Has(name) {
			log.Debugf("capability: %q returned by seed but not registered, skipping", name)
			continue
		}
		url, ok := rawURL.(string)
		if !ok {
			log.Warningf("capability: %q: seed reply url was not a string", name)
			continue
		}
		c, err := reg.New(name, url, s.Client)
		if err != nil {
			log.Warningf("capability: %q: %v", name, err)
			continue
		}
		caps[name] = c
	}
	return caps, nil
}
