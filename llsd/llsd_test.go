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

package llsd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMap(t *testing.T) {
	in := Map{
		"ack":  int64(42),
		"done": false,
		"name": "EventQueueGet",
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	m, ok := out.(Map)
	require.True(t, ok)
	require.Equal(t, int64(42), m["ack"])
	require.Equal(t, false, m["done"])
	require.Equal(t, "EventQueueGet", m["name"])
}

func TestEncodeDecodeArray(t *testing.T) {
	in := Array{"EventQueueGet", "Seed"}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	arr, ok := out.(Array)
	require.True(t, ok)
	require.Equal(t, Array{"EventQueueGet", "Seed"}, arr)
}
