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

package login

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestMockResolverReturnsConfiguredResult(t *testing.T) {
	ctrl := gomock.NewController(t)

	want := &Result{Success: true, FirstName: "Philip", LastName: "Linden"}
	m := NewMockResolver(ctrl)
	m.EXPECT().Login(gomock.Any()).Return(want, nil)

	var r Resolver = m
	got, err := r.Login(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
}

func TestMockResolverPropagatesError(t *testing.T) {
	ctrl := gomock.NewController(t)

	wantErr := errors.New("xml-rpc: connection refused")
	m := NewMockResolver(ctrl)
	m.EXPECT().Login(gomock.Any()).Return(nil, wantErr)

	var r Resolver = m
	got, err := r.Login(context.Background())
	assert.Nil(t, got)
	assert.ErrorIs(t, err, wantErr)
}
