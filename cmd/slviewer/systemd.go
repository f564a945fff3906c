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

package main

import (
	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
)

// sdNotifyReady tells systemd the session is up, grounded on
// ptp/c4u/c4u.go's SdNotify. Called once the parent Simulator's
// RegionHandshake completes.
func sdNotifyReady() error {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	switch {
	case !supported && err != nil:
		return err
	case !supported:
		log.Warning("sd_notify not supported")
	default:
		log.Info("successfully sent sd_notify event")
	}
	return nil
}
