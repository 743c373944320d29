// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sharedregion

import (
	"gvisor.dev/sharedregion/pkg/metric"
)

var slideVersionField = metric.NewField("version", "1", "2", "3", "4", "5")

var (
	regionsCreated   = metric.MustCreateNewUint64Metric("regions_created", "Number of shared regions created.")
	regionsDestroyed = metric.MustCreateNewUint64Metric("regions_destroyed", "Number of shared regions destroyed.")
	regionsReused    = metric.MustCreateNewUint64Metric("regions_reused", "Number of lookups satisfied by an existing shared region.")
	regionsLive      = metric.MustCreateNewUint64Gauge("regions_live", "Number of shared regions reachable from the registry.")
	mappingRollbacks = metric.MustCreateNewUint64Metric("mapping_rollbacks", "Number of shared region population calls rolled back.")
	slidPages        = metric.MustCreateNewUint64Metric("slid_pages", "Number of pages rebased on fault.", slideVersionField)
	slideFailures    = metric.MustCreateNewUint64Metric("slide_failures", "Number of pages that failed to rebase.", slideVersionField)
	authRemaps       = metric.MustCreateNewUint64Metric("auth_remaps", "Number of authenticated ranges remapped into tasks.")
)

var versionNames = [...]string{"", "1", "2", "3", "4", "5"}
