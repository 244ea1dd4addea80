// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flow

import "fmt"

// Residency tells where the current contents of an AllocationPoint live.
type Residency int

const (
	// HostOnly: there is no device copy.
	HostOnly Residency = iota

	// DeviceOnly: there is no host copy.
	DeviceOnly

	// Synchronized: host and device copies are equal.
	Synchronized

	// HostStaleFromDevice: the device copy was written, the host copy is outdated.
	HostStaleFromDevice

	// DeviceStaleFromHost: the host copy was written, the device copy is outdated.
	DeviceStaleFromHost
)

var residencyNames = []string{"HostOnly", "DeviceOnly", "Synchronized", "HostStaleFromDevice", "DeviceStaleFromHost"}

// String implements fmt.Stringer.
func (r Residency) String() string {
	if r >= 0 && int(r) < len(residencyNames) {
		return residencyNames[r]
	}
	return fmt.Sprintf("Residency(%d)", int(r))
}

// HostCurrent returns whether the host copy holds the current contents.
func (r Residency) HostCurrent() bool {
	return r == HostOnly || r == Synchronized || r == DeviceStaleFromHost
}

// DeviceCurrent returns whether the device copy holds the current contents.
func (r Residency) DeviceCurrent() bool {
	return r == DeviceOnly || r == Synchronized || r == HostStaleFromDevice
}
