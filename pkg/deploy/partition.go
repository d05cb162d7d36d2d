package deploy

import (
	"fmt"

	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/runner"
)

// Role is a logical partition on the test media.
type Role string

const (
	RoleBoot          Role = "boot"
	RoleRoot          Role = "root"
	RoleAndroidSystem Role = "android_system"
	RoleAndroidData   Role = "android_data"
	RoleAndroidSdcard Role = "android_sdcard"
)

// PartitionMap maps partition roles to by-label device paths.
type PartitionMap map[Role]string

// NewPartitionMap builds the map for a board. dataLabel is the label holding
// Android user data.
func NewPartitionMap(dataLabel string) PartitionMap {
	return PartitionMap{
		RoleBoot:          device.LabelPath(device.LabelTestBoot),
		RoleRoot:          device.LabelPath(device.LabelTestRootfs),
		RoleAndroidSystem: device.LabelPath(device.LabelTestRootfs),
		RoleAndroidData:   device.LabelPath(dataLabel),
		RoleAndroidSdcard: device.LabelPath(device.LabelSdcard),
	}
}

// AndroidDataLabel returns the label for Android user data: a dedicated
// userdata partition when present, else the sdcard.
func AndroidDataLabel(r *runner.MasterRunner) string {
	if r.HasPartitionWithLabel(device.LabelUserdata) {
		return device.LabelUserdata
	}
	return device.LabelSdcard
}

// Partitions queries the board and returns its partition map.
func (t *Target) Partitions(r *runner.MasterRunner) PartitionMap {
	return NewPartitionMap(AndroidDataLabel(r))
}

// Partition resolves a partition index from the device configuration to its
// device path.
func (t *Target) Partition(r *runner.MasterRunner, index int) (string, error) {
	var role Role
	switch index {
	case t.cfg.BootPart:
		role = RoleBoot
	case t.cfg.RootPart:
		role = RoleRoot
	case t.cfg.SdcardPartAndroidOrg:
		role = RoleAndroidSdcard
	case t.cfg.DataPartAndroidOrg:
		role = RoleAndroidData
	default:
		return "", errors.Config(fmt.Sprintf("unknown partition %d", index), nil)
	}
	if role == RoleAndroidData {
		return device.LabelPath(AndroidDataLabel(r)), nil
	}
	return NewPartitionMap("")[role], nil
}
