package deploy

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/runner"
)

// Family deploys one image family's payload onto the test partitions. It is
// selected once per deployment.
type Family interface {
	Name() string
	// Images returns the payload files this family deploys, in order.
	Images(p Payload) ([]string, error)
	// Deploy formats and fills the test partitions from the master shell.
	Deploy(t *Target, r *runner.MasterRunner, p Payload) error
}

// Family names.
const (
	FamilyLinaro  = "linaro"
	FamilyAndroid = "android"
)

// SelectFamily returns the family for name.
func SelectFamily(name string) (Family, error) {
	switch name {
	case FamilyLinaro, "":
		return linaro{}, nil
	case FamilyAndroid:
		return android{}, nil
	}
	return nil, errors.Config("unknown image family "+name, nil)
}

func required(name, path string) error {
	if path == "" {
		return errors.Config(name+" tarball is required", nil)
	}
	return nil
}

const rootfsTimeout = 18000 * time.Second

type linaro struct{}

func (linaro) Name() string { return FamilyLinaro }

func (linaro) Images(p Payload) ([]string, error) {
	if err := required("root", p.Root); err != nil {
		return nil, err
	}
	if err := required("boot", p.Boot); err != nil {
		return nil, err
	}
	return []string{p.Root, p.Boot}, nil
}

func (l linaro) Deploy(t *Target, r *runner.MasterRunner, p Payload) error {
	rootURL, err := t.URLFor(p.Root)
	if err != nil {
		return err
	}
	bootURL, err := t.URLFor(p.Boot)
	if err != nil {
		return err
	}

	fstype := p.RootFSType
	if fstype == "" {
		fstype = "ext3"
	}
	if err := t.FormatTestPartitions(r, fstype); err != nil {
		return err
	}
	if err := l.rootfs(t, r, rootURL); err != nil {
		return err
	}
	return l.bootfs(t, r, bootURL)
}

func (linaro) rootfs(t *Target, r *runner.MasterRunner, url string) error {
	slog.Info("deploy_rootfs", "device", t.cfg.Hostname, "url", url)
	for _, cmd := range []string{
		"udevadm trigger",
		"mkdir -p /mnt/root",
		"mount " + device.LabelPath(device.LabelTestRootfs) + " /mnt/root",
	} {
		if _, err := r.Run(cmd); err != nil {
			return errors.Wrap(err, "failed to prepare test rootfs")
		}
	}
	if err := t.TargetExtract(r, url, "/mnt/root", rootfsTimeout); err != nil {
		return err
	}

	// Keep installed packages from reflashing the boot kernel.
	res, err := r.Run("chroot /mnt/root which dpkg-divert", runner.FailOK())
	if err == nil && res.ExitCode == 0 {
		slog.Info("divert_flash_kernel", "device", t.cfg.Hostname)
		for _, cmd := range []string{
			"chroot /mnt/root dpkg-divert --local /usr/sbin/flash-kernel",
			"chroot /mnt/root ln -sf /bin/true /usr/sbin/flash-kernel",
		} {
			if _, err := r.Run(cmd); err != nil {
				return errors.Wrap(err, "failed to divert flash-kernel")
			}
		}
	}

	if _, err := r.Run("umount /mnt/root"); err != nil {
		return errors.Wrap(err, "failed to unmount test rootfs")
	}
	return nil
}

func (linaro) bootfs(t *Target, r *runner.MasterRunner, url string) error {
	slog.Info("deploy_bootfs", "device", t.cfg.Hostname, "url", url)
	for _, cmd := range []string{
		"udevadm trigger",
		"mkdir -p /mnt/boot",
		"mount " + device.LabelPath(device.LabelTestBoot) + " /mnt/boot",
	} {
		if _, err := r.Run(cmd); err != nil {
			return errors.Wrap(err, "failed to prepare test boot")
		}
	}
	if err := t.TargetExtract(r, url, "/mnt/boot", t.cfg.CommandTimeout); err != nil {
		return err
	}
	if _, err := r.Run("umount /mnt/boot"); err != nil {
		return errors.Wrap(err, "failed to unmount test boot")
	}
	return nil
}

// Prompt injected into Android images.
const androidTesterPS1 = "root@linaro# "

type android struct{}

func (android) Name() string { return FamilyAndroid }

func (android) Images(p Payload) ([]string, error) {
	for _, img := range []struct{ name, path string }{
		{"boot", p.Boot}, {"system", p.System}, {"data", p.Data},
	} {
		if err := required(img.name, img.path); err != nil {
			return nil, err
		}
	}
	return []string{p.Boot, p.System, p.Data}, nil
}

func (a android) Deploy(t *Target, r *runner.MasterRunner, p Payload) error {
	var urls [3]string
	for i, path := range []string{p.Boot, p.System, p.Data} {
		u, err := t.URLFor(path)
		if err != nil {
			return err
		}
		urls[i] = u
	}

	if err := t.FormatTestPartitions(r, "ext4"); err != nil {
		return err
	}
	if err := a.boot(t, r, urls[0]); err != nil {
		return err
	}
	if err := a.system(t, r, urls[1]); err != nil {
		return err
	}
	if err := a.data(t, r, urls[2]); err != nil {
		return err
	}

	if r.HasPartitionWithLabel(device.LabelUserdata) && r.HasPartitionWithLabel(device.LabelSdcard) {
		return a.purgeSdcard(t, r)
	}
	return nil
}

func runAll(r *runner.MasterRunner, cmds ...string) error {
	for _, cmd := range cmds {
		if _, err := r.Run(cmd); err != nil {
			return err
		}
	}
	return nil
}

func (a android) boot(t *Target, r *runner.MasterRunner, url string) error {
	slog.Info("deploy_android_boot", "device", t.cfg.Hostname, "url", url)
	if err := runAll(r,
		"mkdir -p /mnt/lava/boot",
		"mount "+device.LabelPath(device.LabelTestBoot)+" /mnt/lava/boot",
	); err != nil {
		return errors.Wrap(err, "failed to mount android boot")
	}
	if err := t.TargetExtract(r, url, "/mnt/lava", t.cfg.CommandTimeout); err != nil {
		return err
	}
	if err := a.recreateInitrd(t, r); err != nil {
		return err
	}
	if _, err := r.Run("umount /mnt/lava/boot"); err != nil {
		return errors.Wrap(err, "failed to unmount android boot")
	}
	return nil
}

// recreateInitrd unpacks uInitrd, injects the test prompt and the lab's
// partition layout into its init scripts and packs it again.
func (a android) recreateInitrd(t *Target, r *runner.MasterRunner) error {
	slog.Info("recreate_uinitrd", "device", t.cfg.Hostname)
	if err := runAll(r,
		"mkdir -p ~/tmp/",
		"mv /mnt/lava/boot/uInitrd ~/tmp",
		"cd ~/tmp/",
		"nice dd if=uInitrd of=uInitrd.data ibs=64 skip=1",
		"mv uInitrd.data ramdisk.cpio.gz",
		"nice gzip -d -f ramdisk.cpio.gz; cpio -i -F ramdisk.cpio",
		fmt.Sprintf(`sed -i "/export PATH/a \ \ \ \ export PS1 '%s'" init.rc`, androidTesterPS1),
	); err != nil {
		return errors.Wrap(err, "failed to unpack uInitrd")
	}

	for _, f := range t.cfg.PossiblePartitionsFiles {
		if !r.FileExists(f) {
			continue
		}
		if err := a.updatePartitions(t, r, f); err != nil {
			return err
		}
		r.Run("cat "+f, runner.FailOK())
	}

	if err := runAll(r,
		"nice cpio -i -t -F ramdisk.cpio | cpio -o -H newc | gzip > ramdisk_new.cpio.gz",
		`nice mkimage -A arm -O linux -T ramdisk -n "Android Ramdisk Image" -d ramdisk_new.cpio.gz uInitrd`,
		"cd -",
		"mv ~/tmp/uInitrd /mnt/lava/boot/uInitrd",
		"rm -rf ~/tmp",
	); err != nil {
		return errors.Wrap(err, "failed to repack uInitrd")
	}
	return nil
}

// updatePartitions points the block device references in an init script at
// the lab partitions. Only the cache line is matched with its /dev/block/
// prefix; data and system are renamed wherever they appear, since fstab
// style files name them bare.
func (android) updatePartitions(t *Target, r *runner.MasterRunner, file string) error {
	c := t.cfg
	org := c.AndroidOrigBlockDevice + c.PartitionPaddingOrg
	lava := c.AndroidLavaBlockDevice + c.PartitionPaddingAndroid

	cmds := []string{
		fmt.Sprintf(`sed -i "/\/dev\/block\/%s%d/d" %s`, org, c.CachePartAndroidOrg, file),
		fmt.Sprintf(`sed -i "s/%s%d/%s%d/g" %s`, org, c.DataPartAndroidOrg, lava, c.DataPartAndroid, file),
		fmt.Sprintf(`sed -i "s/%s%d/%s%d/g" %s`, org, c.SysPartAndroidOrg, lava, c.SysPartAndroid, file),
	}
	if err := runAll(r, cmds...); err != nil {
		return errors.Wrap(err, "failed to update partitions in "+file)
	}
	return nil
}

func (android) system(t *Target, r *runner.MasterRunner, url string) error {
	c := t.cfg
	slog.Info("deploy_android_system", "device", c.Hostname, "url", url)
	if err := runAll(r,
		"mkdir -p /mnt/lava/system",
		"mount "+device.LabelPath(device.LabelTestRootfs)+" /mnt/lava/system",
	); err != nil {
		return errors.Wrap(err, "failed to mount android system")
	}
	if err := t.TargetExtract(r, url, "/mnt/lava", 3600*time.Second); err != nil {
		return err
	}

	const vold = "/mnt/lava/system/etc/vold.fstab"
	if r.HasPartitionWithLabel(device.LabelUserdata) && r.HasPartitionWithLabel(device.LabelSdcard) && r.FileExists(vold) {
		org := fmt.Sprintf("%s %d", c.SdcardMountpointPath, c.SdcardPartAndroidOrg)
		lava := fmt.Sprintf("%s %d", c.SdcardMountpointPath, c.SdcardPartAndroid)
		r.Run(fmt.Sprintf(`sed -i "s@dev_mount sdcard %s @dev_mount sdcard %s @" %s`, org, lava, vold), runner.FailOK())
		r.Run("cat "+vold, runner.FailOK())
	}

	const script = "/mnt/lava/system/bin/disablesuspend.sh"
	if !r.FileExists(script) && c.DisableSuspendScriptURL != "" {
		slog.Info("fetch_disablesuspend", "device", c.Hostname)
		if err := runAll(r,
			fmt.Sprintf("wget --no-check-certificate %s -O %s", c.DisableSuspendScriptURL, script),
			"chmod +x "+script,
			"chown :2000 "+script,
		); err != nil {
			return errors.Wrap(err, "failed to install disablesuspend.sh")
		}
	}

	r.Run(fmt.Sprintf(`sed -i "s/^PS1=.*$/PS1='%s'/" /mnt/lava/system/etc/mkshrc`, androidTesterPS1), runner.FailOK())
	if _, err := r.Run("umount /mnt/lava/system"); err != nil {
		return errors.Wrap(err, "failed to unmount android system")
	}
	return nil
}

func (android) data(t *Target, r *runner.MasterRunner, url string) error {
	label := AndroidDataLabel(r)
	part := device.LabelPath(label)
	slog.Info("deploy_android_data", "device", t.cfg.Hostname, "url", url, "label", label)

	r.Run("umount "+part, runner.FailOK())
	if err := runAll(r,
		fmt.Sprintf("nice mkfs.ext4 -q %s -L %s", part, label),
		"udevadm trigger",
		"mkdir -p /mnt/lava/data",
		"mount "+part+" /mnt/lava/data",
	); err != nil {
		return errors.Wrap(err, "failed to prepare android data")
	}
	if err := t.TargetExtract(r, url, "/mnt/lava", 600*time.Second); err != nil {
		return err
	}
	if _, err := r.Run("umount /mnt/lava/data"); err != nil {
		return errors.Wrap(err, "failed to unmount android data")
	}
	return nil
}

func (android) purgeSdcard(t *Target, r *runner.MasterRunner) error {
	slog.Info("purge_sdcard", "device", t.cfg.Hostname)
	if err := runAll(r,
		fmt.Sprintf("nice mkfs.vfat %s -n %s", device.LabelPath(device.LabelSdcard), device.LabelSdcard),
		"udevadm trigger",
	); err != nil {
		return errors.Wrap(err, "failed to purge sdcard")
	}
	return nil
}
