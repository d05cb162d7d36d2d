// Package device holds the per-board configuration shared by the boot and
// deployment code. A Config is loaded once per job and never modified.
package device

import (
	"fmt"
	"time"
)

// Fixed suffix appended to the master prompt so every command reports its
// exit status. The matching pattern captures the status as group 1.
const (
	MasterPS1Suffix        = ` [rc=$(echo \$?)]# `
	MasterPS1PatternSuffix = ` \[rc=(\d+)\]# `
)

// Partition labels created on the test media by the lab image.
const (
	LabelTestBoot   = "testboot"
	LabelTestRootfs = "testrootfs"
	LabelUserdata   = "userdata"
	LabelSdcard     = "sdcard"
)

// Config describes one board.
type Config struct {
	// Identity and connection
	Hostname          string        `mapstructure:"hostname"`
	BoardProfile      string        `mapstructure:"board_profile"`
	SerialPort        string        `mapstructure:"serial_port"`
	BaudRate          int           `mapstructure:"baud_rate"`
	ConnectionCommand string        `mapstructure:"connection_command"`
	PreConnectCommand string        `mapstructure:"pre_connect_command"`
	PowerOffCmd       string        `mapstructure:"power_off_cmd"`
	HardResetCommand  string        `mapstructure:"hard_reset_command"`
	SendDelay         time.Duration `mapstructure:"send_delay"`

	// Prompts and boot strings
	SoftBootCmd          string `mapstructure:"soft_boot_cmd"`
	MasterStr            string `mapstructure:"master_str"`
	TesterStr            string `mapstructure:"tester_str"`
	ImageBootMsg         string `mapstructure:"image_boot_msg"`
	InterruptBootPrompt  string `mapstructure:"interrupt_boot_prompt"`
	InterruptBootCommand string `mapstructure:"interrupt_boot_command"`
	BootloaderPrompt     string `mapstructure:"bootloader_prompt"`

	// Boot commands and partitions
	BootCmds              string            `mapstructure:"boot_cmds"`
	BootOptions           map[string]string `mapstructure:"boot_options"`
	BootRetries           int               `mapstructure:"boot_retries"`
	BootDevice            string            `mapstructure:"boot_device"`
	TestbootOffset        int               `mapstructure:"testboot_offset"`
	BootPart              int               `mapstructure:"boot_part"`
	RootPart              int               `mapstructure:"root_part"`
	ReadBootCmdsFromImage bool              `mapstructure:"read_boot_cmds_from_image"`
	BootFiles             []string          `mapstructure:"boot_files"`
	NetworkInterface      string            `mapstructure:"default_network_interface"`

	// Android layout
	SdcardPartAndroidOrg       int      `mapstructure:"sdcard_part_android_org"`
	DataPartAndroidOrg         int      `mapstructure:"data_part_android_org"`
	SysPartAndroidOrg          int      `mapstructure:"sys_part_android_org"`
	CachePartAndroidOrg        int      `mapstructure:"cache_part_android_org"`
	SdcardPartAndroid          int      `mapstructure:"sdcard_part_android"`
	DataPartAndroid            int      `mapstructure:"data_part_android"`
	SysPartAndroid             int      `mapstructure:"sys_part_android"`
	PartitionPaddingOrg        string   `mapstructure:"partition_padding_string_org"`
	PartitionPaddingAndroid    string   `mapstructure:"partition_padding_string_android"`
	AndroidOrigBlockDevice     string   `mapstructure:"android_orig_block_device"`
	AndroidLavaBlockDevice     string   `mapstructure:"android_lava_block_device"`
	SdcardMountpointPath       string   `mapstructure:"sdcard_mountpoint_path"`
	PossiblePartitionsFiles    []string `mapstructure:"possible_partitions_files"`
	DisableSuspendScriptURL    string   `mapstructure:"disablesuspend_sh_url"`

	// Timeouts
	BootBannerTimeout time.Duration `mapstructure:"boot_banner_timeout"`
	PromptTimeout     time.Duration `mapstructure:"prompt_timeout"`
	PS1Timeout        time.Duration `mapstructure:"ps1_timeout"`
	CheckTimeout      time.Duration `mapstructure:"check_timeout"`
	NetworkTimeout    time.Duration `mapstructure:"network_timeout"`
	SoftRebootTimeout time.Duration `mapstructure:"soft_reboot_timeout"`
	BootloaderTimeout time.Duration `mapstructure:"bootloader_timeout"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`

	// Transfers
	TransferRetries   int           `mapstructure:"transfer_retries"`
	TransferBackoff   time.Duration `mapstructure:"transfer_backoff"`
	HTTPServerCommand string        `mapstructure:"http_server_command"`
	HTTPServerBanner  string        `mapstructure:"http_server_banner"`
}

// Defaults returns the values used for keys a device file leaves out.
func Defaults() map[string]any {
	return map[string]any{
		"board_profile":             "uboot",
		"baud_rate":                 115200,
		"soft_boot_cmd":             "reboot",
		"master_str":                "root@master",
		"tester_str":                "linaro-test",
		"image_boot_msg":            "Starting kernel",
		"interrupt_boot_prompt":     "Hit any key to stop autoboot",
		"interrupt_boot_command":    "",
		"boot_retries":              3,
		"boot_device":               "0",
		"testboot_offset":           2,
		"boot_part":                 1,
		"root_part":                 2,
		"boot_files":                []string{"boot.txt", "uEnv.txt"},
		"default_network_interface": "eth0",

		"sdcard_part_android_org":          5,
		"data_part_android_org":            6,
		"sys_part_android_org":             2,
		"cache_part_android_org":           3,
		"sdcard_part_android":              6,
		"data_part_android":                7,
		"sys_part_android":                 3,
		"partition_padding_string_org":     "p",
		"partition_padding_string_android": "p",
		"android_orig_block_device":        "mmcblk0",
		"android_lava_block_device":        "mmcblk0",
		"sdcard_mountpoint_path":           "/mnt/sdcard",
		"possible_partitions_files":        []string{"init.partitions.rc", "fstab.partitions", "init.rc"},
		"disablesuspend_sh_url":            "http://git.linaro.org/lava-team/lava-dispatcher.git/blob_plain/HEAD:/lava_test_shell/disablesuspend.sh",

		"boot_banner_timeout": "300s",
		"prompt_timeout":      "300s",
		"ps1_timeout":         "120s",
		"check_timeout":       "10s",
		"network_timeout":     "120s",
		"soft_reboot_timeout": "120s",
		"bootloader_timeout":  "300s",
		"command_timeout":     "600s",

		"transfer_retries":    5,
		"transfer_backoff":    "60s",
		"http_server_command": "python -m SimpleHTTPServer 0 2>/dev/null",
		"http_server_banner":  `Serving HTTP on 0.0.0.0 port (\d+) \.\.`,
	}
}

// Validate checks the fields the boot and deploy code rely on.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}
	if c.MasterStr == "" {
		return fmt.Errorf("master_str cannot be empty")
	}
	if c.BootRetries < 1 {
		return fmt.Errorf("boot_retries must be at least 1")
	}
	if c.SerialPort == "" && c.ConnectionCommand == "" {
		return fmt.Errorf("one of serial_port or connection_command is required")
	}
	if c.TransferRetries < 1 {
		return fmt.Errorf("transfer_retries must be at least 1")
	}
	if c.ImageBootMsg == "" {
		return fmt.Errorf("image_boot_msg cannot be empty")
	}
	return nil
}

// MasterPS1 is the prompt exported in the master shell.
func (c *Config) MasterPS1() string {
	return c.MasterStr + MasterPS1Suffix
}

// MasterPS1Pattern is the regular expression matching MasterPS1 output.
// Group 1 is the exit status of the previous command.
func (c *Config) MasterPS1Pattern() string {
	return c.MasterStr + MasterPS1PatternSuffix
}

// LabelPath returns the by-label device path for a partition label.
func LabelPath(label string) string {
	return "/dev/disk/by-label/" + label
}
