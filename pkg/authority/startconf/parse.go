package startconf

import (
	"strconv"
	"strings"
)

// Linbo holds the [LINBO] header section of a start.conf file.
type Linbo struct {
	Server           string `json:"server"`
	Cache            string `json:"cache"`
	Group            string `json:"group"`
	RootTimeout      int    `json:"rootTimeout"`
	AutoPartition    bool   `json:"autoPartition"`
	AutoFormat       bool   `json:"autoFormat"`
	AutoInitCache    bool   `json:"autoInitCache"`
	DownloadType     string `json:"downloadType"`
	SystemType       string `json:"systemType"`
	KernelOptions    string `json:"kernelOptions"`
	Locale           string `json:"locale"`
	GuiDisabled      bool   `json:"guiDisabled"`
	UseMinimalLayout bool   `json:"useMinimalLayout"`
	BootTimeout      int    `json:"bootTimeout"`
}

// Partition is one [Partition] block.
type Partition struct {
	Device   string `json:"device"`
	Label    string `json:"label"`
	Size     string `json:"size"`
	ID       string `json:"id"`
	FSType   string `json:"fsType"`
	Bootable bool   `json:"bootable"`
}

// OSEntry is one [OS] block.
type OSEntry struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	Version          string `json:"version"`
	IconName         string `json:"iconname"`
	BaseImage        string `json:"baseimage"`
	Boot             string `json:"boot"`
	Root             string `json:"root"`
	Kernel           string `json:"kernel"`
	Initrd           string `json:"initrd"`
	Append           string `json:"append"`
	StartEnabled     bool   `json:"startEnabled"`
	SyncEnabled      bool   `json:"syncEnabled"`
	NewEnabled       bool   `json:"newEnabled"`
	Autostart        bool   `json:"autostart"`
	AutostartTimeout int    `json:"autostartTimeout"`
	DefaultAction    string `json:"defaultAction"`
	Hidden           bool   `json:"hidden"`
}

// GrubPolicy is derived from the LINBO header; it never alters the raw file.
type GrubPolicy struct {
	Timeout      int  `json:"timeout"`
	DefaultEntry int  `json:"defaultEntry"`
	HiddenMenu   bool `json:"hiddenMenu"`
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "1":
		return true
	default:
		return false
	}
}

func parseInt(value string, def int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

func defaultLinbo() Linbo {
	return Linbo{
		RootTimeout:  600,
		DownloadType: "torrent",
		SystemType:   "efi64",
		BootTimeout:  5,
	}
}

func defaultOSEntry() OSEntry {
	return OSEntry{
		StartEnabled:  true,
		SyncEnabled:   true,
		NewEnabled:    true,
		DefaultAction: "sync",
	}
}

// parse parses start.conf text into its three sections. Section headers are
// case-insensitive; a new header or end-of-file commits any in-progress
// Partition/OS block. Inline comments are introduced by " #" in values and
// by "#" on header lines.
func parse(text string) (Linbo, []Partition, []OSEntry) {
	linbo := defaultLinbo()
	var partitions []Partition
	var osEntries []OSEntry

	var section string
	var curPart *Partition
	var curOS *OSEntry

	commit := func() {
		if curPart != nil {
			partitions = append(partitions, *curPart)
			curPart = nil
		}
		if curOS != nil {
			osEntries = append(osEntries, *curOS)
			curOS = nil
		}
	}

	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if i := strings.Index(line, "#"); i >= 0 {
				line = strings.TrimSpace(line[:i])
			}
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			commit()
			section = strings.ToUpper(strings.TrimSpace(line[1 : len(line)-1]))
			switch section {
			case "PARTITION":
				p := Partition{}
				curPart = &p
			case "OS":
				o := defaultOSEntry()
				curOS = &o
			}
			continue
		}

		key, rawValue, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		// Strip inline comment before trimming so "   # comment" yields "".
		if i := strings.Index(rawValue, " #"); i >= 0 {
			rawValue = rawValue[:i]
		}
		value := strings.TrimSpace(rawValue)

		switch section {
		case "LINBO":
			switch key {
			case "server":
				linbo.Server = value
			case "cache":
				linbo.Cache = value
			case "group":
				linbo.Group = value
			case "roottimeout":
				linbo.RootTimeout = parseInt(value, 600)
			case "autopartition":
				linbo.AutoPartition = parseBool(value)
			case "autoformat":
				linbo.AutoFormat = parseBool(value)
			case "autoinitcache":
				linbo.AutoInitCache = parseBool(value)
			case "downloadtype":
				linbo.DownloadType = value
			case "systemtype":
				linbo.SystemType = value
			case "kerneloptions":
				linbo.KernelOptions = value
			case "locale":
				linbo.Locale = value
			case "guidisabled":
				linbo.GuiDisabled = parseBool(value)
			case "useminimallayout":
				linbo.UseMinimalLayout = parseBool(value)
			case "boottimeout":
				linbo.BootTimeout = parseInt(value, 5)
			}

		case "PARTITION":
			if curPart == nil {
				continue
			}
			switch key {
			case "dev":
				curPart.Device = value
			case "label":
				curPart.Label = value
			case "size":
				curPart.Size = value
			case "id":
				curPart.ID = value
			case "fstype":
				curPart.FSType = value
			case "bootable":
				curPart.Bootable = parseBool(value)
			}

		case "OS":
			if curOS == nil {
				continue
			}
			switch key {
			case "name":
				curOS.Name = value
			case "description":
				curOS.Description = value
			case "version":
				curOS.Version = value
			case "iconname":
				curOS.IconName = value
			case "baseimage":
				curOS.BaseImage = value
			case "boot":
				curOS.Boot = value
			case "root":
				curOS.Root = value
			case "kernel":
				curOS.Kernel = value
			case "initrd":
				curOS.Initrd = value
			case "append":
				curOS.Append = value
			case "startenabled":
				curOS.StartEnabled = parseBool(value)
			case "syncenabled":
				curOS.SyncEnabled = parseBool(value)
			case "newenabled":
				curOS.NewEnabled = parseBool(value)
			case "autostart":
				curOS.Autostart = parseBool(value)
			case "autostarttimeout":
				curOS.AutostartTimeout = parseInt(value, 0)
			case "defaultaction":
				curOS.DefaultAction = value
			case "hidden":
				curOS.Hidden = parseBool(value)
			}
		}
	}

	commit()
	return linbo, partitions, osEntries
}
