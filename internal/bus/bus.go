// Package bus exposes the shell on D-Bus and talks to the BMC dump manager.
package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/acfshell/internal/model"
)

const (
	ServiceName = "xyz.openbmc_project.acfshell"

	ShellPath   = dbus.ObjectPath("/xyz/openbmc_project/acfshell")
	ShellIface  = "xyz.openbmc_project.TacfShell"
	ScriptIface = "xyz.openbmc_project.TacfScript"

	DumpService     = "xyz.openbmc_project.Dump.Manager"
	DumpPath        = dbus.ObjectPath("/xyz/openbmc_project/dump/bmc")
	DumpCreateIface = "xyz.openbmc_project.Dump.Create"
	ProgressIface   = "xyz.openbmc_project.Common.Progress"

	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = propertiesIface + ".PropertiesChanged"
)

// Connect opens the system or the session bus.
func Connect(kind string) (*dbus.Conn, error) {
	var conn *dbus.Conn
	var err error
	switch kind {
	case model.BusSystem, "":
		conn, err = dbus.ConnectSystemBus()
	case model.BusSession:
		conn, err = dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to the %s bus: %w", kind, err)
	}
	return conn, nil
}

// ScriptPath is the object path of script id.
func ScriptPath(id string) dbus.ObjectPath {
	return ShellPath + dbus.ObjectPath("/"+id)
}
