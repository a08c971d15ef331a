package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/acfshell/internal/dump"

	"github.com/stretchr/testify/require"
)

func progressSignal(path dbus.ObjectPath, iface string, changed map[string]dbus.Variant) *dbus.Signal {
	return &dbus.Signal{
		Path: path,
		Name: propertiesChanged,
		Body: []any{iface, changed, []string{}},
	}
}

func TestStatusFromSignal(t *testing.T) {
	t.Parallel()
	path := dbus.ObjectPath("/xyz/openbmc_project/dump/bmc/entry/3")

	status, ok := statusFromSignal(progressSignal(path, ProgressIface, map[string]dbus.Variant{
		"Status": dbus.MakeVariant(dump.StatusCompleted),
	}))
	require.True(t, ok)
	require.Equal(t, dump.StatusCompleted, status)

	var testCases = []struct {
		scenario string
		sig      *dbus.Signal
	}{
		{"nil", nil},
		{"other interface", progressSignal(path, "xyz.openbmc_project.Dump.Entry", map[string]dbus.Variant{
			"Status": dbus.MakeVariant(dump.StatusCompleted),
		})},
		{"other property", progressSignal(path, ProgressIface, map[string]dbus.Variant{
			"CompletedTime": dbus.MakeVariant(uint64(1)),
		})},
		{"wrong type", progressSignal(path, ProgressIface, map[string]dbus.Variant{
			"Status": dbus.MakeVariant(uint32(1)),
		})},
		{"other signal", &dbus.Signal{Path: path, Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []any{"a", "b", "c"}}},
		{"short body", &dbus.Signal{Path: path, Name: propertiesChanged, Body: []any{ProgressIface}}},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, ok := statusFromSignal(tc.sig)
			require.False(t, ok)
		})
	}
}

func TestRouter(t *testing.T) {
	t.Parallel()
	r := newRouter()
	a := dbus.ObjectPath("/xyz/openbmc_project/dump/bmc/entry/1")
	b := dbus.ObjectPath("/xyz/openbmc_project/dump/bmc/entry/2")

	var gotA, gotB []string
	idA := r.add(a, func(s string) { gotA = append(gotA, s) })
	r.add(b, func(s string) { gotB = append(gotB, s) })

	status := func(s string) map[string]dbus.Variant {
		return map[string]dbus.Variant{"Status": dbus.MakeVariant(s)}
	}
	r.dispatch(progressSignal(a, ProgressIface, status(dump.StatusInProgress)))
	r.dispatch(progressSignal(b, ProgressIface, status(dump.StatusCompleted)))
	r.dispatch(progressSignal("/elsewhere", ProgressIface, status(dump.StatusCompleted)))

	require.Equal(t, []string{dump.StatusInProgress}, gotA)
	require.Equal(t, []string{dump.StatusCompleted}, gotB)

	r.remove(a, idA)
	r.dispatch(progressSignal(a, ProgressIface, status(dump.StatusCompleted)))
	require.Len(t, gotA, 1)
	require.NotContains(t, r.watchers, a)
}

func TestRouterCloseFromCallback(t *testing.T) {
	t.Parallel()
	r := newRouter()
	path := dbus.ObjectPath("/xyz/openbmc_project/dump/bmc/entry/9")
	calls := 0
	var id uint64
	id = r.add(path, func(string) {
		calls++
		r.remove(path, id)
	})
	sig := progressSignal(path, ProgressIface, map[string]dbus.Variant{"Status": dbus.MakeVariant(dump.StatusCompleted)})
	r.dispatch(sig)
	r.dispatch(sig)
	require.Equal(t, 1, calls)
}
