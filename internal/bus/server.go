package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"

	"github.com/openbmc/acfshell/internal/log"
	"github.com/openbmc/acfshell/internal/scriptid"
)

// DefaultCallTimeout bounds the time a method call waits for the shell.
const DefaultCallTimeout = 30 * time.Second

var ErrNameTaken = errors.New("bus name already owned")

// Shell is served on ShellPath.
type Shell interface {
	Active(ctx context.Context) ([]string, error)
	Start(ctx context.Context, script string, timeout uint64, dumpNeeded bool) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// Conn is the part of *dbus.Conn the server needs.
type Conn interface {
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
	Export(v any, path dbus.ObjectPath, iface string) error
	ExportMethodTable(methods map[string]any, path dbus.ObjectPath, iface string) error
}

type Server struct {
	conn Conn
	// ctx carries the log attributes of every method call
	ctx context.Context
}

func NewServer(ctx context.Context, conn Conn) *Server {
	return &Server{
		conn: conn,
		ctx:  context.WithoutCancel(ctx),
	}
}

// Serve owns ServiceName and serves shell until ctx is done.
func (s *Server) Serve(ctx context.Context, shell Shell) error {
	obj := &shellObject{shell: shell, ctx: s.ctx, timeout: DefaultCallTimeout}
	if err := s.conn.ExportMethodTable(obj.methods(), ShellPath, ShellIface); err != nil {
		return fmt.Errorf("exporting %s: %w", ShellPath, err)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(shellNode), ShellPath, introspect.IntrospectData.Name); err != nil {
		return fmt.Errorf("exporting introspection of %s: %w", ShellPath, err)
	}
	defer func() {
		_ = s.conn.Export(nil, ShellPath, ShellIface)
		_ = s.conn.Export(nil, ShellPath, introspect.IntrospectData.Name)
	}()

	reply, err := s.conn.RequestName(ServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", ServiceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, ServiceName)
	}
	slog.InfoContext(ctx, "serving on the bus", "name", ServiceName, "path", string(ShellPath))

	<-ctx.Done()
	if _, err := s.conn.ReleaseName(ServiceName); err != nil {
		slog.WarnContext(ctx, "releasing bus name failed", "error", err)
	}
	return nil
}

// ExportScript publishes the cancel method of script id. The returned func
// removes the object and may be called more than once.
func (s *Server) ExportScript(id string, cancel func() bool) (func(), error) {
	if !scriptid.Valid(id) {
		return nil, fmt.Errorf("invalid script id %q", id)
	}
	path := ScriptPath(id)
	obj := &scriptObject{id: id, ctx: s.ctx, cancel: cancel}
	if err := s.conn.ExportMethodTable(obj.methods(), path, ScriptIface); err != nil {
		return nil, fmt.Errorf("exporting %s: %w", path, err)
	}
	if err := s.conn.Export(introspect.NewIntrospectable(scriptNode), path, introspect.IntrospectData.Name); err != nil {
		_ = s.conn.Export(nil, path, ScriptIface)
		return nil, fmt.Errorf("exporting introspection of %s: %w", path, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = s.conn.Export(nil, path, ScriptIface)
			_ = s.conn.Export(nil, path, introspect.IntrospectData.Name)
		})
	}, nil
}

type shellObject struct {
	shell   Shell
	ctx     context.Context
	timeout time.Duration
}

func (o *shellObject) methods() map[string]any {
	return map[string]any{
		"active": o.Active,
		"start":  o.Start,
		"cancel": o.Cancel,
	}
}

func (o *shellObject) request(method string) (context.Context, context.CancelFunc) {
	ctx := log.ContextAttrs(o.ctx,
		slog.String("request_id", uuid.NewString()),
		slog.String("method", method),
	)
	return context.WithTimeout(ctx, o.timeout)
}

func (o *shellObject) Active() ([]string, *dbus.Error) {
	ctx, cancel := o.request("active")
	defer cancel()
	ids, err := o.shell.Active(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "listing scripts failed", "error", err)
		return nil, dbus.MakeFailedError(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Start reports a failed start as false, like the method always did.
func (o *shellObject) Start(script string, timeout uint64, dumpNeeded bool) (bool, *dbus.Error) {
	ctx, cancel := o.request("start")
	defer cancel()
	slog.DebugContext(ctx, "start requested", "timeout", timeout, "dump_needed", dumpNeeded, "size", len(script))
	id, err := o.shell.Start(ctx, script, timeout, dumpNeeded)
	if err != nil {
		slog.ErrorContext(ctx, "starting script failed", "error", err)
		return false, nil
	}
	slog.InfoContext(ctx, "script accepted", "script_id", id)
	return true, nil
}

func (o *shellObject) Cancel(id string) (bool, *dbus.Error) {
	ctx, cancel := o.request("cancel")
	defer cancel()
	ok, err := o.shell.Cancel(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "cancelling script failed", "script_id", id, "error", err)
		return false, dbus.MakeFailedError(err)
	}
	return ok, nil
}

type scriptObject struct {
	id     string
	ctx    context.Context
	cancel func() bool
}

func (o *scriptObject) methods() map[string]any {
	return map[string]any{"cancel": o.Cancel}
}

func (o *scriptObject) Cancel() (bool, *dbus.Error) {
	ok := o.cancel()
	slog.DebugContext(o.ctx, "script object cancel", "script_id", o.id, "cancelled", ok)
	return ok, nil
}

var shellNode = &introspect.Node{
	Name: string(ShellPath),
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: ShellIface,
			Methods: []introspect.Method{
				{Name: "active", Args: []introspect.Arg{
					{Name: "ids", Type: "as", Direction: "out"},
				}},
				{Name: "start", Args: []introspect.Arg{
					{Name: "script", Type: "s", Direction: "in"},
					{Name: "timeout", Type: "t", Direction: "in"},
					{Name: "dumpNeeded", Type: "b", Direction: "in"},
					{Name: "ok", Type: "b", Direction: "out"},
				}},
				{Name: "cancel", Args: []introspect.Arg{
					{Name: "id", Type: "s", Direction: "in"},
					{Name: "ok", Type: "b", Direction: "out"},
				}},
			},
		},
	},
}

var scriptNode = &introspect.Node{
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: ScriptIface,
			Methods: []introspect.Method{
				{Name: "cancel", Args: []introspect.Arg{
					{Name: "ok", Type: "b", Direction: "out"},
				}},
			},
		},
	},
}
