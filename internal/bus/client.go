package bus

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Client calls a running daemon.
type Client struct {
	conn *dbus.Conn
}

func NewClient(conn *dbus.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) shell() dbus.BusObject {
	return c.conn.Object(ServiceName, ShellPath)
}

func (c *Client) Active(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.shell().CallWithContext(ctx, ShellIface+".active", 0).Store(&ids); err != nil {
		return nil, fmt.Errorf("calling active: %w", err)
	}
	return ids, nil
}

// Start submits script. The daemon only says whether it was accepted.
func (c *Client) Start(ctx context.Context, script string, timeout uint64, dumpNeeded bool) (bool, error) {
	var ok bool
	if err := c.shell().CallWithContext(ctx, ShellIface+".start", 0, script, timeout, dumpNeeded).Store(&ok); err != nil {
		return false, fmt.Errorf("calling start: %w", err)
	}
	return ok, nil
}

func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	var ok bool
	if err := c.shell().CallWithContext(ctx, ShellIface+".cancel", 0, id).Store(&ok); err != nil {
		return false, fmt.Errorf("calling cancel: %w", err)
	}
	return ok, nil
}

// CancelScript goes through the object of the script instead of the shell.
func (c *Client) CancelScript(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := c.conn.Object(ServiceName, ScriptPath(id)).
		CallWithContext(ctx, ScriptIface+".cancel", 0).
		Store(&ok)
	if err != nil {
		return false, fmt.Errorf("calling cancel on %s: %w", ScriptPath(id), err)
	}
	return ok, nil
}
