package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/openbmc/acfshell/internal/dump"
)

// DumpClient implements dump.Service against the BMC dump manager. All
// progress watches share one signal channel, routed by object path.
type DumpClient struct {
	conn    *dbus.Conn
	router  *router
	signals chan *dbus.Signal
	done    chan struct{}
	once    sync.Once
}

func NewDumpClient(conn *dbus.Conn) *DumpClient {
	c := &DumpClient{
		conn:    conn,
		router:  newRouter(),
		signals: make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}
	conn.Signal(c.signals)
	go c.route()
	return c
}

// Close stops routing signals. Watches still open are not notified.
func (c *DumpClient) Close() error {
	c.once.Do(func() {
		c.conn.RemoveSignal(c.signals)
		close(c.done)
	})
	return nil
}

func (c *DumpClient) CreateDump(ctx context.Context) (string, error) {
	var path dbus.ObjectPath
	err := c.conn.Object(DumpService, DumpPath).
		CallWithContext(ctx, DumpCreateIface+".CreateDump", 0, map[string]dbus.Variant{}).
		Store(&path)
	if err != nil {
		return "", fmt.Errorf("calling CreateDump: %w", err)
	}
	if !path.IsValid() {
		return "", fmt.Errorf("%w: %q", dump.ErrInvalidJobPath, path)
	}
	return string(path), nil
}

func (c *DumpClient) WatchProgress(_ context.Context, jobPath string, fn func(status string)) (dump.Watch, error) {
	path := dbus.ObjectPath(jobPath)
	if !path.IsValid() {
		return nil, fmt.Errorf("%w: %q", dump.ErrInvalidJobPath, jobPath)
	}
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, ProgressIface),
	}
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("adding signal match for %s: %w", path, err)
	}
	id := c.router.add(path, fn)
	return &watch{
		closeFn: func() error {
			c.router.remove(path, id)
			return c.conn.RemoveMatchSignal(opts...)
		},
	}, nil
}

func (c *DumpClient) ProgressStatus(ctx context.Context, jobPath string) (string, error) {
	var v dbus.Variant
	err := c.conn.Object(DumpService, dbus.ObjectPath(jobPath)).
		CallWithContext(ctx, propertiesIface+".Get", 0, ProgressIface, "Status").
		Store(&v)
	if err != nil {
		return "", fmt.Errorf("reading status of %s: %w", jobPath, err)
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected status type %s", v.Signature())
	}
	return status, nil
}

func (c *DumpClient) route() {
	for {
		select {
		case <-c.done:
			return
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			c.router.dispatch(sig)
		}
	}
}

type watch struct {
	once    sync.Once
	closeFn func() error
	err     error
}

func (w *watch) Close() error {
	w.once.Do(func() { w.err = w.closeFn() })
	return w.err
}

// router hands progress signals to the watchers of their object path.
type router struct {
	mx       sync.Mutex
	next     uint64
	watchers map[dbus.ObjectPath]map[uint64]func(string)
}

func newRouter() *router {
	return &router{watchers: make(map[dbus.ObjectPath]map[uint64]func(string))}
}

func (r *router) add(path dbus.ObjectPath, fn func(string)) uint64 {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.next++
	if r.watchers[path] == nil {
		r.watchers[path] = make(map[uint64]func(string))
	}
	r.watchers[path][r.next] = fn
	return r.next
}

func (r *router) remove(path dbus.ObjectPath, id uint64) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.watchers[path], id)
	if len(r.watchers[path]) == 0 {
		delete(r.watchers, path)
	}
}

func (r *router) dispatch(sig *dbus.Signal) {
	status, ok := statusFromSignal(sig)
	if !ok {
		return
	}
	r.mx.Lock()
	fns := make([]func(string), 0, len(r.watchers[sig.Path]))
	for _, fn := range r.watchers[sig.Path] {
		fns = append(fns, fn)
	}
	r.mx.Unlock()

	// callbacks may close their watch
	for _, fn := range fns {
		fn(status)
	}
}

var errNotProgress = errors.New("not a progress signal")

// statusFromSignal extracts Status from a PropertiesChanged signal of the
// progress interface.
func statusFromSignal(sig *dbus.Signal) (string, bool) {
	status, err := parseProgress(sig)
	if err != nil {
		if !errors.Is(err, errNotProgress) {
			slog.Debug("ignoring malformed progress signal", "path", string(sig.Path), "error", err)
		}
		return "", false
	}
	return status, true
}

func parseProgress(sig *dbus.Signal) (string, error) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", errNotProgress
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != ProgressIface {
		return "", errNotProgress
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", fmt.Errorf("unexpected body type %T", sig.Body[1])
	}
	v, ok := changed["Status"]
	if !ok {
		return "", errNotProgress
	}
	status, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("unexpected status type %s", v.Signature())
	}
	return status, nil
}
