package ipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/config"
)

const (
	errNameHasNoOwner = "org.freedesktop.DBus.Error.NameHasNoOwner"

	ownerPollInterval = 50 * time.Millisecond
)

// Client sends requests to the running instance.
type Client struct {
	conn   *dbus.Conn
	cfg    config.IPCConfig
	logger *zap.Logger
}

// Dial opens a private session bus connection.
func Dial(cfg config.IPCConfig, logger *zap.Logger) (*Client, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return NewClient(conn, cfg, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *dbus.Conn, cfg config.IPCConfig, logger *zap.Logger) *Client {
	return &Client{conn: conn, cfg: cfg, logger: logger}
}

// HasOwner reports whether some connection owns the bus name.
func (c *Client) HasOwner(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OwnerTimeout.D())
	defer cancel()

	var owner string
	err := c.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, c.cfg.BusName).Store(&owner)
	if err != nil {
		if dbusErrorName(err) == errNameHasNoOwner {
			return false, nil
		}
		return false, fmt.Errorf("failed to query bus name owner: %w", err)
	}
	return owner != "", nil
}

// WaitForOwner polls HasOwner until the name is owned or
// RegistrationWait elapses. It covers the window between an instance
// writing its PID file and claiming its bus name.
func (c *Client) WaitForOwner(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RegistrationWait.D())
	defer cancel()

	for {
		ok, err := c.HasOwner(ctx)
		if err == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return err
			}
			return fmt.Errorf("instance did not register %s within %s", c.cfg.BusName, c.cfg.RegistrationWait.D())
		case <-time.After(ownerPollInterval):
		}
	}
}

// ShowWindow asks the instance to show its window with initialText.
// Unless WaitReply is set the call is fire-and-forget: delivery errors on
// the local connection are reported, handler errors are not.
func (c *Client) ShowWindow(ctx context.Context, initialText string) error {
	obj := c.conn.Object(c.cfg.BusName, dbus.ObjectPath(c.cfg.ObjectPath))
	method := c.cfg.Interface + "." + MethodShowWindow

	flags := dbus.FlagNoAutoStart
	if !c.cfg.WaitReply {
		flags |= dbus.FlagNoReplyExpected
	}

	call := obj.CallWithContext(ctx, method, flags, initialText)
	if call.Err != nil {
		return fmt.Errorf("ShowWindow failed: %w", call.Err)
	}
	c.logger.Debug("ShowWindow sent",
		zap.String("name", c.cfg.BusName),
		zap.Bool("wait_reply", c.cfg.WaitReply))
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) {
		return pe.Name
	}
	return ""
}
