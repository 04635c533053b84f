// Package ipc carries ShowWindow requests from launcher invocations to
// the running instance over the D-Bus session bus.
package ipc

import (
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"

	"github.com/chenkeao/popup-ai/internal/config"
	"github.com/chenkeao/popup-ai/internal/domain"
)

const (
	// MethodShowWindow is the only method of the interface.
	MethodShowWindow = "ShowWindow"

	introspectableInterface = "org.freedesktop.DBus.Introspectable"
)

// ErrNameTaken means another connection already owns the bus name.
var ErrNameTaken = errors.New("bus name already owned by another instance")

// Dispatcher accepts requests from the bus. Implementations must not
// block: requests arrive on the bus connection's goroutine. A returned
// error is sent back to the caller as org.freedesktop.DBus.Error.Failed.
type Dispatcher interface {
	ShowWindow(req domain.ShowWindowRequest) error
}

// Server exports the instance object on a bus connection.
type Server struct {
	conn   *dbus.Conn
	cfg    config.IPCConfig
	obj    *object
	logger *zap.Logger
	owned  bool
}

// NewServer creates a server for conn. Nothing is exported until Register.
func NewServer(conn *dbus.Conn, cfg config.IPCConfig, dispatch Dispatcher, logger *zap.Logger) *Server {
	return &Server{
		conn:   conn,
		cfg:    cfg,
		obj:    &object{dispatch: dispatch, logger: logger},
		logger: logger,
	}
}

// Register exports the object and claims the well-known name. The object
// is exported first so that a request sent right after the name appears
// is never lost.
func (s *Server) Register() error {
	path := dbus.ObjectPath(s.cfg.ObjectPath)
	if !path.IsValid() {
		return fmt.Errorf("invalid object path %q", s.cfg.ObjectPath)
	}

	if err := s.conn.Export(s.obj, path, s.cfg.Interface); err != nil {
		return fmt.Errorf("failed to export object: %w", err)
	}
	node := introspectNode(s.cfg)
	if err := s.conn.Export(introspect.NewIntrospectable(node), path, introspectableInterface); err != nil {
		s.unexport()
		return fmt.Errorf("failed to export introspection: %w", err)
	}

	reply, err := s.conn.RequestName(s.cfg.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		s.unexport()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		s.unexport()
		return fmt.Errorf("%w: %s", ErrNameTaken, s.cfg.BusName)
	}

	s.owned = true
	s.logger.Info("registered on session bus",
		zap.String("name", s.cfg.BusName),
		zap.String("path", s.cfg.ObjectPath))
	return nil
}

// Close releases the name and unexports the object.
func (s *Server) Close() error {
	var err error
	if s.owned {
		if _, rerr := s.conn.ReleaseName(s.cfg.BusName); rerr != nil {
			err = fmt.Errorf("failed to release bus name: %w", rerr)
		}
		s.owned = false
	}
	s.unexport()
	return err
}

func (s *Server) unexport() {
	path := dbus.ObjectPath(s.cfg.ObjectPath)
	_ = s.conn.Export(nil, path, s.cfg.Interface)
	_ = s.conn.Export(nil, path, introspectableInterface)
}

// object is the exported D-Bus object. godbus answers calls to methods
// it does not have with org.freedesktop.DBus.Error.UnknownMethod.
type object struct {
	dispatch Dispatcher
	logger   *zap.Logger
}

// ShowWindow queues a window and returns without waiting for it.
func (o *object) ShowWindow(initialText string) *dbus.Error {
	o.logger.Debug("ShowWindow received", zap.Int("text_length", len(initialText)))
	if err := o.dispatch.ShowWindow(domain.ShowWindowRequest{InitialText: initialText}); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

func introspectNode(cfg config.IPCConfig) *introspect.Node {
	return &introspect.Node{
		Name: cfg.ObjectPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: cfg.Interface,
				Methods: []introspect.Method{
					{
						Name: MethodShowWindow,
						Args: []introspect.Arg{
							{Name: "initial_text", Type: "s", Direction: "in"},
						},
					},
				},
			},
		},
	}
}
