package lockdown

import (
	"context"

	"go.ioshost.dev/ioshost/internal/config"
	"go.ioshost.dev/ioshost/internal/errors"
	"go.ioshost.dev/ioshost/ios/plist"
	"go.ioshost.dev/ioshost/ios/transport"
	"go.ioshost.dev/ioshost/ios/usbmux"
)

// Session is an established lockdownd session: a dialed, QueryType'd, and
// (if the device requires it) TLS-switched connection, plus the identifiers
// needed to start further services and to version-gate protocol behavior.
type Session struct {
	conn           *transport.Conn
	cfg            *config.Config
	deviceID       int
	udid           string
	record         *usbmux.PairRecord
	sessionID      string
	productVersion string
}

// StartSession pairs (if necessary) and establishes a lockdownd session,
// switching the connection to TLS if the device requests it.
func StartSession(ctx context.Context, cfg *config.Config, deviceID int, udid string) (*Session, error) {
	record, err := Handshake(ctx, cfg, deviceID, udid)
	if err != nil {
		return nil, err
	}

	conn, err := dialDevice(ctx, cfg, deviceID)
	if err != nil {
		return nil, err
	}
	if err := queryType(conn); err != nil {
		conn.Close()
		return nil, err
	}

	pv, err := getValueOnConn(conn, "", "ProductVersion")
	if err != nil {
		conn.Close()
		return nil, err
	}
	productVersion, _ := pv.(string)

	reply, err := startSessionRequest(conn, record)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if v, ok := reply.Get("Error"); ok {
		reason, _ := v.(string)
		if reason != "InvalidHostID" {
			conn.Close()
			return nil, errors.NewServiceError("lockdown", "StartSession: "+reason)
		}
		// Our cached pairing record is stale from the device's point of
		// view: drop it, re-pair, and retry exactly once.
		_ = usbmux.DeletePairRecord(ctx, cfg, udid)
		record, err = Pair(ctx, cfg, deviceID, udid)
		if err != nil {
			conn.Close()
			return nil, err
		}
		reply, err = startSessionRequest(conn, record)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if v, ok := reply.Get("Error"); ok {
			reason, _ := v.(string)
			conn.Close()
			return nil, errors.NewServiceError("lockdown", "StartSession (after repair): "+reason)
		}
	}

	sessionIDVal, _ := reply.Get("SessionID")
	sessionID, _ := sessionIDVal.(string)

	if enableSSL, _ := reply.Get("EnableSessionSSL"); enableSSL == true {
		tlsCfg, err := buildTLSConfig(record)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.SwitchToTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return &Session{
		conn:           conn,
		cfg:            cfg,
		deviceID:       deviceID,
		udid:           udid,
		record:         record,
		sessionID:      sessionID,
		productVersion: productVersion,
	}, nil
}

func startSessionRequest(conn *transport.Conn, record *usbmux.PairRecord) (*plist.Dict, error) {
	req := plist.NewDict().
		Set("Request", "StartSession").
		Set("HostID", record.HostID).
		Set("SystemBUID", record.SystemBUID).
		Set("ProgName", progName)
	reply, err := conn.SendRecv(req)
	if err != nil {
		return nil, err
	}
	return asDict(reply, "StartSession")
}

// ProductVersion returns the device's iOS version string, cached from the
// GetValue issued while starting the session.
func (s *Session) ProductVersion() string { return s.productVersion }

// SessionID returns lockdownd's session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// Close closes the session's underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// GetValue reads domain/key (or the whole domain, if key is empty) within
// this session.
func (s *Session) GetValue(domain, key string) (interface{}, error) {
	return getValueOnConn(s.conn, domain, key)
}

// SetValue sets domain/key to value within this session.
func (s *Session) SetValue(domain, key string, value interface{}) error {
	req := plist.NewDict().Set("Request", "SetValue").Set("Label", progName).Set("Value", value)
	if domain != "" {
		req.Set("Domain", domain)
	}
	if key != "" {
		req.Set("Key", key)
	}
	reply, err := s.conn.SendRecv(req)
	if err != nil {
		return err
	}
	d, err := asDict(reply, "SetValue")
	if err != nil {
		return err
	}
	return checkError(d, "SetValue")
}

// StartService asks lockdownd to start the named service and returns a
// connection to it, switched to TLS if the device requires it for that
// service.
func (s *Session) StartService(ctx context.Context, name string) (*transport.Conn, error) {
	req := plist.NewDict().Set("Request", "StartService").Set("Service", name).Set("Label", progName)
	reply, err := s.conn.SendRecv(req)
	if err != nil {
		return nil, err
	}
	d, err := asDict(reply, "StartService")
	if err != nil {
		return nil, err
	}
	if v, ok := d.Get("Error"); ok {
		reason, _ := v.(string)
		return nil, errors.NewServiceError(name, reason)
	}
	portVal, ok := d.Get("Port")
	if !ok {
		return nil, errors.NewServiceError(name, "StartService reply missing Port")
	}
	port, ok := toPort(portVal)
	if !ok {
		return nil, errors.NewServiceError(name, "StartService Port is not numeric")
	}

	conn, err := usbmux.Connect(ctx, s.cfg, s.deviceID, port)
	if err != nil {
		return nil, err
	}
	conn.SetMode(transport.ModePlistPacket)

	if requireSSL, _ := d.Get("EnableServiceSSL"); requireSSL == true {
		tlsCfg, err := buildTLSConfig(s.record)
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := conn.SwitchToTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func toPort(v interface{}) (uint16, bool) {
	switch n := v.(type) {
	case int64:
		return uint16(n), true
	case int:
		return uint16(n), true
	default:
		return 0, false
	}
}
