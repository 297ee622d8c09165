// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 okhsunrog

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/google/gousb"
	"github.com/gorilla/websocket"
	"go.bug.st/serial"

	"github.com/okhsunrog/km003c-go/pkg/km003c"
)

// usbTransport drives the device over libusb, on either the vendor bulk
// interface (0) or the HID interrupt interface (3).
type usbTransport struct {
	ctx     *gousb.Context
	dev     *gousb.Device
	intf    *gousb.Interface
	cfgDone func()
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
}

func openUSBTransport(hid bool) (*usbTransport, string, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(km003c.VendorID), gousb.ID(km003c.ProductID))
	if err != nil {
		ctx.Close()
		return nil, "", fmt.Errorf("open USB device: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, "", km003c.ErrDeviceNotFound
	}

	if err := dev.SetAutoDetach(true); err != nil {
		logger.Debug().Err(err).Msg("auto-detach not supported")
	}

	ifaceNum, epNum, mode := 0, 1, "vendor bulk"
	if hid {
		ifaceNum, epNum, mode = 3, 5, "HID interrupt"
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, "", fmt.Errorf("claim configuration: %w", err)
	}
	intf, err := cfg.Interface(ifaceNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, "", fmt.Errorf("claim interface %d: %w", ifaceNum, err)
	}

	in, err := intf.InEndpoint(epNum)
	if err == nil {
		var out *gousb.OutEndpoint
		out, err = intf.OutEndpoint(epNum)
		if err == nil {
			t := &usbTransport{
				ctx:     ctx,
				dev:     dev,
				intf:    intf,
				cfgDone: func() { cfg.Close() },
				in:      in,
				out:     out,
			}
			return t, fmt.Sprintf("USB %s (interface %d)", mode, ifaceNum), nil
		}
	}
	intf.Close()
	cfg.Close()
	dev.Close()
	ctx.Close()
	return nil, "", fmt.Errorf("open endpoints: %w", err)
}

func (t *usbTransport) WriteAll(p []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for len(p) > 0 {
		n, err := t.out.WriteContext(ctx, p)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return km003c.ErrTimeout
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *usbTransport) ReadSome(p []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := t.in.ReadContext(ctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, km003c.ErrTimeout
		}
		return 0, err
	}
	return n, nil
}

func (t *usbTransport) Close() error {
	t.intf.Close()
	t.cfgDone()
	err := t.dev.Close()
	t.ctx.Close()
	return err
}

// serialTransport drives the device's CDC-ACM interface. The device sends
// each frame as one transfer, which CDC delivers as one read.
type serialTransport struct {
	port serial.Port
}

func openSerialTransport(portName string) (*serialTransport, string, error) {
	mode := &serial.Mode{
		BaudRate: 115200,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, "", fmt.Errorf("open serial port %s: %w", portName, err)
	}
	return &serialTransport{port: port}, fmt.Sprintf("Serial: %s", portName), nil
}

func (t *serialTransport) WriteAll(p []byte, _ time.Duration) error {
	for len(p) > 0 {
		n, err := t.port.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (t *serialTransport) ReadSome(p []byte, timeout time.Duration) (int, error) {
	if err := t.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	n, err := t.port.Read(p)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, km003c.ErrTimeout
	}
	return n, nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}

// wsTransport reads frames from a remote capture bridge that forwards
// device transfers as binary WebSocket messages.
type wsTransport struct {
	conn *websocket.Conn
}

func openWsTransport(rawURL string) (*wsTransport, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, "", fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("bridge connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, "", fmt.Errorf("bridge connection failed: %w", err)
	}
	return &wsTransport{conn: conn}, fmt.Sprintf("Bridge: %s", rawURL), nil
}

func (t *wsTransport) WriteAll(p []byte, timeout time.Duration) error {
	if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (t *wsTransport) ReadSome(p []byte, timeout time.Duration) (int, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, km003c.ErrTimeout
			}
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return copy(p, data), nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// OpenTransport opens the transport selected by the persistent flags:
// serial if --serial is set, the bridge if --url is set, USB otherwise.
func OpenTransport() (km003c.Transport, string, error) {
	if serialPort != "" {
		return openSerialTransport(serialPort)
	}
	if wsURL != "" {
		return openWsTransport(wsURL)
	}
	return openUSBTransport(useHID)
}

// openDevice opens the transport and wires up a session controller.
func openDevice(opts ...km003c.Option) (*km003c.Device, error) {
	tr, info, err := OpenTransport()
	if err != nil {
		return nil, err
	}
	logger.Info().Str("via", info).Msg("connected to transport")

	base := []km003c.Option{
		km003c.WithLogger(logger),
		km003c.WithRequestTimeout(requestTimeout),
	}
	return km003c.New(tr, append(base, opts...)...), nil
}
