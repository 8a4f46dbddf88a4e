/*
 * meshbard - low-bandwidth bundle synchronisation daemon.
 * Copyright (C) 2026-present the meshbard authors.
 *
 * This program is free software; you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation; either version 2 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License along
 * with this program; if not, write to the Free Software Foundation, Inc.,
 * 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */

// Package radio is a concrete, swappable implementation of the
// engine's RadioSink/RadioSource interfaces over UDP broadcast. The
// core protocol treats the physical link as an external collaborator
// (only send/recv matter); this is the "some real transport" a
// runnable CLI needs to demonstrate the engine end to end, standing in
// for whatever packet radio or broadcast medium a deployment actually
// uses.
package radio

import (
	"net"
	"time"

	"github.com/jbblache/lbard/engine"
)

// maxFrameSize bounds a single read, generously above any sane MTU the
// frame builder would be configured with.
const maxFrameSize = 65507

// UDPSink sends frames as UDP datagrams to a fixed broadcast address.
// Send never blocks for long and never returns an error to the
// caller; per §5, a dropped send is simply absorbed by the next tick.
type UDPSink struct {
	conn *net.UDPConn
	dst  *net.UDPAddr
	log  func(err error)
}

// NewUDPSink opens a UDP socket capable of sending to broadcastAddr
// (e.g. "255.255.255.255:4111"). onError, if non-nil, is called for
// sends that fail; Send itself never surfaces the error, matching the
// radio sink contract in §6.
func NewUDPSink(broadcastAddr string, onError func(err error)) (*UDPSink, error) {
	addr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteBuffer(1 << 20)
	if onError == nil {
		onError = func(error) {}
	}
	return &UDPSink{conn: conn, dst: addr, log: onError}, nil
}

// Send implements engine.RadioSink.
func (s *UDPSink) Send(frame []byte) {
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.conn.WriteToUDP(frame, s.dst); err != nil {
		s.log(err)
	}
}

// Close releases the underlying socket.
func (s *UDPSink) Close() error {
	return s.conn.Close()
}

// UDPSource receives frames broadcast by peers, listening on a fixed
// local UDP port.
type UDPSource struct {
	conn *net.UDPConn
}

// NewUDPSource opens a UDP listener on listenAddr (e.g. ":4111").
func NewUDPSource(listenAddr string) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	return &UDPSource{conn: conn}, nil
}

// Recv blocks until one datagram arrives and returns it along with the
// RSSI-less link metadata UDP can offer (just the receive timestamp;
// a real radio driver would fill in RSSI).
func (s *UDPSource) Recv() ([]byte, engine.LinkMetadata, error) {
	buf := make([]byte, maxFrameSize)
	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, engine.LinkMetadata{}, err
	}
	return buf[:n], engine.LinkMetadata{ReceivedAt: time.Now()}, nil
}

// Close releases the underlying socket.
func (s *UDPSource) Close() error {
	return s.conn.Close()
}
