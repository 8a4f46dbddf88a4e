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

package mlog

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNilSatisfiesNotify(t *testing.T) {
	var n Notify = Nil{}
	n.PeerSeen([6]byte{1})
	n.BundleAssembled([8]byte{1}, 2)
	n.FrameBuilt(64)
	n.FrameMalformed("bad tag")
	n.StoreFetchFailed([8]byte{1}, errors.New("timeout"))
}

func TestLogrusWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})

	var n Notify = NewLogrus(logger)
	n.BundleAssembled([8]byte{0xAA}, 99)

	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("bundle assembled")) {
		t.Fatalf("expected log line to mention bundle assembled, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("aa000000")) {
		t.Fatalf("expected hex bid prefix in log line, got %q", out)
	}
}
