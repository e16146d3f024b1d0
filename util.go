package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// deviceNotFoundPattern matches the error messages adb servers return when a
// matching device is absent. Old servers send "device not found", newer ones
// "device 'serial' not found".
var deviceNotFoundPattern = regexp.MustCompile(`device( '.*')? not found`)

// The helpers below implement the hex-framed message layer for the raw sync
// path, where the message-mode Conn cannot be used.

func sendMessage(w io.Writer, msg string) error {
	_, err := fmt.Fprintf(w, "%04x%s", len(msg), msg)
	return err
}

func readTetra(r io.Reader) ([4]byte, error) {
	var t [4]byte
	_, err := io.ReadFull(r, t[:])
	return t, err
}

func hexTetraToInt(t [4]byte) int {
	i, _ := strconv.ParseUint(string(t[:]), 16, 32)
	return int(i)
}

// wantStatus reads a 4-byte status and returns nil on OKAY. On FAIL the
// server's error message becomes the returned error.
func wantStatus(r io.Reader) error {
	t, err := readTetra(r)
	if err != nil {
		return errors.Wrap(err, "error reading status")
	}
	s := string(t[:])
	switch s {
	case "OKAY":
		return nil
	case "FAIL":
		length := 0
		if t, err = readTetra(r); err == nil {
			length = hexTetraToInt(t)
		}
		b := &strings.Builder{}
		io.CopyN(b, r, int64(length))
		return errors.New(b.String())
	default:
		return errors.Errorf("got unexpected status %q", s)
	}
}

// syncSendRequest writes a binary sync-mode request: a 4-byte id followed by
// a little-endian length and the payload.
func syncSendRequest(w io.Writer, id string, payload []byte) error {
	buf := make([]byte, 8+len(payload))
	copy(buf[:4], id)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	_, err := w.Write(buf)
	return err
}

// syncReadStatus reads the final sync-mode status. On FAIL the message that
// follows (little-endian length) becomes the returned error.
func syncReadStatus(r io.Reader) error {
	t, err := readTetra(r)
	if err != nil {
		return errors.Wrap(err, "error reading sync status")
	}
	switch string(t[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		length := uint32(0)
		if t, err = readTetra(r); err == nil {
			length = binary.LittleEndian.Uint32(t[:])
		}
		b := &strings.Builder{}
		io.CopyN(b, r, int64(length))
		return errors.New(b.String())
	default:
		return errors.Errorf("got unexpected sync status %q", string(t[:]))
	}
}

func isBlank(str string) bool {
	return strings.TrimSpace(str) == ""
}
