package bridge

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// syncMaxChunkSize is the sync protocol's chunk limit.
const syncMaxChunkSize = 64 * 1024

// ProgressFunc receives upload progress: bytes sent so far and the total.
type ProgressFunc func(sent, total int64)

// Push copies the local file to path remote on the device using the sync
// protocol. progress may be nil. The whole transfer is bounded by timeout.
func (h *Handle) Push(local, remote string, timeout time.Duration, progress ProgressFunc) error {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return errors.Wrap(ErrTransportUnavailable, "handle closed")
	}

	f, err := os.Open(local)
	if err != nil {
		return errors.Wrapf(err, "Push(%s)", local)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "Push(%s)", local)
	}

	conn, err := dialRaw(h.server.address, timeout)
	if err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "Push: %v", err)
	}
	defer conn.Close()

	// Switch into device transport, then sync mode.
	if err := sendMessage(conn, "host:transport:"+h.target); err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "Push: %v", err)
	}
	if err := wantStatus(conn); err != nil {
		return mapDeviceErr(err)
	}
	if err := sendMessage(conn, "sync:"); err != nil {
		return errors.Wrapf(ErrTransportUnavailable, "Push: %v", err)
	}
	if err := wantStatus(conn); err != nil {
		return mapDeviceErr(err)
	}

	// The remote name carries the file mode after the last comma.
	pathAndMode := fmt.Sprintf("%s,%d", remote, uint32(info.Mode().Perm()))
	if err := syncSendRequest(conn, "SEND", []byte(pathAndMode)); err != nil {
		return errors.Wrapf(err, "Push(%s)", remote)
	}

	if err := sendFileChunks(conn, f, info.Size(), progress); err != nil {
		return errors.Wrapf(err, "Push(%s)", remote)
	}

	// DONE carries the modification time instead of a length.
	done := make([]byte, 8)
	copy(done[:4], "DONE")
	binary.LittleEndian.PutUint32(done[4:], uint32(info.ModTime().Unix()))
	if _, err := conn.Write(done); err != nil {
		return errors.Wrapf(err, "Push(%s)", remote)
	}

	return errors.Wrapf(syncReadStatus(conn), "Push(%s)", remote)
}

// sendFileChunks streams r as DATA chunks of at most 64k.
func sendFileChunks(w io.Writer, r io.Reader, total int64, progress ProgressFunc) error {
	buf := make([]byte, syncMaxChunkSize)
	header := make([]byte, 8)
	var sent int64

	for {
		n, err := r.Read(buf)
		if n > 0 {
			copy(header[:4], "DATA")
			binary.LittleEndian.PutUint32(header[4:], uint32(n))
			if _, werr := w.Write(header); werr != nil {
				return werr
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
			if progress != nil {
				progress(sent, total)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
