package server

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marshwren/lanroom/internal/metrics"
	"github.com/marshwren/lanroom/internal/protocol"
	"github.com/marshwren/lanroom/internal/session"
	"github.com/marshwren/lanroom/internal/store"
)

// FileCoordinator arbitrates rendezvous transfers so that multi-megabyte
// payloads never ride the JSON control channel. Each transfer runs on its
// own goroutine with bounded accept/dial deadlines, and the ephemeral
// listener's lifetime is scoped to a single transfer attempt.
type FileCoordinator struct {
	registry *session.Registry
	store    store.Store
	timeout  time.Duration
	chunk    int
	log      *logrus.Entry
}

func NewFileCoordinator(registry *session.Registry, st store.Store, timeout time.Duration, chunkSize int) *FileCoordinator {
	return &FileCoordinator{
		registry: registry,
		store:    st,
		timeout:  timeout,
		chunk:    chunkSize,
		log:      logrus.WithField("component", "files"),
	}
}

// BeginUpload answers a REQUEST_UPLOAD: bind an ephemeral listener, tell
// the client where to connect, and collect the bytes on a fresh goroutine
// so the client's control loop is never blocked by the transfer.
func (c *FileCoordinator) BeginUpload(sess *session.Session, info protocol.FileInfoData) {
	if info.Filename == "" || info.Size <= 0 {
		c.replyError(sess, protocol.FileInfoData{Filename: info.Filename, Error: "invalid file metadata"})
		return
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		c.log.WithError(err).Error("cannot bind upload listener")
		c.replyError(sess, protocol.FileInfoData{Filename: info.Filename, Error: "upload unavailable"})
		return
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ip, _, _ := net.SplitHostPort(sess.Conn.LocalAddr().String())

	if err := sess.Conn.Send(protocol.TypeFileInfo, protocol.FileInfoData{
		Filename: info.Filename,
		Size:     info.Size,
		Status:   protocol.StatusReadyUpload,
		IP:       ip,
		Port:     port,
	}); err != nil {
		ln.Close()
		return
	}

	go c.receiveUpload(sess, info, ln.(*net.TCPListener))
}

// receiveUpload accepts exactly one connection on the ephemeral listener
// and reads exactly the advertised size. Accept timeout, short read and
// size mismatch all abort with nothing stored.
func (c *FileCoordinator) receiveUpload(sess *session.Session, info protocol.FileInfoData, ln *net.TCPListener) {
	defer ln.Close()

	ln.SetDeadline(time.Now().Add(c.timeout))
	tc, err := ln.Accept()
	if err != nil {
		c.log.WithField("user", sess.Name).Warn("upload rendezvous timed out")
		c.replyError(sess, protocol.FileInfoData{Filename: info.Filename, Error: "upload rendezvous timed out"})
		return
	}
	defer tc.Close()

	data := make([]byte, info.Size)
	var received int64
	for received < info.Size {
		chunk := info.Size - received
		if chunk > int64(c.chunk) {
			chunk = int64(c.chunk)
		}
		tc.SetReadDeadline(time.Now().Add(c.timeout))
		n, err := io.ReadFull(tc, data[received:received+chunk])
		received += int64(n)
		if err != nil {
			break
		}
	}

	if received != info.Size {
		c.log.WithFields(logrus.Fields{
			"user": sess.Name, "file": info.Filename, "want": info.Size, "got": received,
		}).Warn("file transfer incomplete")
		c.replyError(sess, protocol.FileInfoData{Filename: info.Filename, Error: "file transfer incomplete"})
		return
	}

	f := c.store.Put(info.Filename, data, sess.Name)
	metrics.FilesStored.Inc()
	metrics.FileBytes.Add(float64(f.Size))
	c.log.WithFields(logrus.Fields{"user": sess.Name, "file": f.Name, "size": f.Size}).Info("file stored")

	c.broadcastAvailable(f)
}

// BeginDownload answers a FILE_REQUEST by dialing the client's pre-bound
// listener and streaming the stored bytes, again off the control loop.
func (c *FileCoordinator) BeginDownload(sess *session.Session, req protocol.FileRequestData) {
	f, ok := c.store.Get(req.FileID)
	if !ok {
		c.replyError(sess, protocol.FileInfoData{FileID: req.FileID, Error: "file not found"})
		return
	}
	if req.Port <= 0 || req.Port > 0xFFFF {
		c.replyError(sess, protocol.FileInfoData{FileID: req.FileID, Error: "invalid download port"})
		return
	}

	host, _, err := net.SplitHostPort(sess.RemoteAddr.String())
	if err != nil {
		c.replyError(sess, protocol.FileInfoData{FileID: req.FileID, Error: "cannot resolve client address"})
		return
	}

	go c.sendDownload(sess, f, net.JoinHostPort(host, fmt.Sprintf("%d", req.Port)))
}

func (c *FileCoordinator) sendDownload(sess *session.Session, f *store.File, addr string) {
	tc, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		c.log.WithError(err).WithField("user", sess.Name).Warn("download rendezvous failed")
		c.replyError(sess, protocol.FileInfoData{FileID: f.ID, Error: "download rendezvous failed"})
		return
	}
	defer tc.Close()

	// Metadata rides the control channel; only raw bytes cross the
	// rendezvous connection.
	if err := sess.Conn.Send(protocol.TypeFileInfo, protocol.FileInfoData{
		FileID:   f.ID,
		Filename: f.Name,
		Size:     f.Size,
	}); err != nil {
		return
	}

	var sent int64
	for sent < f.Size {
		end := sent + int64(c.chunk)
		if end > f.Size {
			end = f.Size
		}
		tc.SetWriteDeadline(time.Now().Add(c.timeout))
		n, err := tc.Write(f.Data[sent:end])
		sent += int64(n)
		if err != nil {
			// Mid-stream failure aborts without retry.
			c.log.WithError(err).WithFields(logrus.Fields{"user": sess.Name, "file": f.Name}).Warn("download aborted")
			return
		}
	}
	c.log.WithFields(logrus.Fields{"user": sess.Name, "file": f.Name, "size": f.Size}).Info("file sent")
}

// ReplayAvailable tells a newly joined client about every file uploaded
// before they arrived.
func (c *FileCoordinator) ReplayAvailable(sess *session.Session) {
	for _, f := range c.store.List() {
		if err := sess.Conn.Send(protocol.TypeFileInfo, availableInfo(f)); err != nil {
			return
		}
	}
}

func (c *FileCoordinator) broadcastAvailable(f *store.File) {
	for _, sess := range c.registry.HandlesExcept("") {
		if err := sess.Conn.Send(protocol.TypeFileInfo, availableInfo(f)); err != nil {
			c.log.WithError(err).WithField("user", sess.Name).Debug("availability notice failed")
		}
	}
}

func availableInfo(f *store.File) protocol.FileInfoData {
	return protocol.FileInfoData{
		FileID:   f.ID,
		Filename: f.Name,
		Size:     f.Size,
		Uploader: f.Uploader,
		Status:   protocol.StatusAvailable,
	}
}

func (c *FileCoordinator) replyError(sess *session.Session, info protocol.FileInfoData) {
	if err := sess.Conn.Send(protocol.TypeFileInfo, info); err != nil {
		c.log.WithError(err).WithField("user", sess.Name).Debug("error reply failed")
	}
}
