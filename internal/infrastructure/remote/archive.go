package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"

	"github.com/diaglink/proxy/internal/infrastructure/logger"
)

// SFTPArchiver uploads finished profiler files to a remote directory.
type SFTPArchiver struct {
	client    *SSHClient
	remoteDir string
	logger    *logger.Logger
}

func NewSFTPArchiver(cfg SSHConfig, remoteDir string, log *logger.Logger) *SFTPArchiver {
	return &SFTPArchiver{
		client:    NewSSHClient(cfg),
		remoteDir: remoteDir,
		logger:    log,
	}
}

// Archive copies localPath to <remoteDir>/<remoteName>. The upload goes to
// a temporary name first and is renamed once complete.
func (a *SFTPArchiver) Archive(ctx context.Context, localPath, remoteName string) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("archive: open local: %w", err)
	}
	defer local.Close()
	stat, err := local.Stat()
	if err != nil {
		return fmt.Errorf("archive: stat local: %w", err)
	}

	conn, err := a.client.Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	sc, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("archive: sftp client: %w", err)
	}
	defer sc.Close()

	// Tear the session down if ctx ends mid upload.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	target := path.Join(a.remoteDir, remoteName)
	if err := sc.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("archive: mkdir %s: %w", path.Dir(target), err)
	}

	tmp := target + ".part"
	remote, err := sc.Create(tmp)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", tmp, err)
	}
	written, err := io.Copy(remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		sc.Remove(tmp)
		return fmt.Errorf("archive: upload: %w", err)
	}
	if written != stat.Size() {
		sc.Remove(tmp)
		return fmt.Errorf("archive: upload incomplete: expected %d bytes, got %d", stat.Size(), written)
	}
	if err := sc.PosixRename(tmp, target); err != nil {
		return fmt.Errorf("archive: rename: %w", err)
	}

	a.logger.Infow("archive_upload_ok", "host", a.client.Address(), "remote", target, "size_bytes", written)
	return nil
}
