package stage

import (
	"context"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/ballast/internal/ssh"
)

// SFTPSource pulls {RemoteDir}/{table}.tbl over an SFTP session.
type SFTPSource struct {
	Client    *sftp.Client
	RemoteDir string
	conn      *xssh.Client
}

// DialSFTP opens an SSH connection and an SFTP session on it.
func DialSFTP(ctx context.Context, c *ssh.Client, remoteDir string) (*SFTPSource, error) {
	conn, err := ssh.Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	sf, err := ssh.OpenSFTP(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &SFTPSource{Client: sf, RemoteDir: remoteDir, conn: conn}, nil
}

func (s *SFTPSource) Fetch(ctx context.Context, table, localPath string) (int64, error) {
	return ssh.PullFile(ctx, s.Client, path.Join(s.RemoteDir, FileName(table)), localPath)
}

// Close ends the session and, when DialSFTP opened it, the connection.
func (s *SFTPSource) Close() error {
	err := s.Client.Close()
	if s.conn != nil {
		if cerr := s.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
