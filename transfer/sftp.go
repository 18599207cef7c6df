package transfer

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

// ErrNoHostKey is returned when neither a host key nor insecure mode is
// configured.
var ErrNoHostKey = errors.New("no sftp host key configured")

// DefaultPort is the SSH port.
const DefaultPort = 22

// SFTPConfig describes the remote drop directory.
type SFTPConfig struct {
	Host string
	Port int
	User string

	// Password or PrivateKey (PEM) or KeyFile authenticate the user.
	Password   string
	PrivateKey []byte
	KeyFile    string
	Passphrase string

	// HostKey is the server key in authorized_keys format. Without it the
	// connection fails unless InsecureIgnoreHostKey is set.
	HostKey               string
	InsecureIgnoreHostKey bool

	Dir     string
	Timeout time.Duration
}

func (c *SFTPConfig) auth() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	key := c.PrivateKey
	if len(key) == 0 && c.KeyFile != "" {
		b, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, xerrors.Errorf("failed to read key file: %w", err)
		}
		key = b
	}
	if len(key) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}

	if len(methods) == 0 {
		return nil, xerrors.New("sftp needs a password or a private key")
	}

	return methods, nil
}

func (c *SFTPConfig) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.HostKey != "" {
		pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, xerrors.Errorf("failed to parse host key: %w", err)
		}
		return ssh.FixedHostKey(pk), nil
	}
	if c.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return nil, ErrNoHostKey
}

// SFTP lists and opens the files of one remote directory.
type SFTP struct {
	client *sftp.Client
	ssh    *ssh.Client
	dir    string
}

// NewSFTP wraps an established client.
func NewSFTP(c *sftp.Client, dir string) *SFTP {
	return &SFTP{client: c, dir: dir}
}

// DialSFTP connects to the server of c.
func DialSFTP(ctx context.Context, c SFTPConfig) (*SFTP, error) {
	methods, err := c.auth()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	if c.InsecureIgnoreHostKey && c.HostKey == "" {
		log.Ctx(ctx).Warn().Str("host", c.Host).Msg("sftp host key is not verified")
	}

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(c.Host, strconv.Itoa(port))

	d := &net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to dial %s: %w", addr, err)
	}

	sc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            c.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		conn.Close()
		return nil, xerrors.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(sc, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, xerrors.Errorf("failed to start sftp on %s: %w", addr, err)
	}

	log.Ctx(ctx).Info().Str("addr", addr).Str("dir", c.Dir).Msg("connected to sftp")

	return &SFTP{client: client, ssh: sshClient, dir: c.Dir}, nil
}

// List returns the regular files of the directory by name.
func (s *SFTP) List(_ context.Context) ([]File, error) {
	infos, err := s.client.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Errorf("failed to list %s: %w", s.dir, err)
	}

	var files []File
	for _, fi := range infos {
		if !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, File{Name: fi.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	return files, nil
}

// Open opens a file of the directory.
func (s *SFTP) Open(_ context.Context, name string) (io.ReadCloser, error) {
	f, err := s.client.Open(path.Join(s.dir, name))
	if err != nil {
		return nil, xerrors.Errorf("failed to open %s: %w", name, err)
	}
	return f, nil
}

func (s *SFTP) Close() error {
	err := s.client.Close()
	if s.ssh != nil {
		if serr := s.ssh.Close(); err == nil {
			err = serr
		}
	}
	return err
}
