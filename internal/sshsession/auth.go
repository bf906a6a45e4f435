package sshsession

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sshtunnel-proxy-go/internal/config"
)

// ErrHostKeyMismatch is returned when the server key doesn't match the pinned fingerprint.
var ErrHostKeyMismatch = errors.New("host key fingerprint mismatch")

// clientConfig builds the ssh.ClientConfig for cfg. Key files and known_hosts are
// read once here so that a bad path fails at startup instead of on the first request.
func clientConfig(cfg *config.SSHConfig) (*ssh.ClientConfig, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         time.Duration(cfg.ConnectTimeoutSeconds) * time.Second,
	}, nil
}

func authMethods(cfg *config.SSHConfig) ([]ssh.AuthMethod, error) {
	if !cfg.HasKey() {
		password := cfg.Password
		// Many servers only offer keyboard-interactive; answer every prompt with the password.
		interactive := ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		})
		return []ssh.AuthMethod{ssh.Password(password), interactive}, nil
	}

	pem := []byte(cfg.PrivateKey)
	if cfg.PrivateKeyPath != "" {
		data, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		pem = data
	}

	var (
		signer ssh.Signer
		err    error
	)
	if cfg.PrivateKeyPassphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.PrivateKeyPassphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func hostKeyCallback(cfg *config.SSHConfig) (ssh.HostKeyCallback, error) {
	switch {
	case cfg.KnownHosts != "":
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		return cb, nil
	case cfg.HostKeyFingerprint != "":
		want := cfg.HostKeyFingerprint
		return func(_ string, _ net.Addr, key ssh.PublicKey) error {
			if got := ssh.FingerprintSHA256(key); got != want {
				return fmt.Errorf("%w: got %s", ErrHostKeyMismatch, got)
			}
			return nil
		}, nil
	default:
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // opt-in via config; warned about at startup
	}
}
