package ssh

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

// sftpClient starts the SFTP subsystem on first use. Caller holds c.mu.
func (c *Connector) sftpClient() (*sftp.Client, error) {
	if c.sftp != nil {
		return c.sftp, nil
	}

	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, fmt.Errorf("failed to start SFTP subsystem: %w", err)
	}
	c.sftp = client
	return client, nil
}

func (c *Connector) uploadSFTP(src io.Reader, dst string, mode os.FileMode) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	f, err := client.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", dst, err)
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write remote file %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", dst, err)
	}

	if err := client.Chmod(dst, mode); err != nil {
		return fmt.Errorf("failed to set mode on %s: %w", dst, err)
	}

	return nil
}

func (c *Connector) downloadSFTP(src string, dst io.Writer) error {
	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	f, err := client.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open remote file %s: %w", src, err)
	}
	defer f.Close()

	if _, err := f.WriteTo(dst); err != nil {
		return fmt.Errorf("failed to read remote file %s: %w", src, err)
	}

	return nil
}
