package ssh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/eugenetaranov/skiff/internal/connector"
)

// uploadSCP runs the remote side of `scp -t` and feeds it a single file.
// Caller holds c.mu.
func (c *Connector) uploadSCP(src io.Reader, size int64, dst string, mode os.FileMode) error {
	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open scp channel: %w", err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open scp stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open scp stdout: %w", err)
	}

	if err := session.Start("scp -qt " + connector.ShellQuote(dst)); err != nil {
		return fmt.Errorf("failed to start scp: %w", err)
	}

	acks := bufio.NewReader(stdout)
	if err := sendSCP(stdin, acks, src, size, path.Base(dst), mode); err != nil {
		return err
	}

	// EOF tells scp there are no more files; it then exits.
	if err := stdin.Close(); err != nil {
		return fmt.Errorf("failed to close scp stdin: %w", err)
	}
	if err := session.Wait(); err != nil {
		return fmt.Errorf("scp did not exit cleanly: %w", err)
	}

	return nil
}

// sendSCP writes one C record, the file bytes and the terminating zero,
// reading the sink's acknowledgement after the header and after the body.
func sendSCP(w io.Writer, acks *bufio.Reader, src io.Reader, size int64, name string, mode os.FileMode) error {
	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp sink not ready: %w", err)
	}

	if _, err := fmt.Fprintf(w, "C%04o %d %s\n", mode.Perm(), size, name); err != nil {
		return fmt.Errorf("failed to send scp header: %w", err)
	}
	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp rejected header: %w", err)
	}

	n, err := io.CopyN(w, src, size)
	if err != nil {
		return fmt.Errorf("failed to send file body (%d of %d bytes): %w", n, size, err)
	}

	if _, err := w.Write([]byte{0}); err != nil {
		return fmt.Errorf("failed to terminate scp body: %w", err)
	}
	if err := readAck(acks); err != nil {
		return fmt.Errorf("scp rejected file: %w", err)
	}

	return nil
}

// readAck reads one scp status byte: 0 is success, 1 is a warning and 2 a
// fatal error, both followed by a message line.
func readAck(r *bufio.Reader) error {
	code, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("failed to read scp acknowledgement: %w", err)
	}
	if code == 0 {
		return nil
	}

	msg, _ := r.ReadString('\n')
	msg = strings.TrimSpace(msg)
	if code == 1 || code == 2 {
		return fmt.Errorf("scp: %s", msg)
	}
	return fmt.Errorf("scp: unexpected acknowledgement %q: %s", code, msg)
}
