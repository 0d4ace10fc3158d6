package virtinstall

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// installerToken marks guest installer lines worth echoing to the operator.
const installerToken = "anaconda"

// Relay follows a console log file and copies installer lines to a writer.
// The follower is a child tail process parented to us with a death signal,
// so it cannot outlive the build.
type Relay struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// StartRelay begins following path, writing lines containing token to out.
func StartRelay(path, token string, out io.Writer) (*Relay, error) {
	cmd := exec.Command("tail", "-F", path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}

	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating relay pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting console relay: %w", err)
	}

	r := &Relay{cmd: cmd, done: make(chan struct{})}
	go r.pump(pipe, token, out)
	return r, nil
}

func (r *Relay) pump(pipe io.Reader, token string, out io.Writer) {
	defer close(r.done)
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, token) {
			fmt.Fprintln(out, line)
		}
	}
}

// Stop terminates the follower and waits for the pump to drain.
func (r *Relay) Stop() {
	_ = r.cmd.Process.Signal(unix.SIGTERM)
	<-r.done
	_ = r.cmd.Wait()
}
