package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ikurchat/jobs"
	"github.com/ikurchat/jobs/core"
)

// console is a minimal transport adapter for local use: stdin lines become
// owner messages and every outbound message is printed to the writer,
// prefixed with its target so delegated and background traffic stays
// distinguishable from direct replies.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

// Send implements core.Outbound.
func (c *console) Send(_ context.Context, msg core.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "[%s] %s\n", msg.TargetKey, msg.Text)
	return err
}

// ReadLoop feeds stdin lines to the host as the owner until ctx is
// cancelled or stdin closes. Blank lines are skipped; handling errors are
// printed rather than fatal so a rejected line never kills the daemon.
func (c *console) ReadLoop(ctx context.Context, host *jobs.Host, ownerKey string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				// stdin closed; keep the trigger path running.
				<-ctx.Done()
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			err := host.HandleInbound(ctx, core.InboundEvent{
				RawPrincipal: ownerKey,
				Payload:      line,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
		}
	}
}
