package session

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/trinitas-lab/tmws/pkg/types"
)

// StdioTransport serves one embedded client over newline-delimited JSON
// frames, one session for the life of the process.
type StdioTransport struct {
	manager *Manager
	logger  *zap.Logger
}

// NewStdioTransport creates the stdio transport.
func NewStdioTransport(manager *Manager, logger *zap.Logger) *StdioTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StdioTransport{manager: manager, logger: logger}
}

// Serve reads frames from r and writes responses to w until r closes or
// ctx is cancelled.
func (t *StdioTransport) Serve(ctx context.Context, r io.Reader, w io.Writer, initial *types.Agent) error {
	var wmu sync.Mutex
	send := func(resp Response) {
		raw, err := json.Marshal(resp)
		if err != nil {
			t.logger.Error("response serialization failed", zap.Error(err))
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		w.Write(raw)
		w.Write([]byte{'\n'})
	}

	sess, err := t.manager.Open(ctx, initial, send)
	if err != nil {
		return err
	}
	defer t.manager.Close(sess.ID)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeRequest(line)
		if err != nil {
			send(errResponse("", err))
			continue
		}
		sess.Submit(req)
		if ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return types.Wrap(types.KindInternal, err, "stdio read failed")
	}
	return nil
}
