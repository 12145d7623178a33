package wire

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/kaptinlin/jsonrepair"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
)

// maxLineBytes is the longest request line the reader accepts. A line past
// this limit is a fatal framing error: the stream has no way to resync.
const maxLineBytes = 10 << 20

// Conn frames requests and responses over a byte stream. Reading is
// single-consumer; writes are serialized internally so concurrent handlers
// never interleave frames on stdout.
type Conn struct {
	scanner *bufio.Scanner
	logger  *logging.Logger

	mu sync.Mutex
	w  *bufio.Writer
}

// NewConn wraps in and out. A nil logger disables diagnostics.
func NewConn(in io.Reader, out io.Writer, logger *logging.Logger) *Conn {
	if logger == nil {
		logger = logging.Nop()
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Conn{
		scanner: scanner,
		logger:  logger.Component("wire"),
		w:       bufio.NewWriter(out),
	}
}

// Next returns the next well-formed request. Malformed lines are answered
// with a parse-error frame when an id can be salvaged from the raw text and
// are otherwise logged and dropped; either way Next keeps reading. It
// returns io.EOF once the input closes.
func (c *Conn) Next() (*Request, error) {
	for c.scanner.Scan() {
		line := bytes.TrimSpace(c.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			c.rejectMalformed(line, err)
			continue
		}
		if req.Op == "" {
			c.answer(NewErrorResponse(req.ID, conderrors.BadRequest("request is missing an op")))
			continue
		}

		// The scanner reuses its buffer; detach Args before handing off.
		req.Args = append(json.RawMessage(nil), req.Args...)
		return &req, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Write frames resp onto the stream as a single line. Safe for concurrent
// use.
func (c *Conn) Write(resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Conn) rejectMalformed(line []byte, cause error) {
	id, ok := salvageID(line)
	if !ok {
		c.logger.Warn("discarding unparseable frame",
			"error", cause.Error(),
			"bytes", len(line))
		return
	}
	c.answer(NewErrorResponse(id, conderrors.BadRequest("malformed request: %v", cause)))
}

func (c *Conn) answer(resp *Response) {
	if err := c.Write(resp); err != nil {
		c.logger.Error("write error frame", "error", err.Error())
	}
}

// salvageID recovers the id of a malformed frame so the client can still
// correlate the parse error. jsonrepair mends common truncation and quoting
// damage; frames it cannot mend are dropped.
func salvageID(line []byte) (any, bool) {
	repaired, err := jsonrepair.JSONRepair(string(line))
	if err != nil {
		return nil, false
	}
	var probe struct {
		ID any `json:"id"`
	}
	if err := json.Unmarshal([]byte(repaired), &probe); err != nil || probe.ID == nil {
		return nil, false
	}
	return probe.ID, true
}
