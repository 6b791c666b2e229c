package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils" // Using the SafeCommand wrapper
)

// ErrEngineClosed is returned once the Python process has exited or been killed.
var ErrEngineClosed = errors.New("python engine is closed")

// Protocol opcodes
const (
	OpDetect byte = 1
	OpEmbed  byte = 2
)

// DefaultScript is the engine entry point, relative to the working directory.
const DefaultScript = "python/engine.py"

// maxResponse guards against a corrupted length header allocating gigabytes.
const maxResponse = 64 << 20

// PythonEngine runs face detection and embedding in a Python subprocess.
// Requests go over stdin, responses come back on a side pipe (FD 3) so that
// library chatter on stdout can never corrupt the stream.
type PythonEngine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	// Timeout bounds a single request/response exchange. Zero means no limit.
	Timeout time.Duration

	mu     sync.Mutex // one exchange at a time
	closed atomic.Bool
	exited chan struct{}
}

// NewPythonEngine starts `python3 -u script` with the data pipe attached as FD 3.
func NewPythonEngine(id int, script string, timeout time.Duration) (*PythonEngine, error) {
	if script == "" {
		script = DefaultScript
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand("python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("engine %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	e := &PythonEngine{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		Timeout:  timeout,
		exited:   make(chan struct{}),
	}

	// Reap the process so Available notices a crash
	go func() {
		py.Wait()
		e.closed.Store(true)
		close(e.exited)
	}()

	return e, nil
}

// Name identifies the backend in logs.
func (e *PythonEngine) Name() string { return "python" }

// Available reports whether the engine process is still running.
func (e *PythonEngine) Available(context.Context) bool {
	return !e.closed.Load()
}

// Detect finds faces in a JPEG frame. Boxes come back in pixels and are
// normalized against the frame size reported by the engine.
func (e *PythonEngine) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	resp, err := e.call(ctx, OpDetect, frame.Data)
	if err != nil {
		return nil, err
	}
	return decodeDetections(resp)
}

// Embed returns the face descriptor of a cropped face image.
func (e *PythonEngine) Embed(ctx context.Context, crop []byte) (types.Embedding, error) {
	resp, err := e.call(ctx, OpEmbed, crop)
	if err != nil {
		return nil, err
	}
	return decodeEmbedding(resp)
}

// call performs one exchange. When ctx ends first, the exchange is finished
// in the background so the stream stays in sync for the next caller. When the
// timeout fires, the engine is assumed hung and killed.
func (e *PythonEngine) call(ctx context.Context, op byte, payload []byte) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)

	go func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed.Load() {
			done <- result{err: ErrEngineClosed}
			return
		}
		if err := ctx.Err(); err != nil {
			done <- result{err: err}
			return
		}
		body, err := e.Communicate(op, payload)
		done <- result{body, err}
	}()

	var timeout <-chan time.Time
	if e.Timeout > 0 {
		t := time.NewTimer(e.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return parseResponse(r.body)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		e.kill()
		return nil, fmt.Errorf("engine %d: no response after %v: %w", e.ID, e.Timeout, ErrEngineClosed)
	}
}

// Communicate writes one request and reads one raw response body.
// Protocol: [Length][Op][Payload] -> [Length][Body]
func (e *PythonEngine) Communicate(op byte, payload []byte) ([]byte, error) {
	if err := binary.Write(e.Stdin, binary.BigEndian, uint32(len(payload)+1)); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write([]byte{op}); err != nil {
		return nil, err
	}
	if _, err := e.Stdin.Write(payload); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(e.DataPipe, header); err != nil {
		return nil, err // This is where we catch an import crash in the engine
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("engine response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(e.DataPipe, respBody)
	return respBody, err
}

// parseResponse strips the status byte. Status 1 carries [MsgLen][Msg].
func parseResponse(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, errors.New("empty response from python engine")
	}
	if body[0] == 0 {
		return body[1:], nil
	}

	r := bytes.NewReader(body[1:])
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return nil, fmt.Errorf("malformed error response: %w", err)
	}
	msg := make([]byte, msgLen)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("malformed error response: %w", err)
	}
	return nil, fmt.Errorf("python engine error: %s", msg)
}

// decodeDetections reads [Width][Height][N] then N * ([4]float32 box, float32 score).
func decodeDetections(body []byte) ([]types.Detection, error) {
	r := bytes.NewReader(body)
	var hdr struct {
		Width, Height, Count uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read detection header: %w", err)
	}

	dets := make([]types.Detection, 0, hdr.Count)
	for i := uint32(0); i < hdr.Count; i++ {
		var face struct {
			Box   [4]float32
			Score float32
		}
		if err := binary.Read(r, binary.BigEndian, &face); err != nil {
			return nil, fmt.Errorf("failed to read detection %d: %w", i, err)
		}
		dets = append(dets, types.Detection{
			Box: types.BoxFromPixels(
				float64(face.Box[0]), float64(face.Box[1]),
				float64(face.Box[2]), float64(face.Box[3]),
				int(hdr.Width), int(hdr.Height),
			),
			Score: float64(face.Score),
		})
	}
	return dets, nil
}

// decodeEmbedding reads [Dim] then Dim float32 values.
func decodeEmbedding(body []byte) (types.Embedding, error) {
	r := bytes.NewReader(body)
	var dim uint32
	if err := binary.Read(r, binary.BigEndian, &dim); err != nil {
		return nil, fmt.Errorf("failed to read embedding dim: %w", err)
	}
	if int(dim)*4 != r.Len() {
		return nil, fmt.Errorf("embedding dim %d does not match payload of %d bytes", dim, r.Len())
	}
	vec := make(types.Embedding, dim)
	if err := binary.Read(r, binary.BigEndian, vec); err != nil {
		return nil, fmt.Errorf("failed to read embedding: %w", err)
	}
	for _, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.New("embedding contains non-finite values")
		}
	}
	return vec, nil
}

func (e *PythonEngine) kill() {
	e.closed.Store(true)
	if e.Cmd != nil && e.Cmd.Process != nil {
		e.Cmd.Process.Kill()
	}
}

// Close shuts the engine down and waits for the process to exit.
func (e *PythonEngine) Close() error {
	e.closed.Store(true)
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.exited == nil {
		return nil
	}
	select {
	case <-e.exited:
	case <-time.After(2 * time.Second):
		e.kill()
		<-e.exited
	}
	return nil
}
