// Package workerrt is the worker side of the pool protocol: it runs
// inside the subprocess a Manager spawns, dials back to the Hub, and
// serves requests until the connection closes. A worker process
// re-execs the same compiled binary as the server with a different
// subcommand; since Go has no runtime "import this class by name",
// worker implementations register themselves in a small compiled-in
// factory registry instead of being loaded dynamically.
package workerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"

	"github.com/relaydb/rtcore/internal/framing"
	"github.com/relaydb/rtcore/internal/wire"
)

// Handler is what a registered worker class implements: dispatch one
// method call against the instance state constructed from its args.
type Handler interface {
	Call(ctx context.Context, method string, args []interface{}) (interface{}, error)
}

// Factory constructs a Handler from the raw argument blob given to the
// worker subcommand's --class-args flag. A Manager starts its workers
// without that flag, so workers it spawns receive an empty blob.
type Factory func(args []byte) (Handler, error)

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a worker class factory under name, the same name a
// Manager's RuntimeConfig.ClassName must match. Call from an init()
// function in the package that defines the worker implementation.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

func lookup(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// DebugLogger is the minimal logging surface Run needs; *rtcore.Logger
// satisfies it. Kept as an interface here to avoid workerrt importing
// the parent rtcore package.
type DebugLogger interface {
	DebugContext(ctx context.Context, msg string, args ...any)
}

// Run connects to sockname, instantiates className via the compiled-in
// registry with argsBlob, and serves requests until the hub connection
// closes (a clean exit) or an unrecoverable transport error occurs.
func Run(ctx context.Context, className string, argsBlob []byte, sockname string, logger DebugLogger) error {
	factory, ok := lookup(className)
	if !ok {
		return fmt.Errorf("workerrt: unknown worker class %q", className)
	}
	handler, err := factory(argsBlob)
	if err != nil {
		return fmt.Errorf("workerrt: failed to construct %q: %w", className, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", sockname)
	if err != nil {
		return fmt.Errorf("workerrt: connect to hub at %s: %w", sockname, err)
	}
	defer conn.Close()

	if err := framing.WritePID(conn, uint32(os.Getpid())); err != nil {
		return fmt.Errorf("workerrt: pid handshake: %w", err)
	}

	framer := framing.NewFramer(conn)

	for {
		msg, err := framer.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("workerrt: read request: %w", err)
		}

		reply := dispatch(ctx, handler, msg, logger)

		payload, err := reply.Marshal()
		if err != nil {
			payload, err = wire.NewSerializeErrorReply(err.Error()).Marshal()
			if err != nil {
				return fmt.Errorf("workerrt: could not marshal even the serialize-error reply: %w", err)
			}
		}

		if err := framer.WriteMessage(payload); err != nil {
			return fmt.Errorf("workerrt: write reply: %w", err)
		}
	}
}

func dispatch(ctx context.Context, handler Handler, msg []byte, logger DebugLogger) *wire.Reply {
	req, err := wire.UnmarshalRequest(msg)
	if err != nil {
		return wire.NewRaisedReply("DecodeError", err.Error(), "")
	}

	result, callErr, stack := safeCall(ctx, handler, req)
	if callErr != nil {
		if logger != nil {
			logger.DebugContext(ctx, "method dispatch failed", "method", req.Method, "error", callErr)
		}
		tb := stack
		if tb == "" {
			tb = callErr.Error()
		}
		return wire.NewRaisedReply(fmt.Sprintf("%T", callErr), callErr.Error(), tb)
	}

	return wire.NewOKReply(result)
}

// safeCall recovers a panicking method so that one bad call cannot take
// the whole worker process down mid-reply.
func safeCall(ctx context.Context, handler Handler, req *wire.Request) (result interface{}, err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in method %q: %v", req.Method, r)
			stack = string(debug.Stack())
		}
	}()
	result, err = handler.Call(ctx, req.Method, req.Args)
	return
}
