package coordinator

import (
	"context"
	"errors"

	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"go.uber.org/zap"
)

// RelayCLI forwards argv to a running supervisor. handled is false when no
// supervisor answers or it declined the command; the caller should then run
// the command locally.
func RelayCLI(ctx context.Context, socketPath string, argv []string, log *zap.Logger) (handled bool, data any, err error) {
	sess, mode := Detect(ctx, socketPath, log)
	if mode != ModeWorker {
		return false, nil, nil
	}
	defer sess.Close()
	go func() { _ = sess.Serve(ctx, nil) }()

	resp, err := sess.Call(ctx, control.New(control.CLIArgv{Argv: argv}))
	if err != nil {
		var re *control.RemoteError
		if errors.As(err, &re) && re.Message == NotHandledMessage {
			return false, nil, nil
		}
		return true, nil, err
	}
	if s, ok := resp.Payload.(control.Success); ok {
		return true, s.Data, nil
	}
	return true, nil, nil
}
