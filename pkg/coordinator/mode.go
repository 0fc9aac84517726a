// Package coordinator bridges the gateway and app registry of a process to a
// supervising process over the control channel. A process runs standalone
// when no supervisor socket answers, as a worker when one does, or as the
// supervisor itself.
package coordinator

import (
	"context"
	"errors"

	"github.com/joeydtaylor/steeze-gateway/pkg/control"
	"go.uber.org/zap"
)

type Mode int32

const (
	ModeStandalone Mode = iota
	ModeWorker
	ModeCoordinator
)

func (m Mode) String() string {
	switch m {
	case ModeWorker:
		return "worker"
	case ModeCoordinator:
		return "coordinator"
	default:
		return "standalone"
	}
}

// RestartExitCode is the process exit code that asks the supervisor for a
// replacement worker instead of treating the exit as final.
const RestartExitCode = 100

// Detect dials the supervisor socket. Any connection failure means no
// supervisor is present and yields ModeStandalone with a nil session.
func Detect(ctx context.Context, socketPath string, log *zap.Logger, opts ...control.SessionOption) (*control.Session, Mode) {
	if log == nil {
		log = zap.NewNop()
	}
	if socketPath == "" {
		return nil, ModeStandalone
	}
	sess, err := control.Dial(ctx, socketPath, opts...)
	if err != nil {
		var ce *control.ConnectionError
		if errors.As(err, &ce) || control.IsConnectionError(err) {
			log.Info("no coordinator present; running standalone", zap.String("socket", socketPath))
		} else {
			log.Warn("coordinator dial failed; running standalone", zap.String("socket", socketPath), zap.Error(err))
		}
		return nil, ModeStandalone
	}
	log.Info("connected to coordinator", zap.String("socket", socketPath), zap.String("session", sess.ID()))
	return sess, ModeWorker
}
