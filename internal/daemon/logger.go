package daemon

import "go.uber.org/zap"

// log is the daemon package's ambient structured logger. cmd/appliance-daemon
// builds the real *zap.SugaredLogger at startup and installs it via
// SetLogger before constructing the daemon; a development logger backs it
// until then so package tests still produce output.
var log = zap.NewNop().Sugar()

func init() {
	if l, err := zap.NewDevelopment(); err == nil {
		log = l.Sugar()
	}
}

// SetLogger installs the package's ambient logger. Call once at process
// startup, before daemon.New.
func SetLogger(l *zap.SugaredLogger) {
	log = l
}
