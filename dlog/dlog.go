package dlog

import (
	"fmt"
	"io"
	"os"

	logging "github.com/op/go-logging"
)

const module = "epaxos"

// DLOG turns on the debug trail written by Printf and Println.
var DLOG = false

var logger = logging.MustGetLogger(module)

var logFormat = logging.MustStringFormatter(`%{time:2006/01/02 15:04:05.000} %{level:.4s} %{shortfile} %{message}`)

func init() {
	logger.ExtraCalldepth = 1
	Setup("info", os.Stderr)
}

// Setup points the logger at out and drops everything below level
// (one of critical, error, warning, notice, info, debug).
func Setup(level string, out io.Writer) error {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return err
	}
	backend := logging.NewBackendFormatter(logging.NewLogBackend(out, "", 0), logFormat)
	leveled := logging.AddModuleLevel(backend)
	leveled.SetLevel(lvl, module)
	logging.SetBackend(leveled)
	if lvl == logging.DEBUG {
		DLOG = true
	}
	return nil
}

func Printf(format string, v ...interface{}) {
	if !DLOG {
		return
	}
	logger.Debugf(format, v...)
}

func Println(v ...interface{}) {
	if !DLOG {
		return
	}
	logger.Debug(fmt.Sprintln(v...))
}

// AgentPrintfN logs at info level prefixed with the replica that did the work.
func AgentPrintfN(aid string, format string, v ...interface{}) {
	logger.Infof("Agent %s, "+format, append([]interface{}{aid}, v...)...)
}

func Infof(format string, v ...interface{}) {
	logger.Infof(format, v...)
}

func Warningf(format string, v ...interface{}) {
	logger.Warningf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	logger.Errorf(format, v...)
}
