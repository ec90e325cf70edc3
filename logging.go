package timekeeper

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

//NewLogger creates text logger. Unknown level falls back to info
func NewLogger(level string, out io.Writer) *logrus.Logger {
	result := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	result.SetOutput(out)
	result.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	result.SetLevel(lvl)
	return result
}
