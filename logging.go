package main

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	coreLog    *logrus.Entry
	routerLog  *logrus.Entry
	hwLog      *logrus.Entry
	audioLog   *logrus.Entry
	aiLog      *logrus.Entry
	backendLog *logrus.Entry
	logFile    *lumberjack.Logger
)

// audioFrames controls whether per-frame audio messages are logged.
var audioFrames bool

// initLogging configures one logger per subsystem, all sharing the console
// and the rotating log file.
func initLogging(cfg *ini.File) error {
	sec := cfg.Section("logging")

	consoleMin := toLogrusLevel(sec.Key("console_min_level").MustInt(0))
	fileMin := toLogrusLevel(sec.Key("file_min_level").MustInt(0))

	logFile = &lumberjack.Logger{
		Filename:   sec.Key("file").MustString("vigilia-hub.log"),
		MaxSize:    50, // megabytes
		MaxBackups: 3,
	}

	coreLog = newLogger("core", toLogrusLevel(sec.Key("core").MustInt(2)), consoleMin, fileMin, logFile)
	routerLog = newLogger("router", toLogrusLevel(sec.Key("router").MustInt(2)), consoleMin, fileMin, logFile)
	hwLog = newLogger("hw", toLogrusLevel(sec.Key("hw").MustInt(2)), consoleMin, fileMin, logFile)
	audioLog = newLogger("audio", toLogrusLevel(sec.Key("audio").MustInt(2)), consoleMin, fileMin, logFile)
	aiLog = newLogger("ai", toLogrusLevel(sec.Key("ai").MustInt(2)), consoleMin, fileMin, logFile)
	backendLog = newLogger("backend", toLogrusLevel(sec.Key("backend").MustInt(2)), consoleMin, fileMin, logFile)

	audioFrames = sec.Key("audio_frames").MustBool(false)
	if !audioFrames {
		// filter out per-chunk audio chatter
		skipOutput(audioLog, isAudioFrame)
		skipOutput(aiLog, isAudioFrame)
	}
	return nil
}

// closeLogging flushes and closes log files.
func closeLogging() {
	if logFile != nil {
		_ = logFile.Close()
	}
}

// writerHook writes logs to the specified writer for provided levels.
type writerHook struct {
	Writer    io.Writer
	LogLevels []logrus.Level
	Skip      func(*logrus.Entry) bool
}

func (h *writerHook) Fire(e *logrus.Entry) error {
	if h.Skip != nil && h.Skip(e) {
		return nil
	}
	line, err := e.String()
	if err != nil {
		return err
	}
	_, err = h.Writer.Write([]byte(line))
	return err
}

func (h *writerHook) Levels() []logrus.Level {
	return h.LogLevels
}

func newLogger(name string, level, consoleMin, fileMin logrus.Level, file io.Writer) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(io.Discard)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.AddHook(&writerHook{Writer: os.Stdout, LogLevels: availableLevels(consoleMin)})
	if file != nil {
		logger.AddHook(&writerHook{Writer: file, LogLevels: availableLevels(fileMin)})
	}
	return logger.WithField("name", name)
}

func availableLevels(min logrus.Level) []logrus.Level {
	levels := []logrus.Level{}
	for _, l := range logrus.AllLevels {
		if l <= min {
			levels = append(levels, l)
		}
	}
	return levels
}

func toLogrusLevel(v int) logrus.Level {
	switch {
	case v <= 0:
		return logrus.TraceLevel
	case v == 1:
		return logrus.DebugLevel
	case v == 2:
		return logrus.InfoLevel
	case v == 3:
		return logrus.WarnLevel
	case v == 4:
		return logrus.ErrorLevel
	case v == 5:
		return logrus.FatalLevel
	default:
		return logrus.PanicLevel // off
	}
}

// skipOutput drops entries matching skip from every writer of the logger.
func skipOutput(entry *logrus.Entry, skip func(*logrus.Entry) bool) {
	for _, hooks := range entry.Logger.Hooks {
		for _, h := range hooks {
			if w, ok := h.(*writerHook); ok {
				w.Skip = skip
			}
		}
	}
}

func isAudioFrame(e *logrus.Entry) bool {
	return e.Level >= logrus.DebugLevel && strings.HasPrefix(e.Message, "audio delta")
}
