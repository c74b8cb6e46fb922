// Package xlog is the service-wide logger: a zap core writing one text
// log per day, with rotation at UTC midnight and a retention sweep of
// aged files.
/*
 * Copyright (c) 2024, ARTD Group, NAOC. All rights reserved.
 */
package xlog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/karrick/godirwalk"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	prefix  = "gtoaes"
	dateFmt = "20060102"
)

var (
	log  *zap.SugaredLogger
	sink *dailySink
)

func init() {
	// stdout until Init; keeps tests and -d bootstrap quiet about files
	log = newLogger(zapcore.Lock(os.Stdout)).Sugar()
}

// Init switches logging to LOG_DIR/gtoaes-YYYYMMDD.log. Empty dir keeps
// stdout (debug runs).
func Init(dir string, keepDays int) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	sink = &dailySink{dir: dir, keepDays: keepDays}
	if err := sink.roll(time.Now().UTC()); err != nil {
		return err
	}
	log = newLogger(sink).Sugar()
	return nil
}

// Flush syncs the active file, if any.
func Flush() {
	_ = log.Sync()
}

func newLogger(ws zapcore.WriteSyncer) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		MessageKey:     "M",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05"),
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, zapcore.InfoLevel)
	return zap.New(core)
}

// Infof logs routine events.
func Infof(format string, a ...any) { log.Infof(format, a...) }

// Warnf logs conditions an operator should notice.
func Warnf(format string, a ...any) { log.Warnf(format, a...) }

// Faultf logs failures.
func Faultf(format string, a ...any) { log.Errorf(format, a...) }

//////////////////////////////////
// dailySink: date-named files  //
//////////////////////////////////

// dailySink writes to gtoaes-YYYYMMDD.log and switches files when the
// UTC date changes. Size-based rollers cannot produce the date-stamped
// names the operators' tooling expects, hence the local syncer.
type dailySink struct {
	mu       sync.Mutex
	dir      string
	day      string
	file     *os.File
	keepDays int
}

var _ zapcore.WriteSyncer = (*dailySink)(nil)

func (s *dailySink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if day := now.Format(dateFmt); day != s.day {
		if err := s.roll(now); err != nil {
			return 0, err
		}
	}
	return s.file.Write(p)
}

func (s *dailySink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *dailySink) roll(now time.Time) error {
	day := now.Format(dateFmt)
	f, err := os.OpenFile(filepath.Join(s.dir, prefix+"-"+day+".log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if s.file != nil {
		_ = s.file.Close()
	}
	s.file, s.day = f, day
	go s.sweep(now)
	return nil
}

// sweep unlinks logs older than keepDays.
func (s *dailySink) sweep(now time.Time) {
	if s.keepDays <= 0 {
		return
	}
	oldest := now.AddDate(0, 0, -s.keepDays).Format(dateFmt)
	_ = godirwalk.Walk(s.dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			name := de.Name()
			if de.IsDir() || !strings.HasPrefix(name, prefix+"-") || !strings.HasSuffix(name, ".log") {
				return nil
			}
			day := strings.TrimSuffix(strings.TrimPrefix(name, prefix+"-"), ".log")
			if len(day) == len(dateFmt) && day < oldest {
				_ = os.Remove(path)
			}
			return nil
		},
	})
}
