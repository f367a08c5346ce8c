package main

import (
	"os"
	"path/filepath"
	"sync"
)

// Logger writes to stdout and the latest log file of its directory.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// newLogger rotates latest.txt to last.txt and opens a fresh latest.txt.
func newLogger(dir string) (*Logger, error) {
	os.Mkdir(dir, 0777)
	os.Rename(filepath.Join(dir, "latest.txt"), filepath.Join(dir, "last.txt"))

	f, err := os.OpenFile(filepath.Join(dir, "latest.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}

	return &Logger{file: f}, nil
}

func (l *Logger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	os.Stdout.Write(p)

	if l.file != nil {
		l.file.Write(p)
	}

	return len(p), nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	err := l.file.Close()
	l.file = nil

	return err
}
