package main

import (
	"log"
	"os"
	"path/filepath"
)

// LoadPlugins runs the init.lua of every directory in dir.
func (s *scripts) LoadPlugins(dir string) ([]string, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var loaded []string
	for _, file := range files {
		if !file.IsDir() {
			continue
		}

		path := filepath.Join(dir, file.Name(), "init.lua")
		if _, err := os.Stat(path); err != nil {
			continue
		}

		log.Print("Loading plugin " + file.Name())
		if err := s.l.DoFile(path); err != nil {
			return loaded, err
		}
		loaded = append(loaded, file.Name())
	}

	return loaded, nil
}
