package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const serverInfoFile = "server-info"

// serverInfo is the discovery record local clients read to find a running
// engine, needed when the server binds port 0.
type serverInfo struct {
	Port      int       `json:"port"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	StartTime time.Time `json:"startTime"`
}

// writeServerInfo records the bound address in the data dir. The write is
// temp-then-rename so readers never see a partial file.
func (s *Server) writeServerInfo(hostname string) error {
	if s.opts.DataDir == "" {
		return nil
	}
	info := serverInfo{
		Port:      s.Port(),
		Hostname:  hostname,
		PID:       os.Getpid(),
		StartTime: s.startTime,
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(s.opts.DataDir, serverInfoFile)
	tmp, err := os.CreateTemp(s.opts.DataDir, serverInfoFile+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("server: publish %s: %w", serverInfoFile, err)
	}
	return nil
}

func (s *Server) removeServerInfo() {
	if s.opts.DataDir == "" {
		return
	}
	if err := os.Remove(filepath.Join(s.opts.DataDir, serverInfoFile)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("server-info remove failed", "error", err)
	}
}
