package service

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-co-op/gocron"
)

// SweepUploads removes upload spool files older than maxAge. These only
// survive when the process died mid-request.
func (s *Service) SweepUploads(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.cfg.Server.TempDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), UploadPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.Server.TempDir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// StartSweeper runs SweepUploads every Server.SweepInterval until the
// returned stop function is called.
func (s *Service) StartSweeper() (stop func(), err error) {
	sched := gocron.NewScheduler(time.UTC)
	_, err = sched.Every(s.cfg.Server.SweepInterval).Do(func() {
		n, err := s.SweepUploads(time.Now(), s.cfg.Server.TempMaxAge)
		if err != nil {
			s.log.WithError(err).Warn("upload sweep failed")
			return
		}
		if n > 0 {
			s.log.WithField("removed", n).Info("removed orphaned uploads")
		}
	})
	if err != nil {
		return nil, err
	}
	sched.StartAsync()
	return sched.Stop, nil
}
